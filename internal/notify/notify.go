// Package notify enqueues user and operator notifications for delivery by an
// external mailer.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notification kinds.
const (
	KindAccessRequestApproved = "access_request_approved"
	KindAccessRequestRejected = "access_request_rejected"
	KindClaimsSyncFailed      = "claims_sync_failed"
)

// Notification is one message to deliver.
type Notification struct {
	Kind      string         `json:"kind"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds a Notification stamped with the current time.
func New(kind, to, subject, body string, data map[string]any) Notification {
	return Notification{
		Kind:      kind,
		To:        to,
		Subject:   subject,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Publisher enqueues notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// LogPublisher logs notifications instead of delivering them. Used when no
// broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs n.
func (p *LogPublisher) Publish(ctx context.Context, n Notification) error {
	p.logger.InfoContext(ctx, "notification enqueued", "kind", n.Kind, "to", n.To, "subject", n.Subject)
	return nil
}

// MemoryPublisher keeps notifications in process.
type MemoryPublisher struct {
	mu   sync.Mutex
	sent []Notification
}

// Publish appends n.
func (p *MemoryPublisher) Publish(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

// Sent returns a copy of all published notifications.
func (p *MemoryPublisher) Sent() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Notification, len(p.sent))
	copy(out, p.sent)
	return out
}
