// Package audit records append-only security events.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindAuthorizationFailed   = "authorization_failed"
	KindRefreshReuseDetected  = "refresh_reuse_detected"
	KindAccessRequestCreated  = "access_request_created"
	KindAccessRequestApproved = "access_request_approved"
	KindAccessRequestRejected = "access_request_rejected"
	KindUserRoleUpdated       = "user_role_updated"
	KindUserPromoted          = "user_promoted"
	KindClaimsSyncFailed      = "claims_sync_failed"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actorId"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
}

// New builds an Event stamped with the current UTC time.
func New(kind, actorID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Timestamp: time.Now().UTC(),
		ActorID:   actorID,
		Kind:      kind,
		Payload:   payload,
	}
}

// Emitter accepts audit events for recording.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Nop discards all events.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(context.Context, Event) error { return nil }

// SlogEmitter writes each event as one structured log line.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger uses slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit logs the event at info level with the kind as message.
func (e *SlogEmitter) Emit(ctx context.Context, ev Event) error {
	e.logger.LogAttrs(ctx, slog.LevelInfo, ev.Kind,
		slog.String("audit", "true"),
		slog.Time("timestamp", ev.Timestamp),
		slog.String("actorId", ev.ActorID),
		slog.Any("payload", ev.Payload),
	)
	return nil
}

// Fanout forwards events to every backend. Backend errors are logged and never
// returned, so a failing audit sink cannot fail the request that produced the event.
type Fanout struct {
	backends []Emitter
	logger   *slog.Logger
}

// NewFanout creates a Fanout over the given backends.
func NewFanout(logger *slog.Logger, backends ...Emitter) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{backends: backends, logger: logger}
}

// Emit writes ev to all backends.
func (f *Fanout) Emit(ctx context.Context, ev Event) error {
	for _, b := range f.backends {
		if err := b.Emit(ctx, ev); err != nil {
			f.logger.Error("audit emit failed", "event", ev.Kind, "error", err)
		}
	}
	return nil
}

// Memory keeps events in process. Useful for tests and local development.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (m *Memory) Emit(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of all recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByKind returns recorded events of the given kind.
func (m *Memory) ByKind(kind string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
