package accessrequest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/claimsync"
	"github.com/ethixai/ethixai/internal/notify"
)

// Scheduler queues claims synchronization jobs without blocking.
type Scheduler interface {
	Schedule(job claimsync.Job) bool
}

// Service runs the pending -> approved|rejected workflow.
type Service struct {
	repo      Repository
	scheduler Scheduler
	emitter   audit.Emitter
	publisher notify.Publisher
}

// NewService creates a Service.
func NewService(repo Repository, scheduler Scheduler, emitter audit.Emitter, publisher notify.Publisher) *Service {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &Service{repo: repo, scheduler: scheduler, emitter: emitter, publisher: publisher}
}

// Create records a new pending request.
func (s *Service) Create(ctx context.Context, req *AccessRequest) error {
	if err := s.repo.Create(ctx, req); err != nil {
		return fmt.Errorf("creating access request: %w", err)
	}

	s.emit(ctx, audit.KindAccessRequestCreated, req.RequesterID, map[string]any{
		"request_id":     req.ID.String(),
		"requested_role": string(req.RequestedRole),
	})
	slog.Info("access request created", "accessRequestId", req.ID, "requestedRole", req.RequestedRole)
	return nil
}

// Get returns a single request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of requests.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	return s.repo.List(ctx, filter)
}

// Approve grants the requested role locally, then schedules the claims push
// and the optional user notification. Neither follow-up can undo the grant.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, error) {
	req, u, err := s.repo.Approve(ctx, id, d)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, audit.KindAccessRequestApproved, d.DecidedBy, map[string]any{
		"access_request_id": req.ID.String(),
		"user_id":           u.ID.String(),
		"granted_role":      string(req.RequestedRole),
		"email_user":        d.EmailUser,
		"request_id":        d.RequestID,
	})
	slog.Info("access request approved", "accessRequestId", req.ID, "userId", u.ID, "role", req.RequestedRole)

	if s.scheduler != nil {
		s.scheduler.Schedule(claimsync.Job{
			UserID:    u.ID,
			Role:      req.RequestedRole,
			ActorID:   d.DecidedBy,
			RequestID: d.RequestID,
		})
	}

	if d.EmailUser {
		s.notify(ctx, notify.New(notify.KindAccessRequestApproved, req.Email,
			"Your access request was approved",
			fmt.Sprintf("Your request for the %s role has been approved.", req.RequestedRole),
			map[string]any{"accessRequestId": req.ID.String(), "role": string(req.RequestedRole)},
		))
	}
	return req, nil
}

// Reject closes the request without granting anything.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, error) {
	req, err := s.repo.Reject(ctx, id, d)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, audit.KindAccessRequestRejected, d.DecidedBy, map[string]any{
		"access_request_id": req.ID.String(),
		"email_user":        d.EmailUser,
		"request_id":        d.RequestID,
	})
	slog.Info("access request rejected", "accessRequestId", req.ID)

	if d.EmailUser {
		s.notify(ctx, notify.New(notify.KindAccessRequestRejected, req.Email,
			"Your access request was declined",
			fmt.Sprintf("Your request for the %s role was not approved.", req.RequestedRole),
			map[string]any{"accessRequestId": req.ID.String()},
		))
	}
	return req, nil
}

func (s *Service) emit(ctx context.Context, kind, actorID string, payload map[string]any) {
	if err := s.emitter.Emit(ctx, audit.New(kind, actorID, payload)); err != nil {
		slog.Error("failed to emit audit event", "event", kind, "error", err)
	}
}

// notify is best effort and detached from the caller's cancellation.
func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, n); err != nil {
		slog.Error("failed to publish notification", "kind", n.Kind, "error", err)
	}
}
