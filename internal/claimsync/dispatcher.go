package claimsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/notify"
)

// Job asks for one user's role claim to be pushed.
type Job struct {
	UserID    uuid.UUID
	Role      auth.Role
	ActorID   string
	RequestID string
}

// Syncer performs a single synchronization.
type Syncer interface {
	Sync(ctx context.Context, userID uuid.UUID, role auth.Role) Outcome
	Record(o Outcome)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	Emitter    audit.Emitter
	Publisher  notify.Publisher
	AlertEmail string
}

// Dispatcher runs claim synchronizations off the request path on a fixed
// pool of workers.
type Dispatcher struct {
	syncer Syncer
	opts   DispatcherOptions
	jobs   chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start before scheduling.
func NewDispatcher(syncer Syncer, opts DispatcherOptions) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.Emitter == nil {
		opts.Emitter = audit.Nop{}
	}
	return &Dispatcher{
		syncer: syncer,
		opts:   opts,
		jobs:   make(chan Job, opts.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	slog.Info("claims sync dispatcher started", "workers", d.opts.Workers, "queueSize", d.opts.QueueSize)
}

// Schedule enqueues a job without blocking. It reports false, and records a
// queue_full failure, when the job was dropped. The audit event and alert for
// a dropped job are sent in the background.
func (d *Dispatcher) Schedule(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped(job, "dispatcher closed")
		go d.failed(job, ReasonQueueFull)
		return false
	}

	select {
	case d.jobs <- job:
		return true
	default:
		d.dropped(job, "queue full")
		// Tracked so Close flushes the report along with queued jobs.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.failed(job, ReasonQueueFull)
		}()
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish or for ctx
// to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("claims sync dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.JobTimeout)
	defer cancel()

	outcome := d.syncer.Sync(ctx, job.UserID, job.Role)
	if !outcome.Success {
		d.failed(job, outcome.Reason)
	}
}

func (d *Dispatcher) dropped(job Job, msg string) {
	slog.Warn("claims sync job dropped", "userId", job.UserID, "reason", msg)
	d.syncer.Record(Outcome{Reason: ReasonQueueFull})
}

// failed reports a failure through audit and, when configured, an alert
// notification. Both are best effort.
func (d *Dispatcher) failed(job Job, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = d.opts.Emitter.Emit(ctx, audit.New(audit.KindClaimsSyncFailed, job.ActorID, map[string]any{
		"user_id":    job.UserID.String(),
		"role":       string(job.Role),
		"reason":     reason,
		"request_id": job.RequestID,
	}))

	if d.opts.Publisher == nil || d.opts.AlertEmail == "" {
		return
	}
	n := notify.New(notify.KindClaimsSyncFailed, d.opts.AlertEmail,
		"Role claim synchronization failed",
		"The identity provider could not be updated with a role change. The local role remains authoritative.",
		map[string]any{"userId": job.UserID.String(), "role": string(job.Role), "reason": reason},
	)
	if err := d.opts.Publisher.Publish(ctx, n); err != nil {
		slog.Error("failed to publish claims sync alert", "userId", job.UserID, "error", err)
	}
}
