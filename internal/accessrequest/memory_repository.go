package accessrequest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
)

// MemoryRepository is an in-process Repository. Role grants go to the given
// user repository.
type MemoryRepository struct {
	users *auth.MemoryRepository
	now   func() time.Time

	mu       sync.Mutex
	requests map[uuid.UUID]*AccessRequest
}

// NewMemoryRepository creates a MemoryRepository granting roles in users.
func NewMemoryRepository(users *auth.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{
		users:    users,
		now:      time.Now,
		requests: make(map[uuid.UUID]*AccessRequest),
	}
}

// Create inserts a new pending request.
func (r *MemoryRepository) Create(_ context.Context, req *AccessRequest) error {
	req.Email = auth.NormalizeEmail(req.Email)
	if req.RequestedRole == "" {
		req.RequestedRole = auth.RoleAdmin
	}
	req.Status = StatusPending
	req.ID = uuid.New()
	req.CreatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

// Get retrieves a single request.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*AccessRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// List retrieves a paginated list of requests, newest first.
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) (*ListResult, error) {
	filter.normalize()

	r.mu.Lock()
	var all []AccessRequest
	for _, req := range r.requests {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		all = append(all, *req)
	}
	r.mu.Unlock()

	slices.SortFunc(all, func(a, b AccessRequest) int { return b.CreatedAt.Compare(a.CreatedAt) })

	start := min((filter.Page-1)*filter.Limit, len(all))
	end := min(start+filter.Limit, len(all))
	page := append([]AccessRequest{}, all[start:end]...)

	return &ListResult{Requests: page, Total: len(all), Page: filter.Page, Limit: filter.Limit}, nil
}

// Approve decides the request and grants its role under one lock.
func (r *MemoryRepository) Approve(_ context.Context, id uuid.UUID, d Decision) (*AccessRequest, *auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.pendingLocked(id)
	if err != nil {
		return nil, nil, err
	}

	u, err := r.users.GrantRoleByEmail(req.Email, req.RequestedRole)
	if err != nil {
		return nil, nil, err
	}

	r.decideLocked(req, StatusApproved, d)
	cp := *req
	return &cp, u, nil
}

// Reject decides the request without a role grant.
func (r *MemoryRepository) Reject(_ context.Context, id uuid.UUID, d Decision) (*AccessRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.pendingLocked(id)
	if err != nil {
		return nil, err
	}

	r.decideLocked(req, StatusRejected, d)
	cp := *req
	return &cp, nil
}

func (r *MemoryRepository) pendingLocked(id uuid.UUID) (*AccessRequest, error) {
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}
	return req, nil
}

func (r *MemoryRepository) decideLocked(req *AccessRequest, to Status, d Decision) {
	now := r.now().UTC()
	by := d.DecidedBy
	req.Status = to
	req.DecidedBy = &by
	req.DecidedAt = &now
	req.EmailUser = d.EmailUser
}
