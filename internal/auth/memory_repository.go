package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process UserRepository used when no database is
// configured and in tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
	now   func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users: make(map[uuid.UUID]*User),
		now:   time.Now,
	}
}

// Create inserts a new user record.
func (r *MemoryRepository) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(u)
}

func (r *MemoryRepository) createLocked(u *User) error {
	u.Email = NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.Email != "" && r.findLocked(func(x *User) bool { return x.Email == u.Email }) != nil {
		return ErrDuplicateEmail
	}
	if u.FederatedSubject != nil && r.findLocked(func(x *User) bool {
		return x.FederatedSubject != nil && *x.FederatedSubject == *u.FederatedSubject
	}) != nil {
		return ErrDuplicateEmail
	}

	now := r.now().UTC()
	u.ID = uuid.New()
	u.CreatedAt = now
	u.UpdatedAt = now
	stored := *u
	r.users[u.ID] = &stored
	return nil
}

// GetByID retrieves a single user by its UUID.
func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetByEmail retrieves a single user by email (case-insensitive).
func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyOrNotFound(r.findLocked(func(u *User) bool { return u.Email == email }))
}

// GetByFederatedSubject retrieves the user linked to the given IdP subject.
func (r *MemoryRepository) GetByFederatedSubject(_ context.Context, subject string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyOrNotFound(r.findLocked(func(u *User) bool {
		return u.FederatedSubject != nil && *u.FederatedSubject == subject
	}))
}

// UpdateRole sets the role of a user and returns the updated record.
func (r *MemoryRepository) UpdateRole(_ context.Context, id uuid.UUID, role Role) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Role = role
	u.UpdatedAt = r.now().UTC()
	cp := *u
	return &cp, nil
}

// LinkFederatedSubject records the IdP subject for a user that has none yet.
func (r *MemoryRepository) LinkFederatedSubject(_ context.Context, id uuid.UUID, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if u.FederatedSubject == nil {
		s := subject
		u.FederatedSubject = &s
		u.UpdatedAt = r.now().UTC()
	}
	return nil
}

// UpsertFederated resolves a federated subject to a local user.
func (r *MemoryRepository) UpsertFederated(_ context.Context, subject, email string, defaultRole Role) (*User, error) {
	email = NormalizeEmail(email)
	r.mu.Lock()
	defer r.mu.Unlock()

	if u := r.findLocked(func(u *User) bool {
		return u.FederatedSubject != nil && *u.FederatedSubject == subject
	}); u != nil {
		cp := *u
		return &cp, nil
	}

	if email != "" {
		if u := r.findLocked(func(u *User) bool { return u.Email == email }); u != nil {
			if u.FederatedSubject != nil {
				return nil, ErrDuplicateEmail
			}
			s := subject
			u.FederatedSubject = &s
			u.UpdatedAt = r.now().UTC()
			cp := *u
			return &cp, nil
		}
	}

	s := subject
	u := &User{Email: email, FederatedSubject: &s, Role: defaultRole}
	if err := r.createLocked(u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetRoleByEmail sets the role of the user with email, creating it when absent.
func (r *MemoryRepository) SetRoleByEmail(_ context.Context, email string, role Role) (*User, error) {
	return r.GrantRoleByEmail(email, role)
}

// GrantRoleByEmail sets the role of the user with the given email, creating
// the user when absent. Used by in-memory stores that need the grant to happen
// under their own critical section.
func (r *MemoryRepository) GrantRoleByEmail(email string, role Role) (*User, error) {
	email = NormalizeEmail(email)
	r.mu.Lock()
	defer r.mu.Unlock()

	if u := r.findLocked(func(u *User) bool { return u.Email == email }); u != nil {
		u.Role = role
		u.UpdatedAt = r.now().UTC()
		cp := *u
		return &cp, nil
	}

	u := &User{Email: email, Role: role}
	if err := r.createLocked(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *MemoryRepository) findLocked(match func(*User) bool) *User {
	for _, u := range r.users {
		if match(u) {
			return u
		}
	}
	return nil
}

func copyOrNotFound(u *User) (*User, error) {
	if u == nil {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
