package accessrequest

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
)

// Status is the lifecycle state of an access request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// ErrNotFound is returned when an access request does not exist.
var ErrNotFound = errors.New("access request not found")

// ErrAlreadyDecided is returned when approving or rejecting a request that is
// no longer pending.
var ErrAlreadyDecided = errors.New("access request already decided")

// AccessRequest represents a row in the access_requests table. Once decided it
// is immutable.
type AccessRequest struct {
	ID            uuid.UUID
	RequesterID   string
	Email         string
	Name          string
	Reason        string
	RequestedRole auth.Role
	Status        Status
	CreatedAt     time.Time
	DecidedBy     *string
	DecidedAt     *time.Time
	EmailUser     bool
}

// ListFilter holds optional filters and pagination for listing requests.
type ListFilter struct {
	Status *Status
	Page   int // default 1
	Limit  int // default 20
}

// ListResult holds the result of a paginated list query.
type ListResult struct {
	Requests []AccessRequest
	Total    int
	Page     int
	Limit    int
}

// Decision is the input to Approve and Reject.
type Decision struct {
	DecidedBy string
	EmailUser bool
	RequestID string // correlation only, not persisted
}

func (f *ListFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
}
