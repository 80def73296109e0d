package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

var (
	// ErrNotFound is returned when a requested row cannot be located.
	ErrNotFound = errors.New("state: not found")
	// ErrConflict is matched by ConflictError via errors.Is.
	ErrConflict = errors.New("state: conflicting request in progress")
	// ErrLogsFrozen is returned when appending output to a request that is not RUNNING.
	ErrLogsFrozen = errors.New("state: logs are frozen")
)

// ProvisioningRequest is one tracked attempt to run an action against a target.
type ProvisioningRequest struct {
	ID         int64              `json:"id"`
	TargetID   string             `json:"target_id"`
	TargetKind catalog.TargetKind `json:"target_kind"`
	Action     catalog.Action     `json:"action"`
	Family     catalog.Family     `json:"family"`
	Status     RequestStatus      `json:"status"`
	Logs       []string           `json:"logs,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// NewRequest carries what Create needs. ConflictsWith lists the families,
// besides Family itself, whose active requests block creation.
type NewRequest struct {
	TargetID      string
	TargetKind    catalog.TargetKind
	Action        catalog.Action
	Family        catalog.Family
	ConflictsWith []catalog.Family
}

func (r NewRequest) validate() error {
	if r.TargetID == "" {
		return errors.New("target id required")
	}
	if _, err := catalog.ParseTargetKind(string(r.TargetKind)); err != nil {
		return err
	}
	if !r.Action.Valid() {
		return catalog.UnknownActionError{Name: string(r.Action)}
	}
	if r.Family == "" {
		return errors.New("family required")
	}
	return nil
}

func (r NewRequest) families() []catalog.Family {
	return append([]catalog.Family{r.Family}, r.ConflictsWith...)
}

// ListFilter narrows ListAll. Zero fields do not filter.
type ListFilter struct {
	Status   RequestStatus
	Kind     catalog.TargetKind
	TargetID string
	Limit    int
	WithLogs bool
}

// ConflictError reports the active request that blocked a Create.
type ConflictError struct {
	TargetID string
	Family   catalog.Family
	ActiveID int64
	Action   catalog.Action
}

func (e ConflictError) Error() string {
	if e.ActiveID == 0 {
		return fmt.Sprintf("an install/uninstall is already in progress for target %s (%s)", e.TargetID, e.Family)
	}
	return fmt.Sprintf("an install/uninstall is already in progress for target %s: request %d (%s)", e.TargetID, e.ActiveID, e.Action)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Ledger is the durable record of provisioning requests. Implementations must
// make Create's conflict check and insert atomic per target.
type Ledger interface {
	// Create inserts a PENDING request, failing with ConflictError when an
	// active request exists for the target in any of the request's families.
	Create(ctx context.Context, req NewRequest) (ProvisioningRequest, error)
	// Transition moves a request to next, appending lines to its logs.
	Transition(ctx context.Context, id int64, next RequestStatus, lines []string) (ProvisioningRequest, error)
	// AppendLogs appends output to a RUNNING request.
	AppendLogs(ctx context.Context, id int64, lines []string) error
	// FindActive returns the latest PENDING/RUNNING request for the target,
	// restricted to families when given, or nil when there is none.
	FindActive(ctx context.Context, targetID string, families ...catalog.Family) (*ProvisioningRequest, error)
	// Get returns a request with its logs.
	Get(ctx context.Context, id int64) (ProvisioningRequest, error)
	// ListAll returns requests newest first.
	ListAll(ctx context.Context, filter ListFilter) ([]ProvisioningRequest, error)
}
