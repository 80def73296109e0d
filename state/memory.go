package state

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/izavyalov-dev/kubeprov/catalog"
)

// MemoryStore is an in-process Ledger for tests and database-less runs.
// All operations hold one mutex, so Create's check-and-insert is atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	requests map[int64]*ProvisioningRequest
	now      func() time.Time
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty store stamping rows with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		requests: make(map[int64]*ProvisioningRequest),
		now:      now,
	}
}

var _ Ledger = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, req NewRequest) (ProvisioningRequest, error) {
	if err := req.validate(); err != nil {
		return ProvisioningRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.findActiveLocked(req.TargetID, req.families()); active != nil {
		return ProvisioningRequest{}, ConflictError{TargetID: req.TargetID, Family: active.Family, ActiveID: active.ID, Action: active.Action}
	}

	s.nextID++
	now := s.now().UTC()
	row := &ProvisioningRequest{
		ID:         s.nextID,
		TargetID:   req.TargetID,
		TargetKind: req.TargetKind,
		Action:     req.Action,
		Family:     req.Family,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.requests[row.ID] = row
	return cloneRequest(row, false), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id int64, next RequestStatus, lines []string) (ProvisioningRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.requests[id]
	if !ok {
		return ProvisioningRequest{}, fmt.Errorf("%w: provisioning request %d", ErrNotFound, id)
	}
	if err := validateTransition(id, row.Status, next); err != nil {
		return ProvisioningRequest{}, err
	}

	now := s.now().UTC()
	row.Status = next
	row.UpdatedAt = now
	switch {
	case next == StatusRunning:
		row.StartedAt = &now
	case next.Terminal():
		row.FinishedAt = &now
	}
	row.Logs = append(row.Logs, lines...)
	return cloneRequest(row, true), nil
}

func (s *MemoryStore) AppendLogs(ctx context.Context, id int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("%w: provisioning request %d", ErrNotFound, id)
	}
	if row.Status != StatusRunning {
		return fmt.Errorf("%w: request %d is %s", ErrLogsFrozen, id, row.Status)
	}
	row.Logs = append(row.Logs, lines...)
	return nil
}

func (s *MemoryStore) FindActive(ctx context.Context, targetID string, families ...catalog.Family) (*ProvisioningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.findActiveLocked(targetID, families)
	if row == nil {
		return nil, nil
	}
	found := cloneRequest(row, false)
	return &found, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (ProvisioningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.requests[id]
	if !ok {
		return ProvisioningRequest{}, fmt.Errorf("%w: provisioning request %d", ErrNotFound, id)
	}
	return cloneRequest(row, true), nil
}

func (s *MemoryStore) ListAll(ctx context.Context, filter ListFilter) ([]ProvisioningRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ProvisioningRequest
	for _, row := range s.sortedLocked() {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && row.TargetKind != filter.Kind {
			continue
		}
		if filter.TargetID != "" && row.TargetID != filter.TargetID {
			continue
		}
		out = append(out, cloneRequest(row, filter.WithLogs))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// sortedLocked orders rows newest first, breaking created_at ties by id.
func (s *MemoryStore) sortedLocked() []*ProvisioningRequest {
	rows := make([]*ProvisioningRequest, 0, len(s.requests))
	for _, row := range s.requests {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	return rows
}

func (s *MemoryStore) findActiveLocked(targetID string, families []catalog.Family) *ProvisioningRequest {
	for _, row := range s.sortedLocked() {
		if row.TargetID != targetID || !row.Status.Active() {
			continue
		}
		if len(families) > 0 && !slices.Contains(families, row.Family) {
			continue
		}
		return row
	}
	return nil
}

func cloneRequest(row *ProvisioningRequest, withLogs bool) ProvisioningRequest {
	out := *row
	out.Logs = nil
	if withLogs {
		out.Logs = slices.Clone(row.Logs)
	}
	if row.StartedAt != nil {
		t := *row.StartedAt
		out.StartedAt = &t
	}
	if row.FinishedAt != nil {
		t := *row.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
