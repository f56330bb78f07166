package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casekit/caseflow/types"
)

// MemoryStore is an in-memory implementation of the Store interface,
// suitable for tests and single-process deployments.
type MemoryStore struct {
	instances    map[string]types.WorkflowInstance
	reserved     map[string]time.Time
	dispatched   map[string]bool
	audits       map[string][]types.AuditEntry
	approvals    map[string]types.ApprovalRequest
	reclaimAfter time.Duration
	mu           sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:    make(map[string]types.WorkflowInstance),
		reserved:     make(map[string]time.Time),
		dispatched:   make(map[string]bool),
		audits:       make(map[string][]types.AuditEntry),
		approvals:    make(map[string]types.ApprovalRequest),
		reclaimAfter: reservationReclaimAfter,
	}
}

// Reserve atomically claims a correlation identifier.
func (s *MemoryStore) Reserve(ctx context.Context, correlationID string) (Reservation, error) {
	return withContext(ctx, func() (Reservation, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := time.Now()
		reservedAt, taken := s.reserved[correlationID]
		if !taken {
			s.reserved[correlationID] = now
			return Reservation{Status: ReservationFresh}, nil
		}

		inst, ok := s.instances[correlationID]
		if !ok {
			// Reserved but never persisted: either a concurrent delivery
			// holds the reservation, or the reserving process crashed
			// before the first persist and the claim is stale.
			if now.Sub(reservedAt) > s.reclaimAfter {
				s.reserved[correlationID] = now
				return Reservation{Status: ReservationFresh}, nil
			}
			return Reservation{Status: ReservationInProgress}, nil
		}
		if out := inst.Outcome(); out != nil {
			return Reservation{Status: ReservationCompleted, Instance: &inst, Outcome: out}, nil
		}
		return Reservation{Status: ReservationInProgress, Instance: &inst}, nil
	})
}

// SaveInstance persists an instance under an optimistic version check.
func (s *MemoryStore) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		cur, ok := s.instances[inst.CorrelationID]
		if !ok {
			if inst.Version != 1 {
				return fmt.Errorf("%w: id=%s expected version 1, got %d", ErrVersionConflict, inst.CorrelationID, inst.Version)
			}
		} else if inst.Version != cur.Version+1 {
			return fmt.Errorf("%w: id=%s stored version %d, write version %d", ErrVersionConflict, inst.CorrelationID, cur.Version, inst.Version)
		}
		s.instances[inst.CorrelationID] = inst
		return nil
	})
}

// GetInstance retrieves an instance by correlation identifier.
func (s *MemoryStore) GetInstance(ctx context.Context, correlationID string) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[correlationID]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: id=%s", ErrInstanceNotFound, correlationID)
		}
		return inst, nil
	})
}

// ListActive returns all instances not yet in a terminal state.
func (s *MemoryStore) ListActive(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var active []types.WorkflowInstance
		for _, inst := range s.instances {
			if !inst.State.Terminal() {
				active = append(active, inst)
			}
		}
		return active, nil
	})
}

// MarkDispatched atomically sets the dispatch marker.
func (s *MemoryStore) MarkDispatched(ctx context.Context, correlationID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dispatched[correlationID] {
			return false, nil
		}
		s.dispatched[correlationID] = true
		return true, nil
	})
}

// Dispatched reports whether the dispatch marker is set.
func (s *MemoryStore) Dispatched(ctx context.Context, correlationID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.dispatched[correlationID], nil
	})
}

// AppendAudit appends an audit entry, assigning the next sequence.
func (s *MemoryStore) AppendAudit(ctx context.Context, entry types.AuditEntry) (uint64, error) {
	return withContext(ctx, func() (uint64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		trail := s.audits[entry.CorrelationID]
		entry.Seq = uint64(len(trail)) + 1
		s.audits[entry.CorrelationID] = append(trail, entry)
		return entry.Seq, nil
	})
}

// ReadAudit returns an instance's audit trail ordered by sequence.
func (s *MemoryStore) ReadAudit(ctx context.Context, correlationID string) ([]types.AuditEntry, error) {
	return withContext(ctx, func() ([]types.AuditEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		trail := s.audits[correlationID]
		out := make([]types.AuditEntry, len(trail))
		copy(out, trail)
		return out, nil
	})
}

// SaveApproval persists an approval request.
func (s *MemoryStore) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.approvals[req.ID] = req
		return nil
	})
}

// GetApproval retrieves an approval request by ID.
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return withContext(ctx, func() (types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		req, ok := s.approvals[id]
		if !ok {
			return types.ApprovalRequest{}, fmt.Errorf("%w: id=%s", ErrApprovalNotFound, id)
		}
		return req, nil
	})
}

// ResolveApproval atomically transitions an opened approval request to
// a resolved status. Only one concurrent resolver wins; everyone else
// gets the recorded request back with applied=false.
func (s *MemoryStore) ResolveApproval(ctx context.Context, id string, status types.ApprovalStatus, approverID string, resolvedAt time.Time) (types.ApprovalRequest, bool, error) {
	select {
	case <-ctx.Done():
		return types.ApprovalRequest{}, false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[id]
	if !ok {
		return types.ApprovalRequest{}, false, fmt.Errorf("%w: id=%s", ErrApprovalNotFound, id)
	}
	if req.Status != types.ApprovalOpened {
		return req, false, nil
	}

	req.Status = status
	if approverID != "" {
		req.ApproverID = approverID
	}
	req.ResolvedAt = &resolvedAt
	s.approvals[id] = req
	return req, true, nil
}

// ListOpenApprovals returns all approval requests still opened.
func (s *MemoryStore) ListOpenApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var open []types.ApprovalRequest
		for _, req := range s.approvals {
			if req.Status == types.ApprovalOpened {
				open = append(open, req)
			}
		}
		return open, nil
	})
}

// ClearTerminal removes terminal instances together with their audit
// trail, reservation and dispatch marker. Intended for use after the
// retention window elapses; clearing a reservation re-opens the
// correlation identifier for reuse.
func (s *MemoryStore) ClearTerminal(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, inst := range s.instances {
			if inst.State.Terminal() {
				delete(s.instances, id)
				delete(s.reserved, id)
				delete(s.dispatched, id)
				delete(s.audits, id)
			}
		}
		return nil
	})
}
