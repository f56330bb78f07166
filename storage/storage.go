package storage

import (
	"context"
	"errors"
	"time"

	"github.com/casekit/caseflow/types"
)

// Errors
var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrVersionConflict  = errors.New("instance version conflict")
)

// reservationReclaimAfter bounds how long a reservation with no
// persisted instance blocks its correlation identifier. A crash
// between reserving and the first persist would otherwise wedge the
// identifier forever.
const reservationReclaimAfter = time.Minute

// ReservationStatus classifies the result of an idempotency
// reservation attempt.
type ReservationStatus string

const (
	// ReservationFresh means the correlation identifier was unseen and
	// is now reserved for the caller.
	ReservationFresh ReservationStatus = "fresh"
	// ReservationInProgress means a matching instance is mid-flight.
	ReservationInProgress ReservationStatus = "in_progress"
	// ReservationCompleted means the instance already reached a
	// terminal state; Outcome carries the cached result.
	ReservationCompleted ReservationStatus = "completed"
)

// Reservation is the result of Store.Reserve.
type Reservation struct {
	Status   ReservationStatus
	Instance *types.WorkflowInstance
	Outcome  *types.Outcome
}

// Store persists every durable concern of the orchestrator: instances
// with optimistic version checks, idempotency reservations, dispatch
// markers, append-only audit trails and approval requests. All
// operations are atomic and isolated per correlation identifier; no
// cross-instance locking is required of implementations.
type Store interface {
	// Reserve atomically claims a correlation identifier. Exactly one
	// concurrent caller observes ReservationFresh; later callers see
	// InProgress or Completed with the cached outcome. A reservation
	// whose instance was never persisted is reclaimed after a grace
	// period, re-opening the identifier.
	Reserve(ctx context.Context, correlationID string) (Reservation, error)

	// SaveInstance persists an instance, enforcing an optimistic
	// compare-and-set on the version counter: the write succeeds only
	// if inst.Version is exactly one greater than the stored version
	// (or 1 for a new instance). Returns ErrVersionConflict otherwise.
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error

	// GetInstance retrieves an instance by correlation identifier.
	GetInstance(ctx context.Context, correlationID string) (types.WorkflowInstance, error)

	// ListActive returns all instances not yet in a terminal state.
	ListActive(ctx context.Context) ([]types.WorkflowInstance, error)

	// MarkDispatched atomically records that the terminal action for
	// an instance has been handed to the executor. Returns true on the
	// first call and false on any subsequent call.
	MarkDispatched(ctx context.Context, correlationID string) (bool, error)

	// Dispatched reports whether the dispatch marker is set.
	Dispatched(ctx context.Context, correlationID string) (bool, error)

	// AppendAudit appends an entry to an instance's audit trail,
	// assigning the next gap-free sequence number starting at 1.
	AppendAudit(ctx context.Context, entry types.AuditEntry) (uint64, error)

	// ReadAudit returns an instance's audit trail ordered by sequence.
	ReadAudit(ctx context.Context, correlationID string) ([]types.AuditEntry, error)

	// SaveApproval persists an approval request.
	SaveApproval(ctx context.Context, req types.ApprovalRequest) error

	// GetApproval retrieves an approval request by ID.
	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)

	// ResolveApproval atomically transitions an opened approval request
	// to a resolved status, recording the approver and resolution time.
	// Exactly one concurrent caller observes applied=true; the rest get
	// the already-recorded request back unchanged.
	ResolveApproval(ctx context.Context, id string, status types.ApprovalStatus, approverID string, resolvedAt time.Time) (types.ApprovalRequest, bool, error)

	// ListOpenApprovals returns all approval requests still opened.
	ListOpenApprovals(ctx context.Context) ([]types.ApprovalRequest, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that
// only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
