package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casekit/caseflow/storage"
	"github.com/casekit/caseflow/types"
)

var (
	// ErrExpired indicates a callback arrived after the request's
	// deadline; it is rejected and the recorded outcome stands.
	ErrExpired = errors.New("approval request expired")
	// ErrInvalidDecision indicates an unrecognized decision value.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
)

// Decision is a human approval decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision validates a raw decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionReject:
		return Decision(s), nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidDecision, s)
}

// Gate manages durable approval requests: opened -> approved |
// rejected | expired. Opening persists the request and returns
// immediately; no worker is held waiting for the human decision. The
// orchestrator suspends the owning instance and is re-entered by the
// decision callback or the expiry sweep.
type Gate struct {
	store    storage.Store
	deadline time.Duration
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the gate's time source, for tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a Gate whose requests expire after deadline. A zero
// deadline defaults to 24 hours.
func NewGate(store storage.Store, deadline time.Duration, options ...GateOption) *Gate {
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	g := &Gate{store: store, deadline: deadline, now: time.Now}
	for _, option := range options {
		option(g)
	}
	return g
}

// Open creates and persists an opened approval request for the
// instance. The caller (the orchestrator) enforces at most one open
// request per instance by recording the returned ID on the instance.
func (g *Gate) Open(ctx context.Context, correlationID string) (types.ApprovalRequest, error) {
	now := g.now().UTC()
	req := types.ApprovalRequest{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Status:        types.ApprovalOpened,
		Deadline:      now.Add(g.deadline),
		CreatedAt:     now,
	}
	if err := g.store.SaveApproval(ctx, req); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("failed to open approval for %s: %w", correlationID, err)
	}
	return req, nil
}

// Decide applies a human decision to an approval request. Exactly one
// decision is accepted: duplicate callbacks are no-ops returning the
// already-recorded request with applied=false. Callbacks arriving
// after the deadline (or after expiry was recorded) return ErrExpired
// and never alter the outcome.
func (g *Gate) Decide(ctx context.Context, id string, decision Decision, approverID string) (types.ApprovalRequest, bool, error) {
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return types.ApprovalRequest{}, false, err
	}

	switch req.Status {
	case types.ApprovalApproved, types.ApprovalRejected:
		return req, false, nil
	case types.ApprovalExpired:
		return req, false, ErrExpired
	}

	now := g.now().UTC()
	if now.After(req.Deadline) {
		return req, false, ErrExpired
	}

	var status types.ApprovalStatus
	switch decision {
	case DecisionApprove:
		status = types.ApprovalApproved
	case DecisionReject:
		status = types.ApprovalRejected
	default:
		return req, false, fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}

	// The store's compare-and-set arbitrates concurrent callbacks: the
	// losers get the winner's recorded request back with applied=false.
	stored, applied, err := g.store.ResolveApproval(ctx, id, status, approverID, now)
	if err != nil {
		return types.ApprovalRequest{}, false, fmt.Errorf("failed to record decision for %s: %w", id, err)
	}
	if !applied && stored.Status == types.ApprovalExpired {
		return stored, false, ErrExpired
	}
	return stored, applied, nil
}

// Expire marks an opened request expired once its deadline has
// passed. Returns applied=false if the request is already resolved or
// the deadline has not elapsed yet.
func (g *Gate) Expire(ctx context.Context, id string) (types.ApprovalRequest, bool, error) {
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return types.ApprovalRequest{}, false, err
	}
	if req.Status != types.ApprovalOpened {
		return req, false, nil
	}

	now := g.now().UTC()
	if !now.After(req.Deadline) {
		return req, false, nil
	}

	stored, applied, err := g.store.ResolveApproval(ctx, id, types.ApprovalExpired, "", now)
	if err != nil {
		return types.ApprovalRequest{}, false, fmt.Errorf("failed to expire approval %s: %w", id, err)
	}
	return stored, applied, nil
}

// ListExpired returns opened requests whose deadline has passed,
// ready to be expired by the sweep.
func (g *Gate) ListExpired(ctx context.Context) ([]types.ApprovalRequest, error) {
	open, err := g.store.ListOpenApprovals(ctx)
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	var expired []types.ApprovalRequest
	for _, req := range open {
		if now.After(req.Deadline) {
			expired = append(expired, req)
		}
	}
	return expired, nil
}
