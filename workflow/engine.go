package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/casekit/caseflow/approval"
	"github.com/casekit/caseflow/enrich"
	"github.com/casekit/caseflow/events"
	"github.com/casekit/caseflow/payload"
	"github.com/casekit/caseflow/rules"
	"github.com/casekit/caseflow/storage"
	"github.com/casekit/caseflow/types"
)

// Standard error definitions
var (
	ErrExecutorNotRegistered = errors.New("executor not registered")
	ErrInstanceTerminal      = errors.New("instance already reached a terminal state")
	ErrCancelExecuting       = errors.New("cancellation refused while the terminal action is in flight")
	ErrNotAwaitingApproval   = errors.New("instance is not awaiting approval")
)

// Event types published on the engine's bus.
const (
	EventStateChanged    = "state_changed"
	EventApprovalOpened  = "approval_opened"
	EventApprovalDecided = "approval_decided"
	EventEscalated       = "escalated"
	EventErrorOccurred   = "error_occurred"
)

// Failure kinds recorded on instances routed to the failed state.
const (
	FailureAction      = "action"
	FailureInternal    = "internal"
	FailurePersistence = "persistence"
)

// Escalation reason codes.
const (
	ReasonConnectorExhausted = "connector_exhausted"
	ReasonConnectorTerminal  = "connector_terminal"
	ReasonApprovalExpired    = "approval_expired"
	ReasonApprovalRejected   = "approval_rejected"
	ReasonResumeBudget       = "resume_budget_exhausted"
)

// SubmitStatus classifies the outcome of submitting a request.
type SubmitStatus string

const (
	// SubmitAccepted means a fresh instance was created.
	SubmitAccepted SubmitStatus = "accepted"
	// SubmitInFlight means a matching instance is already running.
	SubmitInFlight SubmitStatus = "in_flight"
	// SubmitReplayed means the instance already completed; Outcome
	// carries the cached result and no side effects were re-run.
	SubmitReplayed SubmitStatus = "replayed"
)

// SubmitResult is what a caller gets back for an inbound request.
type SubmitResult struct {
	Status        SubmitStatus   `json:"status"`
	CorrelationID string         `json:"correlationId"`
	State         types.State    `json:"state,omitempty"`
	Outcome       *types.Outcome `json:"outcome,omitempty"`
}

// Engine is the workflow orchestrator: a deterministic state machine
// driving each instance through
// received -> validating -> enriching -> deciding ->
// {proceeding | awaiting_approval} -> executing -> completed,
// with escalated, cancelled and failed terminals. Every transition is
// persisted with a version compare-and-set and audited before the
// next state's work begins, so a crashed engine resumes cleanly from
// the last persisted state without re-running committed side effects.
type Engine struct {
	validator  *payload.Validator
	table      *rules.Table
	connectors *enrich.Registry
	retry      enrich.RetryPolicy
	gate       *approval.Gate
	executors  map[string]Executor
	store      storage.Store
	eventBus   *events.EventBus
	generate   generator.Generator
	maxResumes int
	mu         sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator overrides the default payload validator.
func WithValidator(v *payload.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithRetryPolicy sets the connector retry policy.
func WithRetryPolicy(p enrich.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithApprovalGate overrides the default approval gate.
func WithApprovalGate(g *approval.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithMaxResumes bounds how many times a crashed instance may be
// resumed before it escalates.
func WithMaxResumes(n int) Option {
	return func(e *Engine) { e.maxResumes = n }
}

// NewEngine creates a workflow engine with the given ID generator,
// store and decision table.
func NewEngine(generate generator.Generator, store storage.Store, table *rules.Table, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if table == nil {
		return nil, errors.New("decision table is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	e := &Engine{
		validator:  payload.NewValidator(),
		table:      table,
		connectors: enrich.NewRegistry(),
		retry:      enrich.DefaultRetryPolicy(),
		executors:  make(map[string]Executor),
		store:      store,
		generate:   generate,
		maxResumes: 3,
	}
	e.eventBus = events.NewEventBus(events.WithErrorHandler(e.onHandlerError))
	for _, option := range options {
		option(e)
	}
	if e.gate == nil {
		e.gate = approval.NewGate(store, 24*time.Hour)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Connectors exposes the enrichment connector registry.
func (e *Engine) Connectors() *enrich.Registry {
	return e.connectors
}

// RegisterExecutor registers the executor performing a terminal action.
func (e *Engine) RegisterExecutor(ctx context.Context, action string, ex Executor) error {
	if action == "" || ex == nil {
		return errors.New("action and executor are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.executors[action] = ex
		return nil
	}
}

func (e *Engine) executorFor(action string) (Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.executors[action]
	return ex, ok
}

// Accept validates and admits an inbound request without driving it.
// Validation failures reject the request before any instance exists.
// A fresh correlation identifier creates and persists the instance
// and returns it for the caller to Run; duplicate deliveries are
// answered from durable state without re-running side effects.
func (e *Engine) Accept(ctx context.Context, raw []byte) (SubmitResult, *types.WorkflowInstance, error) {
	p, err := e.validator.Validate(raw)
	if err != nil {
		return SubmitResult{}, nil, err
	}

	res, err := e.store.Reserve(ctx, p.CorrelationID)
	if err != nil {
		return SubmitResult{}, nil, fmt.Errorf("failed to reserve %s: %w", p.CorrelationID, err)
	}

	switch res.Status {
	case storage.ReservationCompleted:
		return SubmitResult{
			Status:        SubmitReplayed,
			CorrelationID: p.CorrelationID,
			State:         res.Instance.State,
			Outcome:       res.Outcome,
		}, nil, nil
	case storage.ReservationInProgress:
		result := SubmitResult{Status: SubmitInFlight, CorrelationID: p.CorrelationID}
		if res.Instance != nil {
			result.State = res.Instance.State
		}
		return result, nil, nil
	}

	now := time.Now().UnixMilli()
	inst := types.WorkflowInstance{
		CorrelationID: p.CorrelationID,
		State:         types.StateReceived,
		Version:       1,
		Payload:       p,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return SubmitResult{}, nil, fmt.Errorf("failed to persist instance %s: %w", p.CorrelationID, err)
	}
	if err := e.audit(ctx, &inst, types.AuditReceived, types.ActorSystem, map[string]interface{}{
		"document":  p.Document.URI,
		"requested": p.RequestedAction,
	}); err != nil {
		return SubmitResult{}, nil, err
	}
	e.publishEvent(ctx, EventStateChanged, inst.CorrelationID, map[string]interface{}{"state": inst.State})

	return SubmitResult{
		Status:        SubmitAccepted,
		CorrelationID: p.CorrelationID,
		State:         inst.State,
	}, &inst, nil
}

// Run drives an accepted instance until it reaches a terminal state
// or suspends awaiting an external event.
func (e *Engine) Run(ctx context.Context, inst *types.WorkflowInstance) error {
	return e.run(ctx, inst)
}

// Submit accepts and synchronously runs an inbound request. The
// returned result reflects where the instance ended up: a terminal
// outcome, a suspension point, or the replayed cached outcome for a
// retried request.
func (e *Engine) Submit(ctx context.Context, raw []byte) (SubmitResult, error) {
	result, inst, err := e.Accept(ctx, raw)
	if err != nil || inst == nil {
		return result, err
	}
	if err := e.run(ctx, inst); err != nil {
		result.State = inst.State
		return result, err
	}
	result.State = inst.State
	result.Outcome = inst.Outcome()
	return result, nil
}

// run drives an instance's strictly sequential transition loop until
// it reaches a terminal state or suspends awaiting an external event.
func (e *Engine) run(ctx context.Context, inst *types.WorkflowInstance) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch inst.State {
		case types.StateReceived:
			if err := e.transition(ctx, inst, types.StateValidating, types.AuditValidated, types.ActorSystem, nil); err != nil {
				return err
			}

		case types.StateValidating:
			if err := e.transition(ctx, inst, types.StateEnriching, types.AuditEnrichStarted, types.ActorSystem, map[string]interface{}{
				"facts": e.connectors.Facts(),
			}); err != nil {
				return err
			}

		case types.StateEnriching:
			facts, err := e.connectors.FetchAll(ctx, inst.Payload, e.retry)
			if err != nil {
				reason := ReasonConnectorTerminal
				if errors.Is(err, enrich.ErrExhausted) {
					reason = ReasonConnectorExhausted
				}
				return e.escalate(ctx, inst, reason, types.AuditEnrichFailed, map[string]interface{}{
					"error": err.Error(),
				})
			}
			inst.Facts = facts
			if err := e.transition(ctx, inst, types.StateDeciding, types.AuditEnrichCompleted, types.ActorConnector, map[string]interface{}{
				"fact_count": len(facts),
			}); err != nil {
				return err
			}

		case types.StateDeciding:
			outcome, err := e.table.Evaluate(inst.Payload, inst.Facts)
			if err != nil {
				return e.fail(ctx, inst, FailureInternal, err)
			}
			outcome.DecidedAt = time.Now().UTC()
			inst.Decision = &outcome

			detail := map[string]interface{}{
				"rule":   outcome.Rule,
				"branch": string(outcome.Branch),
				"action": outcome.Action,
				"forced": outcome.Forced,
			}
			switch outcome.Branch {
			case types.BranchProceed:
				if err := e.transition(ctx, inst, types.StateProceeding, types.AuditDecisionMade, types.ActorSystem, detail); err != nil {
					return err
				}
			case types.BranchHumanReview:
				req, err := e.gate.Open(ctx, inst.CorrelationID)
				if err != nil {
					return e.fail(ctx, inst, FailurePersistence, err)
				}
				inst.ApprovalID = req.ID
				detail["approval_id"] = req.ID
				detail["deadline"] = req.Deadline.Format(time.RFC3339)
				if err := e.transition(ctx, inst, types.StateAwaitingApproval, types.AuditApprovalOpened, types.ActorSystem, detail); err != nil {
					return err
				}
				e.publishEvent(ctx, EventApprovalOpened, inst.CorrelationID, map[string]interface{}{"approval_id": req.ID})
				return nil // suspended until callback or deadline
			default:
				inst.Reason = outcome.Reason
				return e.escalate(ctx, inst, outcome.Reason, types.AuditEscalated, detail)
			}

		case types.StateProceeding:
			if err := e.transition(ctx, inst, types.StateExecuting, types.AuditActionDispatched, types.ActorSystem, map[string]interface{}{
				"action": inst.Decision.Action,
			}); err != nil {
				return err
			}

		case types.StateExecuting:
			if err := e.execute(ctx, inst); err != nil {
				return err
			}

		case types.StateAwaitingApproval:
			return nil // suspended until callback or deadline

		default:
			return nil // terminal
		}
	}
}

// execute performs the terminal action at most once, guarded by the
// store's atomic dispatch marker. The marker is checked-and-set before
// the executor is invoked; after a crash-and-resume a set marker
// prevents a second attempt since the first dispatch's outcome cannot
// be known.
func (e *Engine) execute(ctx context.Context, inst *types.WorkflowInstance) error {
	first, err := e.store.MarkDispatched(ctx, inst.CorrelationID)
	if err != nil {
		return e.fail(ctx, inst, FailurePersistence, err)
	}
	if !first {
		if inst.Result != nil {
			return e.transition(ctx, inst, types.StateCompleted, types.AuditCompleted, types.ActorSystem, map[string]interface{}{
				"reference": inst.Result.Reference,
			})
		}
		return e.fail(ctx, inst, FailureAction,
			errors.New("action dispatch outcome unknown after restart; operator intervention required"))
	}

	ex, ok := e.executorFor(inst.Decision.Action)
	if !ok {
		return e.fail(ctx, inst, FailureInternal, fmt.Errorf("%w: %s", ErrExecutorNotRegistered, inst.Decision.Action))
	}

	result, err := ex.Execute(ctx, inst)
	if err != nil {
		// Never silently retried: the external effect's idempotency is
		// not guaranteed, so a failed dispatch needs human sign-off.
		return e.fail(ctx, inst, FailureAction, err)
	}
	result.ExecutedAt = time.Now().UTC()
	inst.Result = &result

	return e.transition(ctx, inst, types.StateCompleted, types.AuditCompleted, types.ActorSystem, map[string]interface{}{
		"reference": result.Reference,
	})
}

// HandleApproval applies an approval callback. Duplicate callbacks
// are no-ops returning the recorded request; late callbacks are
// audited and rejected without altering the outcome. An applied
// approval resumes the suspended instance into executing; a rejection
// completes it without dispatching the action.
func (e *Engine) HandleApproval(ctx context.Context, approvalID string, decision approval.Decision, approverID string) (types.ApprovalRequest, error) {
	req, applied, err := e.gate.Decide(ctx, approvalID, decision, approverID)
	if errors.Is(err, approval.ErrExpired) {
		entry := map[string]interface{}{
			"approval_id": approvalID,
			"decision":    string(decision),
			"approver":    approverID,
		}
		if req.CorrelationID != "" {
			state := types.StateAwaitingApproval
			if inst, instErr := e.store.GetInstance(ctx, req.CorrelationID); instErr == nil {
				state = inst.State
			}
			if auditErr := e.appendAudit(ctx, req.CorrelationID, types.AuditLateCallback, types.ActorHuman, state, entry); auditErr != nil {
				return req, auditErr
			}
		}
		return req, err
	}
	if err != nil {
		return req, err
	}
	if !applied {
		return req, nil
	}

	inst, err := e.store.GetInstance(ctx, req.CorrelationID)
	if err != nil {
		return req, err
	}
	if inst.State != types.StateAwaitingApproval || inst.ApprovalID != req.ID {
		return req, ErrNotAwaitingApproval
	}

	detail := map[string]interface{}{
		"approval_id": req.ID,
		"decision":    string(decision),
		"approver":    approverID,
	}
	e.publishEvent(ctx, EventApprovalDecided, inst.CorrelationID, detail)

	if decision == approval.DecisionReject {
		inst.Reason = ReasonApprovalRejected
		if err := e.transition(ctx, &inst, types.StateCompleted, types.AuditApprovalDecided, types.ActorHuman, detail); err != nil {
			return req, err
		}
		return req, nil
	}

	if err := e.transition(ctx, &inst, types.StateExecuting, types.AuditApprovalDecided, types.ActorHuman, detail); err != nil {
		return req, err
	}
	return req, e.run(ctx, &inst)
}

// ExpireApprovals sweeps opened approval requests past their deadline,
// expiring each and escalating the owning instance. Returns how many
// instances were escalated.
func (e *Engine) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := e.gate.ListExpired(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range expired {
		req, applied, err := e.gate.Expire(ctx, candidate.ID)
		if err != nil {
			return count, err
		}
		if !applied {
			continue
		}

		inst, err := e.store.GetInstance(ctx, req.CorrelationID)
		if err != nil {
			return count, err
		}
		// Orphaned requests (instance moved on or was re-opened) are
		// expired without touching the instance.
		if inst.State != types.StateAwaitingApproval || inst.ApprovalID != req.ID {
			continue
		}

		inst.Reason = ReasonApprovalExpired
		if err := e.escalate(ctx, &inst, ReasonApprovalExpired, types.AuditApprovalExpired, map[string]interface{}{
			"approval_id": req.ID,
			"deadline":    req.Deadline.Format(time.RFC3339),
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// RunExpirySweeper periodically expires overdue approvals until the
// context is cancelled.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ExpireApprovals(ctx); err != nil {
				e.publishEvent(ctx, EventErrorOccurred, "", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Cancel cancels a non-terminal instance. Cancellation during
// executing is refused: the in-flight terminal action must complete
// or fail fully first to avoid partial external effects.
func (e *Engine) Cancel(ctx context.Context, correlationID, reason string) error {
	inst, err := e.store.GetInstance(ctx, correlationID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return ErrInstanceTerminal
	}
	if inst.State == types.StateExecuting {
		return ErrCancelExecuting
	}

	inst.Reason = reason
	return e.transition(ctx, &inst, types.StateCancelled, types.AuditCancelled, types.ActorHuman, map[string]interface{}{
		"reason": reason,
	})
}

// Resume re-enters a persisted instance after a restart, replaying
// from the last persisted state. Committed side effects are never
// re-executed: the dispatch marker guards the action executor and all
// earlier states are re-entrant reads. Resumption is bounded by the
// engine's resume budget to prevent infinite escalation loops.
func (e *Engine) Resume(ctx context.Context, correlationID string) error {
	inst, err := e.store.GetInstance(ctx, correlationID)
	if err != nil {
		return err
	}
	if inst.State.Terminal() || inst.State == types.StateAwaitingApproval {
		return nil
	}

	inst.Resumes++
	if inst.Resumes > e.maxResumes {
		inst.Reason = ReasonResumeBudget
		return e.escalate(ctx, &inst, ReasonResumeBudget, types.AuditEscalated, map[string]interface{}{
			"resumes": inst.Resumes,
		})
	}
	return e.run(ctx, &inst)
}

// Recover resumes every non-terminal instance, typically at startup.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, inst := range active {
		if err := e.Resume(ctx, inst.CorrelationID); err != nil {
			return err
		}
	}
	return nil
}

// GetInstance retrieves an instance by correlation identifier.
func (e *Engine) GetInstance(ctx context.Context, correlationID string) (types.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, correlationID)
}

// GetAuditTrail returns an instance's ordered audit trail.
func (e *Engine) GetAuditTrail(ctx context.Context, correlationID string) ([]types.AuditEntry, error) {
	return e.store.ReadAudit(ctx, correlationID)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// transition commits a state change: the new state is persisted under
// the version compare-and-set and audited before any of the next
// state's work begins. A persistence failure halts the instance.
func (e *Engine) transition(ctx context.Context, inst *types.WorkflowInstance, state types.State, auditType string, actor types.Actor, detail map[string]interface{}) error {
	inst.State = state
	inst.Version++
	inst.UpdatedAt = time.Now().UnixMilli()

	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		e.publishEvent(ctx, EventErrorOccurred, inst.CorrelationID, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to persist transition of %s to %s: %w", inst.CorrelationID, state, err)
	}
	if err := e.audit(ctx, inst, auditType, actor, detail); err != nil {
		return err
	}

	e.publishEvent(ctx, EventStateChanged, inst.CorrelationID, map[string]interface{}{
		"state":   string(state),
		"version": inst.Version,
	})
	return nil
}

// audit appends one entry to the instance's trail.
func (e *Engine) audit(ctx context.Context, inst *types.WorkflowInstance, auditType string, actor types.Actor, detail map[string]interface{}) error {
	return e.appendAudit(ctx, inst.CorrelationID, auditType, actor, inst.State, detail)
}

func (e *Engine) appendAudit(ctx context.Context, correlationID, auditType string, actor types.Actor, state types.State, detail map[string]interface{}) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate audit entry ID: %w", err)
	}
	entry := types.AuditEntry{
		ID:            id,
		CorrelationID: correlationID,
		Type:          auditType,
		Actor:         actor,
		State:         state,
		Detail:        detail,
		At:            time.Now().UTC(),
	}
	if _, err := e.store.AppendAudit(ctx, entry); err != nil {
		e.publishEvent(ctx, EventErrorOccurred, correlationID, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to append %s audit entry for %s: %w", auditType, correlationID, err)
	}
	return nil
}

// escalate routes an instance to the escalated terminal.
func (e *Engine) escalate(ctx context.Context, inst *types.WorkflowInstance, reason, auditType string, detail map[string]interface{}) error {
	if inst.Reason == "" {
		inst.Reason = reason
	}
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["reason"] = reason
	if err := e.transition(ctx, inst, types.StateEscalated, auditType, types.ActorSystem, detail); err != nil {
		return err
	}
	e.publishEvent(ctx, EventEscalated, inst.CorrelationID, detail)
	return nil
}

// fail routes an instance to the failed terminal with a failure kind.
func (e *Engine) fail(ctx context.Context, inst *types.WorkflowInstance, kind string, cause error) error {
	inst.FailureKind = kind
	inst.Reason = cause.Error()
	detail := map[string]interface{}{
		"kind":  kind,
		"error": cause.Error(),
	}
	if err := e.transition(ctx, inst, types.StateFailed, types.AuditFailed, types.ActorSystem, detail); err != nil {
		return err
	}
	e.publishEvent(ctx, EventErrorOccurred, inst.CorrelationID, detail)
	return nil
}

// publishEvent publishes an event, dropping it if nothing subscribes
// or the bus is saturated; eventing never blocks a transition.
func (e *Engine) publishEvent(ctx context.Context, eventType, correlationID string, data map[string]interface{}) {
	_ = e.eventBus.Publish(ctx, events.Event{
		Type:          eventType,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// onHandlerError surfaces subscriber failures as error events so
// operators observe them. Failures of error event handlers themselves
// are not re-reported.
func (e *Engine) onHandlerError(event events.Event, err error) {
	if event.Type == EventErrorOccurred {
		return
	}
	e.publishEvent(context.Background(), EventErrorOccurred, event.CorrelationID, map[string]interface{}{
		"event": event.Type,
		"error": err.Error(),
	})
}
