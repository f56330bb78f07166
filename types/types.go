package types

import "time"

// State identifies where a workflow instance sits in its lifecycle.
type State string

const (
	StateReceived         State = "received"
	StateValidating       State = "validating"
	StateEnriching        State = "enriching"
	StateDeciding         State = "deciding"
	StateProceeding       State = "proceeding"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateEscalated        State = "escalated"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateEscalated, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Branch is the routing outcome selected by the decision table.
type Branch string

const (
	BranchProceed     Branch = "proceed"
	BranchEscalate    Branch = "escalate"
	BranchHumanReview Branch = "human_review"
)

// Actor identifies who caused an audited transition.
type Actor string

const (
	ActorSystem    Actor = "system"
	ActorConnector Actor = "connector"
	ActorHuman     Actor = "human"
)

// Audit entry types, one per orchestrator transition.
const (
	AuditReceived         = "received"
	AuditValidated        = "validated"
	AuditEnrichStarted    = "enrichment_started"
	AuditEnrichFailed     = "enrichment_failed"
	AuditEnrichCompleted  = "enrichment_completed"
	AuditDecisionMade     = "decision_made"
	AuditApprovalOpened   = "approval_opened"
	AuditApprovalDecided  = "approval_decided"
	AuditApprovalExpired  = "approval_expired"
	AuditLateCallback     = "late_callback_rejected"
	AuditActionDispatched = "action_dispatched"
	AuditEscalated        = "escalated"
	AuditCancelled        = "cancelled"
	AuditFailed           = "failed"
	AuditCompleted        = "completed"
)

// Payload is the validated extraction result from the upstream
// interpretation step. Immutable once accepted.
type Payload struct {
	CorrelationID   string    `json:"correlationId"`
	Document        Document  `json:"document"`
	RequestedAction string    `json:"requestedAction"`
	Agent           AgentInfo `json:"agent"`
}

// Document describes the source document and its extracted fields.
type Document struct {
	URI       string    `json:"uri"`
	Type      string    `json:"type"`
	Extracted Extracted `json:"extracted"`
}

// Extracted holds the structured fields pulled out of the document.
type Extracted struct {
	CustomerID   string   `json:"customerId"`
	ReceivedDate string   `json:"receivedDate"`
	KeyDates     []string `json:"keyDates,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// AgentInfo records which upstream model produced the extraction.
type AgentInfo struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

// EnrichmentFact is a named value fetched from an external connector.
type EnrichmentFact struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Source    string      `json:"source"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// DecisionOutcome is the result of one decision-table evaluation.
// Forced is set when the confidence gate overrode rule matching.
type DecisionOutcome struct {
	Rule      string    `json:"rule,omitempty"`
	Branch    Branch    `json:"branch"`
	Action    string    `json:"action,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ActionResult is what the action executor returned for the single
// dispatch of an instance's terminal action.
type ActionResult struct {
	Reference  string                 `json:"reference"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// ApprovalStatus tracks the approval gate state machine:
// opened -> approved | rejected | expired.
type ApprovalStatus string

const (
	ApprovalOpened   ApprovalStatus = "opened"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest suspends an instance pending a human decision.
// At most one open request exists per instance.
type ApprovalRequest struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	Status        ApprovalStatus `json:"status"`
	Deadline      time.Time      `json:"deadline"`
	ApproverID    string         `json:"approver_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// AuditEntry is one immutable record in an instance's audit trail.
// Seq is assigned by the store and is gap-free starting at 1.
type AuditEntry struct {
	ID            uint64                 `json:"id"`
	CorrelationID string                 `json:"correlation_id"`
	Seq           uint64                 `json:"seq"`
	Type          string                 `json:"type"`
	Actor         Actor                  `json:"actor"`
	State         State                  `json:"state"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
	At            time.Time              `json:"at"`
}

// Outcome is the terminal result of an instance, replayed verbatim to
// callers that retry an already-completed correlation identifier.
type Outcome struct {
	State  State         `json:"state"`
	Reason string        `json:"reason,omitempty"`
	Action string        `json:"action,omitempty"`
	Result *ActionResult `json:"result,omitempty"`
}

// WorkflowInstance is the durable state of one logical request, keyed
// by its caller-supplied correlation identifier. Mutated only through
// the orchestrator's transition function.
type WorkflowInstance struct {
	CorrelationID string           `json:"correlation_id"`
	State         State            `json:"state"`
	Version       uint64           `json:"version"`
	Payload       Payload          `json:"payload"`
	Facts         []EnrichmentFact `json:"facts,omitempty"`
	Decision      *DecisionOutcome `json:"decision,omitempty"`
	ApprovalID    string           `json:"approval_id,omitempty"`
	Result        *ActionResult    `json:"result,omitempty"`
	FailureKind   string           `json:"failure_kind,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Resumes       int              `json:"resumes"`
	CreatedAt     int64            `json:"created_at"`
	UpdatedAt     int64            `json:"updated_at"`
}

// Outcome derives the terminal outcome of the instance, or nil if the
// instance has not reached a terminal state yet.
func (i *WorkflowInstance) Outcome() *Outcome {
	if !i.State.Terminal() {
		return nil
	}
	out := &Outcome{State: i.State, Reason: i.Reason, Result: i.Result}
	if i.Decision != nil {
		out.Action = i.Decision.Action
	}
	return out
}

// Fact returns the named enrichment fact, if recorded.
func (i *WorkflowInstance) Fact(name string) (EnrichmentFact, bool) {
	for _, f := range i.Facts {
		if f.Name == name {
			return f, true
		}
	}
	return EnrichmentFact{}, false
}
