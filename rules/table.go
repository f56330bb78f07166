package rules

import (
	"errors"
	"fmt"

	"github.com/casekit/caseflow/types"
)

// Rule is one (predicate, outcome) pair in a decision table. When is
// an expr predicate over the evaluation environment built by Env.
type Rule struct {
	Name   string       `json:"name" mapstructure:"name"`
	When   string       `json:"when" mapstructure:"when"`
	Branch types.Branch `json:"branch" mapstructure:"branch"`
	Action string       `json:"action,omitempty" mapstructure:"action"`
}

// Table evaluates an ordered rule list against enriched facts. Rules
// are matched in declaration order and the first match wins; there is
// no implicit priority inference. A confidence gate runs before rule
// matching and forces human review below the threshold.
//
// Evaluate is pure: identical (payload, facts) always yields an
// identical outcome.
type Table struct {
	threshold float64
	rules     []Rule
	eval      *ExprEvaluator
}

// NewTable builds a decision table, compiling every rule predicate up
// front so malformed rules are rejected at load time.
func NewTable(threshold float64, ruleList []Rule) (*Table, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0,1], got %v", threshold)
	}
	eval := NewExprEvaluator()
	for _, r := range ruleList {
		if r.Name == "" {
			return nil, errors.New("rule name is required")
		}
		switch r.Branch {
		case types.BranchProceed, types.BranchEscalate, types.BranchHumanReview:
		default:
			return nil, fmt.Errorf("rule %q: unknown branch %q", r.Name, r.Branch)
		}
		if r.Branch == types.BranchProceed && r.Action == "" {
			return nil, fmt.Errorf("rule %q: proceed rules must name an action", r.Name)
		}
		if err := eval.Compile(r.When); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return &Table{threshold: threshold, rules: ruleList, eval: eval}, nil
}

// Threshold returns the confidence gate threshold.
func (t *Table) Threshold() float64 {
	return t.threshold
}

// Env builds the predicate evaluation environment from payload fields
// and accumulated enrichment facts. Facts are exposed under "facts"
// keyed by fact name.
func Env(p types.Payload, facts []types.EnrichmentFact) map[string]interface{} {
	factMap := make(map[string]interface{}, len(facts))
	for _, f := range facts {
		factMap[f.Name] = f.Value
	}
	return map[string]interface{}{
		"correlationId":   p.CorrelationID,
		"documentType":    p.Document.Type,
		"customerId":      p.Document.Extracted.CustomerID,
		"receivedDate":    p.Document.Extracted.ReceivedDate,
		"confidence":      p.Document.Extracted.Confidence,
		"requestedAction": p.RequestedAction,
		"facts":           factMap,
	}
}

// Evaluate selects the routing outcome for an enriched payload.
//
// The confidence gate runs first: below-threshold payloads are forced
// to human review regardless of any rule match. Otherwise rules are
// tried in order and the first matching predicate wins. If nothing
// matches the instance is routed to escalation rather than guessing.
func (t *Table) Evaluate(p types.Payload, facts []types.EnrichmentFact) (types.DecisionOutcome, error) {
	if p.Document.Extracted.Confidence < t.threshold {
		return types.DecisionOutcome{
			Branch: types.BranchHumanReview,
			Action: p.RequestedAction,
			Forced: true,
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", p.Document.Extracted.Confidence, t.threshold),
		}, nil
	}

	env := Env(p, facts)
	for _, r := range t.rules {
		matched, err := t.eval.Evaluate(r.When, env)
		if err != nil {
			return types.DecisionOutcome{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if matched {
			action := r.Action
			// Review rules without an explicit action carry the requested
			// one so an approval can still dispatch it.
			if r.Branch == types.BranchHumanReview && action == "" {
				action = p.RequestedAction
			}
			return types.DecisionOutcome{
				Rule:   r.Name,
				Branch: r.Branch,
				Action: action,
			}, nil
		}
	}

	return types.DecisionOutcome{
		Branch: types.BranchEscalate,
		Reason: "no rule matched",
	}, nil
}
