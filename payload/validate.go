package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/casekit/caseflow/types"
)

// Violation describes one schema defect in an inbound request.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every violated field at once so the caller
// can correct all issues in one round trip.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Validator checks inbound requests against the accepted payload
// schema. It has no side effects.
type Validator struct {
	actions map[string]bool
}

// NewValidator creates a Validator. If actions is non-empty,
// requestedAction must be one of them.
func NewValidator(actions ...string) *Validator {
	v := &Validator{actions: make(map[string]bool, len(actions))}
	for _, a := range actions {
		v.actions[a] = true
	}
	return v
}

// Validate decodes and checks a raw inbound request. On failure it
// returns a *ValidationError enumerating every violated field, not
// just the first.
func (v *Validator) Validate(raw []byte) (types.Payload, error) {
	var p types.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.Payload{}, &ValidationError{Violations: []Violation{
			{Field: "body", Message: fmt.Sprintf("malformed JSON: %v", err)},
		}}
	}
	if err := v.Check(p); err != nil {
		return types.Payload{}, err
	}
	return p, nil
}

// Check validates an already-decoded payload.
func (v *Validator) Check(p types.Payload) error {
	var violations []Violation
	add := func(field, message string) {
		violations = append(violations, Violation{Field: field, Message: message})
	}

	if p.CorrelationID == "" {
		add("correlationId", "required")
	}
	if p.Document.URI == "" {
		add("document.uri", "required")
	}
	if p.Document.Type == "" {
		add("document.type", "required")
	}
	if p.Document.Extracted.CustomerID == "" {
		add("document.extracted.customerId", "required")
	}
	if p.Document.Extracted.ReceivedDate == "" {
		add("document.extracted.receivedDate", "required")
	}
	if c := p.Document.Extracted.Confidence; c < 0 || c > 1 {
		add("document.extracted.confidence", fmt.Sprintf("must be in [0,1], got %v", c))
	}
	if p.RequestedAction == "" {
		add("requestedAction", "required")
	} else if len(v.actions) > 0 && !v.actions[p.RequestedAction] {
		add("requestedAction", fmt.Sprintf("unknown action %q", p.RequestedAction))
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
