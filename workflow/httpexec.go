package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/casekit/caseflow/types"
)

// HTTPExecutor dispatches a terminal action to a downstream system as
// a JSON POST. The downstream is advised to be idempotent; the engine
// guarantees at most one dispatch per instance regardless.
type HTTPExecutor struct {
	action string
	url    string
	client *http.Client
}

// NewHTTPExecutor creates an HTTPExecutor for one action endpoint. A
// zero timeout defaults to 15 seconds.
func NewHTTPExecutor(action, url string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPExecutor{
		action: action,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Execute posts the action request downstream and returns the
// reference the downstream system assigned.
func (x *HTTPExecutor) Execute(ctx context.Context, inst *types.WorkflowInstance) (types.ActionResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"action":        x.action,
		"correlationId": inst.CorrelationID,
		"customerId":    inst.Payload.Document.Extracted.CustomerID,
		"document":      inst.Payload.Document.URI,
		"facts":         inst.Facts,
	})
	if err != nil {
		return types.ActionResult{}, fmt.Errorf("failed to marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewBuffer(body))
	if err != nil {
		return types.ActionResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return types.ActionResult{}, fmt.Errorf("failed to dispatch %s: %w", x.action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.ActionResult{}, fmt.Errorf("failed to dispatch %s: status code %d", x.action, resp.StatusCode)
	}

	var out struct {
		Reference string                 `json:"reference"`
		Detail    map[string]interface{} `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.ActionResult{}, fmt.Errorf("failed to decode %s response: %w", x.action, err)
	}

	return types.ActionResult{Reference: out.Reference, Detail: out.Detail}, nil
}
