package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/casekit/caseflow/enrich"
	"github.com/casekit/caseflow/rules"
	"github.com/casekit/caseflow/storage"
	"github.com/casekit/caseflow/types"
	"github.com/casekit/caseflow/workflow"
)

type seqGenerator struct {
	id uint64
}

func (g *seqGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

type staticConnector struct {
	value interface{}
}

func (c *staticConnector) Name() string { return "crm" }

func (c *staticConnector) Fetch(ctx context.Context, q enrich.Query) (types.EnrichmentFact, error) {
	return types.EnrichmentFact{Value: c.value}, nil
}

func newTestServer(t *testing.T) (*echo.Echo, *workflow.Engine) {
	t.Helper()

	table, err := rules.NewTable(0.70, []rules.Rule{
		{Name: "good_standing", When: "facts.account_standing == 'good'", Branch: types.BranchProceed, Action: "update_address"},
	})
	assert.NoError(t, err)

	engine, err := workflow.NewEngine(&seqGenerator{}, storage.NewMemoryStore(), table)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	assert.NoError(t, engine.Connectors().Register("account_standing", &staticConnector{value: "good"}))
	assert.NoError(t, engine.RegisterExecutor(context.Background(), "update_address",
		workflow.ExecutorFunc(func(ctx context.Context, inst *types.WorkflowInstance) (types.ActionResult, error) {
			return types.ActionResult{Reference: "ref-1"}, nil
		})))

	e := echo.New()
	NewServer(engine).Register(e)
	return e, engine
}

func requestBody(t *testing.T, correlationID string, confidence float64) string {
	t.Helper()
	raw, err := json.Marshal(types.Payload{
		CorrelationID:   correlationID,
		RequestedAction: "update_address",
		Document: types.Document{
			URI:  "s3://inbox/doc-1.pdf",
			Type: "change_of_address",
			Extracted: types.Extracted{
				CustomerID:   "cust-42",
				ReceivedDate: "2026-08-01",
				Confidence:   confidence,
			},
		},
	})
	assert.NoError(t, err)
	return string(raw)
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// waitForState polls until the instance reaches the expected state;
// submission runs asynchronously behind the 202 acknowledgement.
func waitForState(t *testing.T, engine *workflow.Engine, correlationID string, state types.State) types.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := engine.GetInstance(context.Background(), correlationID)
		if err == nil && inst.State == state {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, err := engine.GetInstance(context.Background(), correlationID)
	t.Fatalf("instance %s never reached %s, last state %s (err %v)", correlationID, state, inst.State, err)
	return inst
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRequest(t *testing.T) {
	t.Run("AcceptedAndCompletes", func(t *testing.T) {
		e, engine := newTestServer(t)

		rec := doJSON(e, http.MethodPost, "/api/v1/requests", requestBody(t, "req-1", 0.92))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var result workflow.SubmitResult
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, workflow.SubmitAccepted, result.Status)
		assert.Equal(t, "req-1", result.CorrelationID)

		waitForState(t, engine, "req-1", types.StateCompleted)
	})

	t.Run("ReplayedOutcome", func(t *testing.T) {
		e, engine := newTestServer(t)
		body := requestBody(t, "req-1", 0.92)

		rec := doJSON(e, http.MethodPost, "/api/v1/requests", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		waitForState(t, engine, "req-1", types.StateCompleted)

		rec = doJSON(e, http.MethodPost, "/api/v1/requests", body)
		assert.Equal(t, http.StatusOK, rec.Code)

		var result workflow.SubmitResult
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, workflow.SubmitReplayed, result.Status)
		assert.NotNil(t, result.Outcome)
		assert.Equal(t, types.StateCompleted, result.Outcome.State)
	})

	t.Run("ValidationError", func(t *testing.T) {
		e, _ := newTestServer(t)

		rec := doJSON(e, http.MethodPost, "/api/v1/requests", `{"correlationId": "req-1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "violations")
		assert.Contains(t, rec.Body.String(), "document.uri")
	})
}

func TestGetInstance(t *testing.T) {
	e, engine := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/api/v1/instances/req-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(e, http.MethodPost, "/api/v1/requests", requestBody(t, "req-1", 0.92))
	waitForState(t, engine, "req-1", types.StateCompleted)

	rec = doJSON(e, http.MethodGet, "/api/v1/instances/req-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body["correlationId"])
	assert.Equal(t, string(types.StateCompleted), body["state"])
	assert.NotNil(t, body["outcome"])
}

func TestGetAuditTrail(t *testing.T) {
	e, engine := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/api/v1/instances/req-404/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(e, http.MethodPost, "/api/v1/requests", requestBody(t, "req-1", 0.92))
	waitForState(t, engine, "req-1", types.StateCompleted)

	rec = doJSON(e, http.MethodGet, "/api/v1/instances/req-1/audit", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var entries []types.AuditEntry
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 7)
	assert.Equal(t, types.AuditReceived, entries[0].Type)
	assert.Equal(t, types.AuditCompleted, entries[len(entries)-1].Type)
}

func TestApprovalDecision(t *testing.T) {
	t.Run("Approve", func(t *testing.T) {
		e, engine := newTestServer(t)

		doJSON(e, http.MethodPost, "/api/v1/requests", requestBody(t, "req-1", 0.40))
		inst := waitForState(t, engine, "req-1", types.StateAwaitingApproval)
		assert.NotEmpty(t, inst.ApprovalID)

		rec := doJSON(e, http.MethodPost, "/api/v1/approvals/"+inst.ApprovalID+"/decision",
			`{"decision": "approve", "approverId": "reviewer-7"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		var req types.ApprovalRequest
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
		assert.Equal(t, types.ApprovalApproved, req.Status)

		waitForState(t, engine, "req-1", types.StateCompleted)
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		e, _ := newTestServer(t)
		rec := doJSON(e, http.MethodPost, "/api/v1/approvals/missing/decision",
			`{"decision": "approve", "approverId": "reviewer-7"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("InvalidDecision", func(t *testing.T) {
		e, _ := newTestServer(t)
		rec := doJSON(e, http.MethodPost, "/api/v1/approvals/missing/decision",
			`{"decision": "maybe"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelInstance(t *testing.T) {
	e, engine := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/instances/req-404/cancel", `{"reason": "x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(e, http.MethodPost, "/api/v1/requests", requestBody(t, "req-1", 0.40))
	waitForState(t, engine, "req-1", types.StateAwaitingApproval)

	rec = doJSON(e, http.MethodPost, "/api/v1/instances/req-1/cancel", `{"reason": "customer withdrew"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	inst, err := engine.GetInstance(context.Background(), "req-1")
	assert.NoError(t, err)
	assert.Equal(t, types.StateCancelled, inst.State)

	// Cancelling a terminal instance conflicts.
	rec = doJSON(e, http.MethodPost, "/api/v1/instances/req-1/cancel", `{"reason": "again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
