package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casekit/caseflow/types"
)

func samplePayload(confidence float64) types.Payload {
	return types.Payload{
		CorrelationID:   "req-1",
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
	}
}

func sampleRules() []Rule {
	return []Rule{
		{Name: "good_standing", When: "facts.account_standing == 'good'", Branch: types.BranchProceed, Action: "update_address"},
		{Name: "catch_all_review", When: "true", Branch: types.BranchHumanReview},
	}
}

func TestNewTable(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		table, err := NewTable(0.70, sampleRules())
		assert.NoError(t, err)
		assert.NotNil(t, table)
		assert.Equal(t, 0.70, table.Threshold())
	})

	t.Run("ThresholdOutOfRange", func(t *testing.T) {
		_, err := NewTable(1.5, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be in [0,1]")
	})

	t.Run("MissingName", func(t *testing.T) {
		_, err := NewTable(0.70, []Rule{{When: "true", Branch: types.BranchEscalate}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rule name is required")
	})

	t.Run("UnknownBranch", func(t *testing.T) {
		_, err := NewTable(0.70, []Rule{{Name: "bad", When: "true", Branch: "reject"}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown branch")
	})

	t.Run("ProceedWithoutAction", func(t *testing.T) {
		_, err := NewTable(0.70, []Rule{{Name: "bad", When: "true", Branch: types.BranchProceed}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must name an action")
	})

	t.Run("MalformedPredicate", func(t *testing.T) {
		_, err := NewTable(0.70, []Rule{{Name: "bad", When: "confidence >>>", Branch: types.BranchEscalate}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `rule "bad"`)
	})
}

func TestTableEvaluate(t *testing.T) {
	goodStanding := []types.EnrichmentFact{
		{Name: "account_standing", Value: "good", Source: "crm"},
	}

	t.Run("FirstMatchWins", func(t *testing.T) {
		// Both rules match; declaration order decides, not specificity.
		table, err := NewTable(0.70, []Rule{
			{Name: "broad", When: "confidence > 0.1", Branch: types.BranchHumanReview},
			{Name: "specific", When: "confidence > 0.9 && facts.account_standing == 'good'", Branch: types.BranchProceed, Action: "update_address"},
		})
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.95), goodStanding)
		assert.NoError(t, err)
		assert.Equal(t, "broad", outcome.Rule)
		assert.Equal(t, types.BranchHumanReview, outcome.Branch)
		assert.False(t, outcome.Forced)
	})

	t.Run("ProceedWithAction", func(t *testing.T) {
		table, err := NewTable(0.70, sampleRules())
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.92), goodStanding)
		assert.NoError(t, err)
		assert.Equal(t, "good_standing", outcome.Rule)
		assert.Equal(t, types.BranchProceed, outcome.Branch)
		assert.Equal(t, "update_address", outcome.Action)
	})

	t.Run("ConfidenceGateForcesReview", func(t *testing.T) {
		// A matching proceed rule must not override the gate.
		table, err := NewTable(0.70, sampleRules())
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.40), goodStanding)
		assert.NoError(t, err)
		assert.Equal(t, types.BranchHumanReview, outcome.Branch)
		assert.True(t, outcome.Forced)
		assert.Empty(t, outcome.Rule)
		assert.Contains(t, outcome.Reason, "below threshold")
	})

	t.Run("HumanReviewCarriesRequestedAction", func(t *testing.T) {
		// A review rule with no explicit action must still name what to
		// dispatch once a human approves.
		table, err := NewTable(0.70, []Rule{
			{Name: "needs_review", When: "true", Branch: types.BranchHumanReview},
		})
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.92), nil)
		assert.NoError(t, err)
		assert.Equal(t, types.BranchHumanReview, outcome.Branch)
		assert.False(t, outcome.Forced)
		assert.Equal(t, "update_address", outcome.Action)
	})

	t.Run("HumanReviewKeepsExplicitAction", func(t *testing.T) {
		table, err := NewTable(0.70, []Rule{
			{Name: "needs_review", When: "true", Branch: types.BranchHumanReview, Action: "close_account"},
		})
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.92), nil)
		assert.NoError(t, err)
		assert.Equal(t, "close_account", outcome.Action)
	})

	t.Run("NoMatchEscalates", func(t *testing.T) {
		table, err := NewTable(0.70, []Rule{
			{Name: "never", When: "false", Branch: types.BranchProceed, Action: "update_address"},
		})
		assert.NoError(t, err)

		outcome, err := table.Evaluate(samplePayload(0.92), nil)
		assert.NoError(t, err)
		assert.Equal(t, types.BranchEscalate, outcome.Branch)
		assert.Equal(t, "no rule matched", outcome.Reason)
	})

	t.Run("Deterministic", func(t *testing.T) {
		table, err := NewTable(0.70, sampleRules())
		assert.NoError(t, err)

		first, err := table.Evaluate(samplePayload(0.92), goodStanding)
		assert.NoError(t, err)
		for i := 0; i < 50; i++ {
			again, err := table.Evaluate(samplePayload(0.92), goodStanding)
			assert.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("PredicateRuntimeError", func(t *testing.T) {
		table, err := NewTable(0.70, []Rule{
			{Name: "bad_type", When: "confidence + 1", Branch: types.BranchEscalate},
		})
		assert.NoError(t, err)

		_, err = table.Evaluate(samplePayload(0.92), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `rule "bad_type"`)
	})
}

func TestEnv(t *testing.T) {
	p := samplePayload(0.92)
	facts := []types.EnrichmentFact{
		{Name: "account_standing", Value: "good"},
		{Name: "open_disputes", Value: 2},
	}

	env := Env(p, facts)
	assert.Equal(t, "req-1", env["correlationId"])
	assert.Equal(t, "change_of_address", env["documentType"])
	assert.Equal(t, "cust-42", env["customerId"])
	assert.Equal(t, 0.92, env["confidence"])
	assert.Equal(t, "update_address", env["requestedAction"])

	factMap, ok := env["facts"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "good", factMap["account_standing"])
	assert.Equal(t, 2, factMap["open_disputes"])
}
