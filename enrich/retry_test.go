package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casekit/caseflow/types"
)

// stubConnector returns canned facts or errors, tracking attempts.
type stubConnector struct {
	name     string
	attempts int
	fetch    func(attempt int, q Query) (types.EnrichmentFact, error)
}

func (c *stubConnector) Name() string { return c.name }

func (c *stubConnector) Fetch(ctx context.Context, q Query) (types.EnrichmentFact, error) {
	c.attempts++
	return c.fetch(c.attempts, q)
}

// fastPolicy keeps retry tests quick.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestConnectorError(t *testing.T) {
	cause := errors.New("connection refused")

	retryable := Retryable("crm", cause)
	assert.True(t, IsRetryable(retryable))
	assert.Contains(t, retryable.Error(), "retryable")
	assert.ErrorIs(t, retryable, cause)

	terminal := Terminal("crm", cause)
	assert.False(t, IsRetryable(terminal))
	assert.Contains(t, terminal.Error(), "terminal")

	// Unclassified errors are retried; cancellation is not.
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(4), "backoff is capped at MaxDelay")
}

func TestFetchWithRetry(t *testing.T) {
	query := Query{Fact: "account_standing", Payload: types.Payload{CorrelationID: "req-1"}}

	t.Run("SuccessFirstAttempt", func(t *testing.T) {
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			return types.EnrichmentFact{Value: "good"}, nil
		}}

		fact, err := FetchWithRetry(context.Background(), c, query, fastPolicy(3))
		assert.NoError(t, err)
		assert.Equal(t, 1, c.attempts)
		assert.Equal(t, "account_standing", fact.Name, "fact name defaults from the query")
		assert.Equal(t, "crm", fact.Source, "source defaults from the connector")
		assert.False(t, fact.FetchedAt.IsZero())
	})

	t.Run("RetryableThenSuccess", func(t *testing.T) {
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			if attempt < 3 {
				return types.EnrichmentFact{}, Retryable("crm", errors.New("timeout"))
			}
			return types.EnrichmentFact{Value: "good"}, nil
		}}

		fact, err := FetchWithRetry(context.Background(), c, query, fastPolicy(3))
		assert.NoError(t, err)
		assert.Equal(t, 3, c.attempts)
		assert.Equal(t, "good", fact.Value)
	})

	t.Run("Exhausted", func(t *testing.T) {
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			return types.EnrichmentFact{}, Retryable("crm", errors.New("timeout"))
		}}

		_, err := FetchWithRetry(context.Background(), c, query, fastPolicy(3))
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 3, c.attempts, "attempt budget is bounded")
		assert.Contains(t, err.Error(), "account_standing")
	})

	t.Run("TerminalAbortsImmediately", func(t *testing.T) {
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			return types.EnrichmentFact{}, Terminal("crm", errors.New("schema mismatch"))
		}}

		_, err := FetchWithRetry(context.Background(), c, query, fastPolicy(3))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 1, c.attempts, "terminal errors must not be retried")
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			cancel()
			return types.EnrichmentFact{}, Retryable("crm", errors.New("timeout"))
		}}

		_, err := FetchWithRetry(ctx, c, query, fastPolicy(3))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ZeroPolicyUsesDefault", func(t *testing.T) {
		c := &stubConnector{name: "crm", fetch: func(attempt int, q Query) (types.EnrichmentFact, error) {
			return types.EnrichmentFact{Value: "good"}, nil
		}}

		_, err := FetchWithRetry(context.Background(), c, query, RetryPolicy{})
		assert.NoError(t, err)
	})
}

func TestRegistry(t *testing.T) {
	p := types.Payload{CorrelationID: "req-1"}

	t.Run("RegisterValidation", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register("", &stubConnector{name: "crm"}))
		assert.Error(t, r.Register("account_standing", nil))
		assert.NoError(t, r.Register("account_standing", &stubConnector{name: "crm"}))
	})

	t.Run("FactsSorted", func(t *testing.T) {
		r := NewRegistry()
		ok := func(name string) *stubConnector {
			return &stubConnector{name: name, fetch: func(int, Query) (types.EnrichmentFact, error) {
				return types.EnrichmentFact{}, nil
			}}
		}
		assert.NoError(t, r.Register("open_disputes", ok("dispute_svc")))
		assert.NoError(t, r.Register("account_standing", ok("crm")))

		assert.Equal(t, []string{"account_standing", "open_disputes"}, r.Facts())
	})

	t.Run("FetchAllSortedResults", func(t *testing.T) {
		r := NewRegistry()
		value := func(name string, v interface{}) *stubConnector {
			return &stubConnector{name: name, fetch: func(_ int, q Query) (types.EnrichmentFact, error) {
				return types.EnrichmentFact{Value: v}, nil
			}}
		}
		assert.NoError(t, r.Register("open_disputes", value("dispute_svc", 0)))
		assert.NoError(t, r.Register("account_standing", value("crm", "good")))
		assert.NoError(t, r.Register("balance", value("ledger", 120.50)))

		facts, err := r.FetchAll(context.Background(), p, fastPolicy(3))
		assert.NoError(t, err)
		assert.Len(t, facts, 3)
		assert.Equal(t, "account_standing", facts[0].Name)
		assert.Equal(t, "balance", facts[1].Name)
		assert.Equal(t, "open_disputes", facts[2].Name)
	})

	t.Run("FetchAllPropagatesFailure", func(t *testing.T) {
		r := NewRegistry()
		assert.NoError(t, r.Register("account_standing", &stubConnector{
			name: "crm",
			fetch: func(int, Query) (types.EnrichmentFact, error) {
				return types.EnrichmentFact{Value: "good"}, nil
			},
		}))
		assert.NoError(t, r.Register("open_disputes", &stubConnector{
			name: "dispute_svc",
			fetch: func(int, Query) (types.EnrichmentFact, error) {
				return types.EnrichmentFact{}, Retryable("dispute_svc", errors.New("down"))
			},
		}))

		_, err := r.FetchAll(context.Background(), p, fastPolicy(2))
		assert.ErrorIs(t, err, ErrExhausted)
	})

	t.Run("FetchAllEmpty", func(t *testing.T) {
		r := NewRegistry()
		facts, err := r.FetchAll(context.Background(), p, fastPolicy(3))
		assert.NoError(t, err)
		assert.Empty(t, facts)
	})
}
