package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casekit/caseflow/types"
)

// ErrExhausted indicates the retry budget for a connector ran out.
// The orchestrator routes instances hitting this to escalation rather
// than failing the whole request.
var ErrExhausted = errors.New("connector retries exhausted")

// RetryPolicy bounds connector retries: a fixed maximum attempt count
// with exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the backoff before the given attempt (1-based): base
// doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// FetchWithRetry invokes a connector under the retry policy. Terminal
// errors abort immediately; retryable errors are retried until the
// attempt budget runs out, at which point the error wraps ErrExhausted.
func FetchWithRetry(ctx context.Context, c Connector, q Query, policy RetryPolicy) (types.EnrichmentFact, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		fact, err := c.Fetch(ctx, q)
		if err == nil {
			if fact.Name == "" {
				fact.Name = q.Fact
			}
			if fact.Source == "" {
				fact.Source = c.Name()
			}
			if fact.FetchedAt.IsZero() {
				fact.FetchedAt = time.Now().UTC()
			}
			return fact, nil
		}
		if !IsRetryable(err) {
			return types.EnrichmentFact{}, fmt.Errorf("fetch %s: %w", q.Fact, err)
		}
		lastErr = err
		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return types.EnrichmentFact{}, ctx.Err()
			case <-time.After(policy.Delay(attempt)):
			}
		}
	}
	return types.EnrichmentFact{}, fmt.Errorf("%w: fact %s after %d attempts: %v", ErrExhausted, q.Fact, policy.MaxAttempts, lastErr)
}
