package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/casekit/caseflow/types"
)

// Query asks a connector to produce one named fact for a payload.
type Query struct {
	Fact    string
	Payload types.Payload
}

// Connector wraps one external line-of-business system.
type Connector interface {
	// Name identifies the connector for audit attribution.
	Name() string

	// Fetch produces the requested fact. Failures should be wrapped in
	// a *ConnectorError so the retry policy can classify them.
	Fetch(ctx context.Context, q Query) (types.EnrichmentFact, error)
}

// ConnectorError classifies a connector failure as retryable
// (timeouts, 5xx-class) or terminal (4xx-class, schema mismatch).
type ConnectorError struct {
	Connector string
	Retryable bool
	Err       error
}

func (e *ConnectorError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("connector %s: %s: %v", e.Connector, kind, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a retryable connector failure.
func Retryable(connector string, err error) *ConnectorError {
	return &ConnectorError{Connector: connector, Retryable: true, Err: err}
}

// Terminal wraps err as a terminal connector failure.
func Terminal(connector string, err error) *ConnectorError {
	return &ConnectorError{Connector: connector, Retryable: false, Err: err}
}

// IsRetryable reports whether err may be retried. Unclassified errors
// are treated as retryable, except context cancellation.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var cerr *ConnectorError
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return true
}
