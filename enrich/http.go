package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/casekit/caseflow/types"
)

// HTTPConnector fetches facts from a line-of-business JSON API. The
// endpoint receives the fact name, customer identifier and document
// type as query parameters and responds with {"value": ...}.
type HTTPConnector struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPConnector creates an HTTPConnector against baseURL. A zero
// timeout defaults to 10 seconds.
func NewHTTPConnector(name, baseURL string, timeout time.Duration) *HTTPConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPConnector{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name identifies the connector for audit attribution.
func (c *HTTPConnector) Name() string {
	return c.name
}

// Fetch requests one fact from the remote system, classifying
// transport failures and 5xx responses as retryable and 4xx responses
// or malformed bodies as terminal.
func (c *HTTPConnector) Fetch(ctx context.Context, q Query) (types.EnrichmentFact, error) {
	params := url.Values{}
	params.Set("fact", q.Fact)
	params.Set("customerId", q.Payload.Document.Extracted.CustomerID)
	params.Set("documentType", q.Payload.Document.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return types.EnrichmentFact{}, Terminal(c.name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.EnrichmentFact{}, Retryable(c.name, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return types.EnrichmentFact{}, Retryable(c.name, fmt.Errorf("status code %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return types.EnrichmentFact{}, Terminal(c.name, fmt.Errorf("status code %d", resp.StatusCode))
	}

	var body struct {
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.EnrichmentFact{}, Terminal(c.name, fmt.Errorf("failed to decode response body: %w", err))
	}

	return types.EnrichmentFact{
		Name:      q.Fact,
		Value:     body.Value,
		Source:    c.name,
		FetchedAt: time.Now().UTC(),
	}, nil
}
