package enrich

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/casekit/caseflow/types"
)

// Registry maps fact names to the connector responsible for producing
// them.
type Registry struct {
	connectors map[string]Connector
	mu         sync.RWMutex
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a fact name to a connector. Re-registering a fact
// replaces the previous binding.
func (r *Registry) Register(fact string, c Connector) error {
	if fact == "" || c == nil {
		return fmt.Errorf("fact name and connector are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[fact] = c
	return nil
}

// Facts returns the registered fact names in sorted order.
func (r *Registry) Facts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	facts := make([]string, 0, len(r.connectors))
	for fact := range r.connectors {
		facts = append(facts, fact)
	}
	sort.Strings(facts)
	return facts
}

// FetchAll fetches every registered fact for the payload. Fetches for
// independent facts run in parallel; the call returns only once all
// have finished, so it acts as the join barrier before decisioning.
// The first failure cancels the remaining fetches and is returned.
// Results come back sorted by fact name regardless of completion
// order.
func (r *Registry) FetchAll(ctx context.Context, p types.Payload, policy RetryPolicy) ([]types.EnrichmentFact, error) {
	r.mu.RLock()
	bindings := make(map[string]Connector, len(r.connectors))
	for fact, c := range r.connectors {
		bindings[fact] = c
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	facts := make([]types.EnrichmentFact, 0, len(bindings))

	for fact, c := range bindings {
		fact, c := fact, c
		g.Go(func() error {
			result, err := FetchWithRetry(gctx, c, Query{Fact: fact, Payload: p}, policy)
			if err != nil {
				return err
			}
			mu.Lock()
			facts = append(facts, result)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(facts, func(i, j int) bool { return facts[i].Name < facts[j].Name })
	return facts, nil
}
