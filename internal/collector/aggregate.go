package collector

import (
	"sync"

	models "github.com/Schera-ole/logmetrics/internal/model"
)

// AggregateIndex keeps running statistics per name and type. It has its own
// lock so aggregate bookkeeping never contends with buffer draining.
type AggregateIndex struct {
	mu    sync.RWMutex
	items map[string]*models.Aggregate
}

func NewAggregateIndex() *AggregateIndex {
	return &AggregateIndex{items: make(map[string]*models.Aggregate)}
}

// Update folds m into the aggregate for its key, creating it on first sight.
func (a *AggregateIndex) Update(m models.Metric) {
	key := m.Key()

	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.items[key]
	if !ok {
		agg = models.NewAggregate(m.Name, m.Type)
		a.items[key] = agg
	}
	agg.Update(m)
}

// Snapshot returns copies of every aggregate keyed by "name:type".
func (a *AggregateIndex) Snapshot() map[string]models.Aggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]models.Aggregate, len(a.items))
	for key, agg := range a.items {
		out[key] = *agg
	}
	return out
}

func (a *AggregateIndex) Get(key string) (models.Aggregate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agg, ok := a.items[key]
	if !ok {
		return models.Aggregate{}, false
	}
	return *agg, true
}

func (a *AggregateIndex) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}
