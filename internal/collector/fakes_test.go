package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	models "github.com/Schera-ole/logmetrics/internal/model"
)

var errStoreDown = errors.New("store down")

// fakePersister records every batch it accepts.
type fakePersister struct {
	mu      sync.Mutex
	batches [][]models.Metric
	calls   int

	// failNext makes that many upcoming Persist calls fail
	failNext int
	failErr  error

	// block, when set, holds Persist until it is closed or ctx ends
	block chan struct{}

	pingErr  error
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (p *fakePersister) Persist(ctx context.Context, batch []models.Metric) (int, error) {
	if p.inFlight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		if p.failErr != nil {
			return 0, p.failErr
		}
		return 0, errStoreDown
	}
	if len(batch) > 0 {
		p.batches = append(p.batches, append([]models.Metric(nil), batch...))
	}
	return len(batch), nil
}

func (p *fakePersister) Ping(ctx context.Context) error {
	return p.pingErr
}

func (p *fakePersister) setFailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *fakePersister) persisted() []models.Metric {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Metric
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func (p *fakePersister) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *fakePersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type pooledPersister struct {
	*fakePersister
	stats models.PoolStats
}

func (p *pooledPersister) PoolStats() models.PoolStats { return p.stats }

func newTestCollector(t *testing.T, p Persister, config Config) *Collector {
	t.Helper()
	c, err := New(p, config, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}
