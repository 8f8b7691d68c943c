package collector

import (
	"sync"

	models "github.com/Schera-ole/logmetrics/internal/model"
)

// Buffer holds metrics waiting to be flushed. Any number of goroutines may
// append while a single flush drains it.
type Buffer struct {
	mu       sync.Mutex
	metrics  []models.Metric
	capacity int
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		metrics:  make([]models.Metric, 0, capacity),
		capacity: capacity,
	}
}

// Append always stores m. It returns the size after the append and whether
// that size reached the capacity, in which case the caller must flush.
func (b *Buffer) Append(m models.Metric) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = append(b.metrics, m)
	size := len(b.metrics)
	return size, size >= b.capacity
}

// Drain takes every pending metric and leaves the buffer empty. It returns
// nil when nothing is pending.
func (b *Buffer) Drain() []models.Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.metrics) == 0 {
		return nil
	}
	batch := b.metrics
	b.metrics = make([]models.Metric, 0, b.capacity)
	return batch
}

// PutBack returns a drained batch that failed to persist. The batch goes in
// front of anything appended since the drain.
func (b *Buffer) PutBack(batch []models.Metric) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]models.Metric, 0, len(batch)+len(b.metrics))
	merged = append(merged, batch...)
	b.metrics = append(merged, b.metrics...)
}

// Size is a snapshot and may be stale as soon as it returns.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.metrics)
}

func (b *Buffer) Capacity() int {
	return b.capacity
}
