package monitor

import (
	"sync"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// AnomalyBuffer holds detected anomalies in insertion order until drained.
// When full, the oldest record is evicted.
type AnomalyBuffer struct {
	mu      sync.Mutex
	records []model.AnomalyRecord
	max     int
	evicted int64
}

// NewAnomalyBuffer returns a buffer holding at most max records.
// max <= 0 means model.DefaultMaxAnomalies.
func NewAnomalyBuffer(max int) *AnomalyBuffer {
	if max <= 0 {
		max = model.DefaultMaxAnomalies
	}
	return &AnomalyBuffer{max: max}
}

func (b *AnomalyBuffer) Append(r model.AnomalyRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.max {
		drop := len(b.records) - b.max + 1
		b.records = append(b.records[:0], b.records[drop:]...)
		b.evicted += int64(drop)
	}
	b.records = append(b.records, r)
}

// Drain returns every buffered record and empties the buffer.
func (b *AnomalyBuffer) Drain() []model.AnomalyRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.records
	b.records = nil
	return out
}

// Snapshot returns a copy without clearing.
func (b *AnomalyBuffer) Snapshot() []model.AnomalyRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.AnomalyRecord, len(b.records))
	copy(out, b.records)
	return out
}

func (b *AnomalyBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Evicted returns how many records were dropped for space.
func (b *AnomalyBuffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
