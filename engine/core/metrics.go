package core

import (
	"sync"
	"time"

	"github.com/spaghettifunk/pipeforge/engine/containers"
)

const AVG_COUNT int = 30

// Metrics keeps a rolling average of the last AVG_COUNT samples of one kind of
// work (stage compiles, pipeline builds).
type Metrics struct {
	mu      sync.Mutex
	samples *containers.RingQueue[time.Duration]
	total   uint64
}

func NewMetrics() *Metrics {
	return &Metrics{samples: containers.NewRingQueue[time.Duration](AVG_COUNT)}
}

func (m *Metrics) Record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples.Overwrite(d)
	m.total++
}

// Average returns the mean of the retained samples, or 0 with none recorded.
func (m *Metrics) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples.IsEmpty() {
		return 0
	}
	var sum time.Duration
	m.samples.Each(func(d time.Duration) { sum += d })
	return sum / time.Duration(m.samples.Len())
}

func (m *Metrics) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
