// Package engine implements the protocol engine: the control-frame state
// machine, the encryption handshake gate, flood and malformed metering and
// the bounded outbound scheduler.
package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// frequencyMeter counts events per key inside a rolling window. Counts are
// stored per window and rotated wholesale when the window expires, which
// keeps the hot path to one map lookup plus an atomic increment.
type frequencyMeter struct {
	mu          sync.Mutex
	current     map[uint32]*atomic.Int64
	windowStart time.Time
	windowSize  time.Duration
	max         int64
}

// newFrequencyMeter returns nil when disabled (max <= 0 or window <= 0).
func newFrequencyMeter(window time.Duration, max int) *frequencyMeter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &frequencyMeter{
		current:     make(map[uint32]*atomic.Int64),
		windowStart: time.Now(),
		windowSize:  window,
		max:         int64(max),
	}
}

// track counts one event for key and reports whether the key crossed the
// configured maximum inside the current window. Crossing resets the key's
// count so a single burst trips the meter once.
func (m *frequencyMeter) track(key uint32, now time.Time) bool {
	m.mu.Lock()
	if now.Sub(m.windowStart) >= m.windowSize {
		m.current = make(map[uint32]*atomic.Int64)
		m.windowStart = now
	}
	counter, exists := m.current[key]
	if !exists {
		counter = &atomic.Int64{}
		m.current[key] = counter
	}
	m.mu.Unlock()

	if counter.Add(1) > m.max {
		counter.Store(0)
		return true
	}
	return false
}

// clear drops every tracked key.
func (m *frequencyMeter) clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = make(map[uint32]*atomic.Int64)
}

// forget drops one tracked key.
func (m *frequencyMeter) forget(key uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, key)
}
