package session

import (
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/carlink/internal/protocol"
)

// TimeoutFunc is invoked when a monitored session goes idle past the
// heartbeat deadline.
type TimeoutFunc func(conn protocol.ConnectionID, sessionID uint8)

type monitorKey struct {
	conn    protocol.ConnectionID
	session uint8
}

// HeartbeatMonitor watches per-session idle time. Sessions are added when
// the engine negotiates protocol version 3 or higher; reception of any
// valid frame feeds the monitor and resets the idle clock.
type HeartbeatMonitor struct {
	mu       sync.Mutex
	deadline time.Duration
	last     map[monitorKey]time.Time
	onExpire TimeoutFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewHeartbeatMonitor creates and starts a monitor. A zero deadline
// disables monitoring entirely.
func NewHeartbeatMonitor(deadline time.Duration, onExpire TimeoutFunc) *HeartbeatMonitor {
	m := &HeartbeatMonitor{
		deadline: deadline,
		last:     make(map[monitorKey]time.Time),
		onExpire: onExpire,
		done:     make(chan struct{}),
	}
	if deadline > 0 {
		go m.watch()
	}
	return m
}

// Watch starts tracking a session.
func (m *HeartbeatMonitor) Watch(conn protocol.ConnectionID, sessionID uint8) {
	if m.deadline <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[monitorKey{conn, sessionID}] = time.Now()
}

// Touch resets the idle clock for a session. Unknown sessions are ignored.
func (m *HeartbeatMonitor) Touch(conn protocol.ConnectionID, sessionID uint8) {
	if m.deadline <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := monitorKey{conn, sessionID}
	if _, watched := m.last[key]; watched {
		m.last[key] = time.Now()
	}
}

// Forget stops tracking a session. Idempotent.
func (m *HeartbeatMonitor) Forget(conn protocol.ConnectionID, sessionID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, monitorKey{conn, sessionID})
}

// ForgetConnection stops tracking every session on the connection.
func (m *HeartbeatMonitor) ForgetConnection(conn protocol.ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.last {
		if key.conn == conn {
			delete(m.last, key)
		}
	}
}

// Stop shuts the monitor down. Idempotent.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *HeartbeatMonitor) watch() {
	interval := m.deadline / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *HeartbeatMonitor) sweep(now time.Time) {
	var expired []monitorKey
	m.mu.Lock()
	for key, seen := range m.last {
		if now.Sub(seen) > m.deadline {
			expired = append(expired, key)
			delete(m.last, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		slog.Warn("heartbeat timeout", "connection_id", key.conn, "session_id", key.session)
		if m.onExpire != nil {
			m.onExpire(key.conn, key.session)
		}
	}
}
