// Package session implements the session registry: assignment of session
// ids on a connection, per-session protocol version and service protection
// state, hash-id authentication for RPC teardown and connection-key packing.
package session

import (
	"log/slog"
	"math/rand"
	"sync"

	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
)

// DeviceInfo describes the device behind a transport connection.
type DeviceInfo struct {
	MAC  string
	Name string
}

// serviceState tracks one started service on a session.
type serviceState struct {
	protected bool
}

// Session is a multiplexed logical channel on a connection.
type Session struct {
	ID       uint8
	Version  uint8
	HashID   uint32
	services map[protocol.ServiceType]*serviceState

	// AppID is the owning application's internal id; zero until
	// RegisterAppInterface completes.
	AppID uint32
}

// Connection tracks the sessions multiplexed over one transport connection.
type Connection struct {
	ID       protocol.ConnectionID
	Device   DeviceInfo
	sessions map[uint8]*Session

	// Per-session outbound message counters. Only the engine's single
	// writer per session touches these through the registry.
	counters map[uint8]uint32

	nextSessionID uint8
}

// Registry owns all connections and their sessions.
type Registry struct {
	mu          sync.RWMutex
	connections map[protocol.ConnectionID]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[protocol.ConnectionID]*Connection),
	}
}

// KeyFromPair packs a (connection, session) pair into the opaque 32-bit
// handle exposed upward.
func KeyFromPair(conn protocol.ConnectionID, sessionID uint8) protocol.ConnectionKey {
	return protocol.ConnectionKey(uint32(conn)<<8 | uint32(sessionID))
}

// PairFromKey is the inverse of KeyFromPair.
func PairFromKey(key protocol.ConnectionKey) (protocol.ConnectionID, uint8) {
	return protocol.ConnectionID(uint32(key) >> 8), uint8(key & 0xFF)
}

// OnConnectionEstablished registers a new transport connection.
func (r *Registry) OnConnectionEstablished(conn protocol.ConnectionID, device DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn]; exists {
		slog.Warn("connection already registered", "connection_id", conn)
		return
	}
	r.connections[conn] = &Connection{
		ID:       conn,
		Device:   device,
		sessions: make(map[uint8]*Session),
		counters: make(map[uint8]uint32),
	}
	slog.Info("connection established", "connection_id", conn, "device", device.Name)
}

// OnConnectionTerminated evicts the connection and all its sessions
// atomically, returning the keys of the evicted sessions.
func (r *Registry) OnConnectionTerminated(conn protocol.ConnectionID) []protocol.ConnectionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return nil
	}
	keys := make([]protocol.ConnectionKey, 0, len(c.sessions))
	for id, s := range c.sessions {
		keys = append(keys, KeyFromPair(conn, id))
		for svc := range s.services {
			metrics.SessionsActive.WithLabelValues(svc.String()).Dec()
		}
	}
	delete(r.connections, conn)
	slog.Info("connection terminated", "connection_id", conn, "sessions_evicted", len(keys))
	return keys
}

// Device returns the device info recorded at connect.
func (r *Registry) Device(conn protocol.ConnectionID) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return DeviceInfo{}, false
	}
	return c.Device, true
}

// newHashID generates a random non-sentinel hash id.
func newHashID() uint32 {
	for {
		h := rand.Uint32()
		if h != protocol.HashIDNotSupported && h != protocol.HashIDWrong {
			return h
		}
	}
}

// OnSessionStarted handles a StartService. A request on the RPC service
// allocates a fresh session; audio, video and bulk attach to an existing
// one. Returns the assigned session id, the hash id to echo in the ack and
// whether the request was accepted.
func (r *Registry) OnSessionStarted(conn protocol.ConnectionID, sessionID uint8,
	service protocol.ServiceType, version uint8, protectionRequested bool) (uint8, uint32, bool) {

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.connections[conn]
	if !exists {
		slog.Warn("start service on unknown connection", "connection_id", conn)
		return 0, protocol.HashIDWrong, false
	}

	if service == protocol.ServiceRPC {
		id, ok := c.allocateSessionID()
		if !ok {
			slog.Warn("session id space exhausted", "connection_id", conn)
			return 0, protocol.HashIDWrong, false
		}
		hash := protocol.HashIDNotSupported
		if version >= 2 {
			hash = newHashID()
		}
		s := &Session{
			ID:       id,
			Version:  version,
			HashID:   hash,
			services: map[protocol.ServiceType]*serviceState{protocol.ServiceRPC: {}},
		}
		c.sessions[id] = s
		c.counters[id] = 0
		metrics.SessionsActive.WithLabelValues(service.String()).Inc()
		slog.Info("session started", "connection_id", conn, "session_id", id,
			"version", version, "protection", protectionRequested)
		return id, hash, true
	}

	s, exists := c.sessions[sessionID]
	if !exists {
		slog.Warn("start service on unknown session",
			"connection_id", conn, "session_id", sessionID, "service", service.String())
		return 0, protocol.HashIDWrong, false
	}
	if _, started := s.services[service]; started {
		slog.Warn("service already started",
			"connection_id", conn, "session_id", sessionID, "service", service.String())
		return 0, protocol.HashIDWrong, false
	}
	s.services[service] = &serviceState{}
	metrics.SessionsActive.WithLabelValues(service.String()).Inc()
	slog.Info("service attached", "connection_id", conn, "session_id", sessionID,
		"service", service.String())
	return sessionID, protocol.HashIDNotSupported, true
}

// OnSessionEnded handles an EndService. The claimed hash authenticates RPC
// teardown only; the comparison always succeeds for other services and for
// sessions whose hash is the NOT_SUPPORTED sentinel. Ending the RPC service
// tears down the whole session. Returns the connection key of the affected
// session and whether the request was accepted.
func (r *Registry) OnSessionEnded(conn protocol.ConnectionID, sessionID uint8,
	hashClaimed uint32, service protocol.ServiceType) (protocol.ConnectionKey, bool) {

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.connections[conn]
	if !exists {
		return 0, false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return 0, false
	}
	if _, started := s.services[service]; !started {
		return 0, false
	}

	if service == protocol.ServiceRPC &&
		s.HashID != protocol.HashIDNotSupported && hashClaimed != s.HashID {
		slog.Warn("end service hash mismatch",
			"connection_id", conn, "session_id", sessionID)
		return 0, false
	}

	key := KeyFromPair(conn, sessionID)
	if service == protocol.ServiceRPC {
		for svc := range s.services {
			metrics.SessionsActive.WithLabelValues(svc.String()).Dec()
		}
		delete(c.sessions, sessionID)
		delete(c.counters, sessionID)
		slog.Info("session ended", "connection_id", conn, "session_id", sessionID)
	} else {
		delete(s.services, service)
		metrics.SessionsActive.WithLabelValues(service.String()).Dec()
		slog.Info("service detached", "connection_id", conn, "session_id", sessionID,
			"service", service.String())
	}
	return key, true
}

// ForceEndSession evicts a session without hash authentication. Used on
// flood, malformed input and encryption failure.
func (r *Registry) ForceEndSession(conn protocol.ConnectionID, sessionID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return false
	}
	for svc := range s.services {
		metrics.SessionsActive.WithLabelValues(svc.String()).Dec()
	}
	delete(c.sessions, sessionID)
	delete(c.counters, sessionID)
	slog.Warn("session force closed", "connection_id", conn, "session_id", sessionID)
	return true
}

// allocateSessionID finds the next free non-zero session id. Caller holds
// the registry lock.
func (c *Connection) allocateSessionID() (uint8, bool) {
	for i := 0; i < 255; i++ {
		c.nextSessionID++
		if c.nextSessionID == 0 {
			c.nextSessionID = 1
		}
		if _, taken := c.sessions[c.nextSessionID]; !taken {
			return c.nextSessionID, true
		}
	}
	return 0, false
}

// ProtocolVersion returns the version negotiated at session start.
func (r *Registry) ProtocolVersion(conn protocol.ConnectionID, sessionID uint8) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return 0, false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return 0, false
	}
	return s.Version, true
}

// HasService reports whether the service is started on the session.
func (r *Registry) HasService(conn protocol.ConnectionID, sessionID uint8,
	service protocol.ServiceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return false
	}
	_, started := s.services[service]
	return started
}

// SetProtection flags the service as protected after a completed handshake.
func (r *Registry) SetProtection(conn protocol.ConnectionID, sessionID uint8,
	service protocol.ServiceType, protected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return false
	}
	st, started := s.services[service]
	if !started {
		return false
	}
	st.protected = protected
	return true
}

// IsProtected reports the protection state of a started service.
func (r *Registry) IsProtected(conn protocol.ConnectionID, sessionID uint8,
	service protocol.ServiceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return false
	}
	st, started := s.services[service]
	return started && st.protected
}

// BindApplication records the owning application on the session.
func (r *Registry) BindApplication(conn protocol.ConnectionID, sessionID uint8, appID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return false
	}
	s, exists := c.sessions[sessionID]
	if !exists {
		return false
	}
	s.AppID = appID
	return true
}

// Application returns the app bound to the session, if any.
func (r *Registry) Application(conn protocol.ConnectionID, sessionID uint8) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return 0, false
	}
	s, exists := c.sessions[sessionID]
	if !exists || s.AppID == 0 {
		return 0, false
	}
	return s.AppID, true
}

// SessionCount returns the number of live sessions on the connection.
func (r *Registry) SessionCount(conn protocol.ConnectionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.connections[conn]
	if !exists {
		return 0
	}
	return len(c.sessions)
}

// NextMessageID increments and returns the session's outbound message
// counter. The counter is monotonic modulo 2^32.
func (r *Registry) NextMessageID(conn protocol.ConnectionID, sessionID uint8) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return 0
	}
	c.counters[sessionID]++
	return c.counters[sessionID]
}

// ResetMessageID zeroes the session's outbound message counter.
func (r *Registry) ResetMessageID(conn protocol.ConnectionID, sessionID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.connections[conn]
	if !exists {
		return
	}
	c.counters[sessionID] = 0
}
