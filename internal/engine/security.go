package engine

import (
	"log/slog"
	"sync"

	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/session"
)

// Security is the optional encryption collaborator. Handshakes are
// asynchronous: the engine parks deferred acks and the security layer
// reports completion through OnHandshakeCompleted.
type Security interface {
	CreateContext(key protocol.ConnectionKey) error
	StartHandshake(key protocol.ConnectionKey)
	IsInitCompleted(key protocol.ConnectionKey) bool
	Encrypt(key protocol.ConnectionKey, data []byte) ([]byte, error)
	Decrypt(key protocol.ConnectionKey, data []byte) ([]byte, error)
	LastError(key protocol.ConnectionKey) error
}

// pendingAck is a StartServiceAck deferred until the handshake resolves.
type pendingAck struct {
	conn        protocol.ConnectionID
	service     protocol.ServiceType
	sessionID   uint8
	messageID   uint32
	hash        uint32
	negotiated  uint8
	origVersion uint8
	origSession uint8
}

// handshakeGate parks deferred acks per connection key.
type handshakeGate struct {
	mu      sync.Mutex
	pending map[protocol.ConnectionKey][]pendingAck
}

func newHandshakeGate() *handshakeGate {
	return &handshakeGate{pending: make(map[protocol.ConnectionKey][]pendingAck)}
}

func (g *handshakeGate) park(key protocol.ConnectionKey, ack pendingAck) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[key] = append(g.pending[key], ack)
}

func (g *handshakeGate) take(key protocol.ConnectionKey) []pendingAck {
	g.mu.Lock()
	defer g.mu.Unlock()
	acks := g.pending[key]
	delete(g.pending, key)
	return acks
}

func (g *handshakeGate) drop(key protocol.ConnectionKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, key)
}

// deferAckForHandshake withholds the StartServiceAck until the security
// layer reports a completed handshake for the session's connection key.
func (e *Engine) deferAckForHandshake(conn protocol.ConnectionID, p *protocol.Packet,
	sessionID uint8, hash uint32, negotiated uint8) {

	key := session.KeyFromPair(conn, sessionID)
	ack := pendingAck{
		conn:        conn,
		service:     p.ServiceType,
		sessionID:   sessionID,
		messageID:   p.MessageID,
		hash:        hash,
		negotiated:  negotiated,
		origVersion: p.Version,
		origSession: p.SessionID,
	}

	if e.security.IsInitCompleted(key) {
		e.grantProtection(key, ack)
		return
	}

	if err := e.security.CreateContext(key); err != nil {
		slog.Error("security context creation failed", "connection_key", key, "error", err)
		e.sendDeferredNAck(ack)
		return
	}
	e.handshakes.park(key, ack)
	e.security.StartHandshake(key)
}

// OnHandshakeCompleted resolves every ack parked on the connection key.
// The security layer invokes this from its own goroutine.
func (e *Engine) OnHandshakeCompleted(key protocol.ConnectionKey, success bool) {
	acks := e.handshakes.take(key)
	if len(acks) == 0 {
		return
	}
	if !success {
		slog.Warn("security handshake failed", "connection_key", key,
			"error", e.security.LastError(key))
		for _, ack := range acks {
			e.sendDeferredNAck(ack)
		}
		return
	}
	for _, ack := range acks {
		e.grantProtection(key, ack)
	}
}

// grantProtection finishes a successful handshake. A service that is
// already protected yields a NAck rather than double protection.
func (e *Engine) grantProtection(key protocol.ConnectionKey, ack pendingAck) {
	if e.registry.IsProtected(ack.conn, ack.sessionID, ack.service) {
		slog.Warn("service already protected", "connection_key", key,
			"service", ack.service.String())
		e.sendDeferredNAck(ack)
		return
	}
	e.registry.SetProtection(ack.conn, ack.sessionID, ack.service, true)
	e.sendStartServiceAck(ack.conn, ack.service, ack.sessionID, ack.messageID,
		ack.hash, ack.negotiated, true)
}

func (e *Engine) sendDeferredNAck(ack pendingAck) {
	e.enqueueControl(ack.conn, &protocol.Packet{
		Version:     ack.origVersion,
		FrameType:   protocol.FrameControl,
		ServiceType: ack.service,
		FrameData:   protocol.FrameDataStartServiceNAck,
		SessionID:   ack.origSession,
		MessageID:   ack.messageID,
	})
}
