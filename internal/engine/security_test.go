package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/carlink/internal/protocol"
	"firestige.xyz/carlink/internal/transport"
)

// fakeSecurity defers handshakes until the test resolves them.
type fakeSecurity struct {
	mu            sync.Mutex
	contexts      map[protocol.ConnectionKey]bool
	started       chan protocol.ConnectionKey
	createErr     error
	encryptErr    error
	decryptErr    error
	initCompleted bool
}

func newFakeSecurity() *fakeSecurity {
	return &fakeSecurity{
		contexts: make(map[protocol.ConnectionKey]bool),
		started:  make(chan protocol.ConnectionKey, 8),
	}
}

func (s *fakeSecurity) CreateContext(key protocol.ConnectionKey) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[key] = true
	return nil
}

func (s *fakeSecurity) StartHandshake(key protocol.ConnectionKey) {
	s.started <- key
}

func (s *fakeSecurity) IsInitCompleted(protocol.ConnectionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCompleted
}

func (s *fakeSecurity) Encrypt(_ protocol.ConnectionKey, data []byte) ([]byte, error) {
	if s.encryptErr != nil {
		return nil, s.encryptErr
	}
	return data, nil
}

func (s *fakeSecurity) Decrypt(_ protocol.ConnectionKey, data []byte) ([]byte, error) {
	s.mu.Lock()
	err := s.decryptErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *fakeSecurity) LastError(protocol.ConnectionKey) error {
	return errors.New("handshake rejected by peer")
}

func startProtectedService(t *testing.T, e *Engine, trans *fakeTransport, sec *fakeSecurity) protocol.ConnectionKey {
	t.Helper()
	e.OnConnect(1, transport.DeviceInfo{})
	feed(e, 1, &protocol.Packet{
		Version:     3,
		Protection:  true,
		FrameType:   protocol.FrameControl,
		ServiceType: protocol.ServiceRPC,
		FrameData:   protocol.FrameDataStartService,
	})

	select {
	case key := <-sec.started:
		return key
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never started")
		return 0
	}
}

func secureConfig() Config {
	cfg := testConfig()
	cfg.SecurityEnabled = true
	return cfg
}

func TestHandshakeSuccessYieldsProtectedAck(t *testing.T) {
	sec := newFakeSecurity()
	e, trans, _, reg := newTestEngine(t, secureConfig(), sec)

	key := startProtectedService(t, e, trans, sec)

	// No ack before the handshake resolves.
	select {
	case <-trans.sentCh:
		t.Fatal("ack sent before handshake completion")
	case <-time.After(100 * time.Millisecond):
	}

	e.OnHandshakeCompleted(key, true)

	ack := trans.waitPacket(t)
	assert.Equal(t, protocol.FrameDataStartServiceAck, ack.FrameData)
	assert.True(t, ack.Protection, "ack carries the protection bit")

	_, sessionID := PairFromTestKey(key)
	assert.True(t, reg.IsProtected(1, sessionID, protocol.ServiceRPC))
}

func TestHandshakeFailureYieldsNAck(t *testing.T) {
	sec := newFakeSecurity()
	e, trans, _, _ := newTestEngine(t, secureConfig(), sec)

	key := startProtectedService(t, e, trans, sec)
	e.OnHandshakeCompleted(key, false)

	nack := trans.waitPacket(t)
	assert.Equal(t, protocol.FrameDataStartServiceNAck, nack.FrameData)
	assert.False(t, nack.Protection)
}

func TestContextCreationFailureYieldsNAck(t *testing.T) {
	sec := newFakeSecurity()
	sec.createErr = errors.New("no certificate")
	e, trans, _, _ := newTestEngine(t, secureConfig(), sec)
	e.OnConnect(1, transport.DeviceInfo{})

	feed(e, 1, &protocol.Packet{
		Version:     3,
		Protection:  true,
		FrameType:   protocol.FrameControl,
		ServiceType: protocol.ServiceRPC,
		FrameData:   protocol.FrameDataStartService,
	})

	nack := trans.waitPacket(t)
	assert.Equal(t, protocol.FrameDataStartServiceNAck, nack.FrameData)
}

func TestDecryptFailureForceClosesSession(t *testing.T) {
	sec := newFakeSecurity()
	e, trans, obs, reg := newTestEngine(t, secureConfig(), sec)

	key := startProtectedService(t, e, trans, sec)
	e.OnHandshakeCompleted(key, true)
	trans.waitPacket(t) // protected ack

	_, sessionID := PairFromTestKey(key)
	require.True(t, reg.IsProtected(1, sessionID, protocol.ServiceRPC))

	sec.mu.Lock()
	sec.decryptErr = errors.New("bad record mac")
	sec.mu.Unlock()

	feed(e, 1, &protocol.Packet{
		Version:     3,
		Protection:  true,
		FrameType:   protocol.FrameSingle,
		ServiceType: protocol.ServiceRPC,
		SessionID:   sessionID,
		Payload:     []byte{1, 2, 3},
	})

	select {
	case closed := <-obs.forceClosed:
		assert.Equal(t, key, closed)
	case <-time.After(2 * time.Second):
		t.Fatal("session not force closed on decrypt failure")
	}
	assert.Zero(t, reg.SessionCount(1))
}

// PairFromTestKey mirrors session.PairFromKey without the import dance in
// assertions above.
func PairFromTestKey(key protocol.ConnectionKey) (protocol.ConnectionID, uint8) {
	return protocol.ConnectionID(uint32(key) >> 8), uint8(key & 0xFF)
}
