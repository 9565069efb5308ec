package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/carlink/internal/protocol"
)

func TestKeyFromPairRoundTrip(t *testing.T) {
	key := KeyFromPair(7, 3)
	conn, sess := PairFromKey(key)
	assert.Equal(t, protocol.ConnectionID(7), conn)
	assert.Equal(t, uint8(3), sess)
}

func TestStartSessionAllocatesNewID(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{MAC: "AA:BB", Name: "phone"})

	id, hash, ok := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	require.True(t, ok)
	assert.NotZero(t, id)
	assert.NotEqual(t, protocol.HashIDNotSupported, hash)
	assert.NotEqual(t, protocol.HashIDWrong, hash)

	version, ok := r.ProtocolVersion(1, id)
	require.True(t, ok)
	assert.Equal(t, uint8(2), version)
}

func TestStartSessionV1HashNotSupported(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})

	_, hash, ok := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 1, false)
	require.True(t, ok)
	assert.Equal(t, protocol.HashIDNotSupported, hash)
}

func TestStartSessionUnknownConnectionRefused(t *testing.T) {
	r := NewRegistry()
	_, _, ok := r.OnSessionStarted(42, 0, protocol.ServiceRPC, 2, false)
	assert.False(t, ok)
}

func TestSecondaryServiceAttachesToSession(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, ok := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 3, false)
	require.True(t, ok)

	gotID, _, ok := r.OnSessionStarted(1, id, protocol.ServiceVideo, 3, false)
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.True(t, r.HasService(1, id, protocol.ServiceVideo))

	// Starting the same service twice is refused.
	_, _, ok = r.OnSessionStarted(1, id, protocol.ServiceVideo, 3, false)
	assert.False(t, ok)

	// Attaching to a session that does not exist is refused.
	_, _, ok = r.OnSessionStarted(1, id+1, protocol.ServiceAudio, 3, false)
	assert.False(t, ok)
}

func TestEndSessionHashAuthentication(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, hash, ok := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	require.True(t, ok)

	// Wrong hash refused.
	_, ok = r.OnSessionEnded(1, id, hash+1, protocol.ServiceRPC)
	assert.False(t, ok)
	assert.True(t, r.HasService(1, id, protocol.ServiceRPC))

	// Correct hash tears down the session.
	key, ok := r.OnSessionEnded(1, id, hash, protocol.ServiceRPC)
	require.True(t, ok)
	assert.Equal(t, KeyFromPair(1, id), key)
	assert.False(t, r.HasService(1, id, protocol.ServiceRPC))
}

func TestEndSessionNonRPCSkipsHashCheck(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	_, _, ok := r.OnSessionStarted(1, id, protocol.ServiceAudio, 2, false)
	require.True(t, ok)

	// An arbitrary hash is accepted for non-RPC services.
	_, ok = r.OnSessionEnded(1, id, protocol.HashIDWrong, protocol.ServiceAudio)
	assert.True(t, ok)
	assert.False(t, r.HasService(1, id, protocol.ServiceAudio))
	// The session itself survives.
	assert.True(t, r.HasService(1, id, protocol.ServiceRPC))
}

func TestEndSessionV1AnyHashAccepted(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 1, false)

	_, ok := r.OnSessionEnded(1, id, 0xDEAD, protocol.ServiceRPC)
	assert.True(t, ok)
}

func TestConnectionTerminationEvictsAllSessions(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id1, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	id2, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)
	require.NotEqual(t, id1, id2)

	keys := r.OnConnectionTerminated(1)
	assert.Len(t, keys, 2)
	assert.Zero(t, r.SessionCount(1))

	// Idempotent.
	assert.Nil(t, r.OnConnectionTerminated(1))
}

func TestMessageCounter(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)

	assert.Equal(t, uint32(1), r.NextMessageID(1, id))
	assert.Equal(t, uint32(2), r.NextMessageID(1, id))
	assert.Equal(t, uint32(3), r.NextMessageID(1, id))

	r.ResetMessageID(1, id)
	assert.Equal(t, uint32(1), r.NextMessageID(1, id))
}

func TestProtectionState(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 3, true)

	assert.False(t, r.IsProtected(1, id, protocol.ServiceRPC))
	require.True(t, r.SetProtection(1, id, protocol.ServiceRPC, true))
	assert.True(t, r.IsProtected(1, id, protocol.ServiceRPC))

	// Protection on a service that is not started is refused.
	assert.False(t, r.SetProtection(1, id, protocol.ServiceVideo, true))
}

func TestBindApplication(t *testing.T) {
	r := NewRegistry()
	r.OnConnectionEstablished(1, DeviceInfo{})
	id, _, _ := r.OnSessionStarted(1, 0, protocol.ServiceRPC, 2, false)

	_, ok := r.Application(1, id)
	assert.False(t, ok)

	require.True(t, r.BindApplication(1, id, 77))
	appID, ok := r.Application(1, id)
	require.True(t, ok)
	assert.Equal(t, uint32(77), appID)
}

func TestHeartbeatMonitorExpiry(t *testing.T) {
	expired := make(chan monitorKey, 1)
	m := NewHeartbeatMonitor(150*time.Millisecond, func(conn protocol.ConnectionID, sessionID uint8) {
		expired <- monitorKey{conn, sessionID}
	})
	defer m.Stop()

	m.Watch(1, 3)

	select {
	case key := <-expired:
		assert.Equal(t, monitorKey{1, 3}, key)
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat expiry")
	}
}

func TestHeartbeatMonitorTouchDefersExpiry(t *testing.T) {
	expired := make(chan struct{}, 1)
	m := NewHeartbeatMonitor(300*time.Millisecond, func(protocol.ConnectionID, uint8) {
		expired <- struct{}{}
	})
	defer m.Stop()

	m.Watch(1, 3)
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		m.Touch(1, 3)
	}
	select {
	case <-expired:
		t.Fatal("session expired despite activity")
	default:
	}

	m.Forget(1, 3)
}
