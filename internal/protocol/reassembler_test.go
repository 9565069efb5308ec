package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReassembler(t *testing.T) *Reassembler {
	t.Helper()
	r := NewReassembler(ReassemblerConfig{MaxTotalSize: 1 << 20, Timeout: time.Minute})
	t.Cleanup(r.Close)
	return r
}

func TestReassemblerSingleFramePassThrough(t *testing.T) {
	r := newTestReassembler(t)

	msg, err := r.Handle(7, &Packet{
		Version:     2,
		FrameType:   FrameSingle,
		ServiceType: ServiceRPC,
		SessionID:   3,
		MessageID:   42,
		Payload:     []byte{0x01, 0x02, 0x03, 0x04, 0x05},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, ConnectionID(7), msg.ConnectionID)
	assert.Equal(t, uint8(3), msg.SessionID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, msg.Payload)
}

func TestReassemblerMultiFrame(t *testing.T) {
	r := newTestReassembler(t)

	chunk := func(fill byte, n int) []byte { return bytes.Repeat([]byte{fill}, n) }

	_, err := r.Handle(1, &Packet{
		Version:     2,
		FrameType:   FrameFirst,
		ServiceType: ServiceRPC,
		SessionID:   2,
		MessageID:   10,
		Payload:     EncodeFirstFramePayload(1500, 3),
	})
	require.NoError(t, err)

	msg, err := r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, MessageID: 10, FrameData: 1, Payload: chunk(0xAA, 500),
	})
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, MessageID: 10, FrameData: 2, Payload: chunk(0xBB, 500),
	})
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, MessageID: 10, FrameData: FrameDataLastConsecutive, Payload: chunk(0xCC, 500),
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Len(t, msg.Payload, 1500)
	assert.Equal(t, uint32(10), msg.MessageID)

	want := append(append(chunk(0xAA, 500), chunk(0xBB, 500)...), chunk(0xCC, 500)...)
	assert.Equal(t, want, msg.Payload)
}

func TestReassemblerOrphanConsecutive(t *testing.T) {
	r := newTestReassembler(t)

	_, err := r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 9, FrameData: 1, Payload: []byte{1, 2, 3},
	})
	assert.ErrorIs(t, err, ErrReassemblyOrphan)
}

func TestReassemblerOverflow(t *testing.T) {
	r := newTestReassembler(t)

	_, err := r.Handle(1, &Packet{
		Version: 2, FrameType: FrameFirst, ServiceType: ServiceRPC,
		SessionID: 2, Payload: EncodeFirstFramePayload(10, 2),
	})
	require.NoError(t, err)

	_, err = r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, FrameData: 1, Payload: make([]byte, 64),
	})
	assert.ErrorIs(t, err, ErrReassemblyOverflow)

	// Partial buffer was discarded: next consecutive is an orphan.
	_, err = r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, FrameData: 2, Payload: []byte{1},
	})
	assert.ErrorIs(t, err, ErrReassemblyOrphan)
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := newTestReassembler(t)

	_, err := r.Handle(1, &Packet{
		Version: 2, FrameType: FrameFirst, ServiceType: ServiceRPC,
		SessionID: 2, Payload: EncodeFirstFramePayload(100, 2),
	})
	require.NoError(t, err)

	_, err = r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 2, FrameData: 2, Payload: make([]byte, 50),
	})
	assert.ErrorIs(t, err, ErrReassemblySequence)
}

func TestReassemblerSessionIsolation(t *testing.T) {
	r := newTestReassembler(t)

	// Two sessions on two connections assemble independently.
	for _, conn := range []ConnectionID{1, 2} {
		_, err := r.Handle(conn, &Packet{
			Version: 2, FrameType: FrameFirst, ServiceType: ServiceRPC,
			SessionID: 5, Payload: EncodeFirstFramePayload(4, 1),
		})
		require.NoError(t, err)
	}

	msg, err := r.Handle(1, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 5, FrameData: FrameDataLastConsecutive, Payload: []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Connection 2's assembly is still pending.
	msg, err = r.Handle(2, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 5, FrameData: FrameDataLastConsecutive, Payload: []byte{9, 9, 9, 9},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte{9, 9, 9, 9}, msg.Payload)
}

func TestReassemblerEvictConnection(t *testing.T) {
	r := newTestReassembler(t)

	_, err := r.Handle(3, &Packet{
		Version: 2, FrameType: FrameFirst, ServiceType: ServiceRPC,
		SessionID: 1, Payload: EncodeFirstFramePayload(10, 2),
	})
	require.NoError(t, err)

	r.EvictConnection(3)

	_, err = r.Handle(3, &Packet{
		Version: 2, FrameType: FrameConsecutive, ServiceType: ServiceRPC,
		SessionID: 1, FrameData: 1, Payload: []byte{1},
	})
	assert.ErrorIs(t, err, ErrReassemblyOrphan)
}
