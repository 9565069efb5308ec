package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeOrDie(t *testing.T, p *Packet) []byte {
	t.Helper()
	b, err := p.Encode()
	require.NoError(t, err)
	return b
}

func TestFramerSplitDelivery(t *testing.T) {
	p := &Packet{
		Version:     2,
		FrameType:   FrameSingle,
		ServiceType: ServiceRPC,
		SessionID:   3,
		MessageID:   42,
		Payload:     []byte{0x01, 0x02, 0x03, 0x04, 0x05},
	}
	encoded := encodeOrDie(t, p)

	f := NewFramer(0)

	// Feed one byte at a time; nothing should surface until the last byte.
	for i := 0; i < len(encoded)-1; i++ {
		packets, malformed, err := f.Decode(encoded[i : i+1])
		require.NoError(t, err)
		assert.Zero(t, malformed)
		assert.Empty(t, packets)
	}

	packets, malformed, err := f.Decode(encoded[len(encoded)-1:])
	require.NoError(t, err)
	assert.Zero(t, malformed)
	require.Len(t, packets, 1)
	assert.Equal(t, uint32(42), packets[0].MessageID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, packets[0].Payload)
}

func TestFramerMultiplePacketsOneRead(t *testing.T) {
	f := NewFramer(0)

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, encodeOrDie(t, &Packet{
			Version:     2,
			FrameType:   FrameSingle,
			ServiceType: ServiceRPC,
			SessionID:   1,
			MessageID:   uint32(i + 1),
			Payload:     []byte{byte(i)},
		})...)
	}

	packets, malformed, err := f.Decode(stream)
	require.NoError(t, err)
	assert.Zero(t, malformed)
	require.Len(t, packets, 3)
	for i, p := range packets {
		assert.Equal(t, uint32(i+1), p.MessageID)
	}
}

func TestFramerResyncAfterGarbage(t *testing.T) {
	f := NewFramer(0)

	good := encodeOrDie(t, &Packet{
		Version:     2,
		FrameType:   FrameSingle,
		ServiceType: ServiceRPC,
		SessionID:   1,
		MessageID:   5,
		Payload:     []byte("hello"),
	})

	// Garbage prefix: version nibble 0xF is unknown, forcing rejection and
	// a hunt for the next plausible boundary.
	garbage := []byte{0xF1, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	packets, malformed, err := f.Decode(append(garbage, good...))
	require.NoError(t, err)
	assert.Positive(t, malformed)
	require.Len(t, packets, 1)
	assert.Equal(t, uint32(5), packets[0].MessageID)
	assert.Equal(t, []byte("hello"), packets[0].Payload)
}

func TestFramerPayloadTooLarge(t *testing.T) {
	big := encodeOrDie(t, &Packet{
		Version:     2,
		FrameType:   FrameSingle,
		ServiceType: ServiceRPC,
		SessionID:   1,
		Payload:     make([]byte, 64),
	})

	f := NewFramer(16)
	packets, malformed, err := f.Decode(big)
	require.NoError(t, err)
	assert.Empty(t, packets)
	assert.Positive(t, malformed, "oversized declaration must count as malformed")
}

func TestFramerUnknownServiceRejected(t *testing.T) {
	raw := encodeOrDie(t, &Packet{
		Version:     2,
		FrameType:   FrameSingle,
		ServiceType: ServiceRPC,
		SessionID:   1,
	})
	raw[1] = 0x55 // not a known service

	f := NewFramer(0)
	packets, malformed, err := f.Decode(raw)
	require.NoError(t, err)
	assert.Empty(t, packets)
	assert.Positive(t, malformed)
}

func TestFramerReset(t *testing.T) {
	f := NewFramer(0)
	_, _, err := f.Decode([]byte{0x21, 0x07})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Pending())

	f.Reset()
	assert.Zero(t, f.Pending())
}
