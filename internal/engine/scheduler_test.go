package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/carlink/internal/protocol"
)

func TestBoundedQueueFIFO(t *testing.T) {
	q := newBoundedQueue[int](8, func(int) bool { return false }, nil)
	for i := 0; i < 5; i++ {
		q.push(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestBoundedQueueDropsOldestNonControl(t *testing.T) {
	var dropped []outboundItem
	q := newBoundedQueue(2,
		func(item outboundItem) bool { return item.control },
		func(item outboundItem) { dropped = append(dropped, item) })

	mk := func(id uint32, control bool) outboundItem {
		return outboundItem{
			packet:  &protocol.Packet{MessageID: id},
			control: control,
		}
	}

	q.push(mk(1, false))
	q.push(mk(2, true))
	q.push(mk(3, false)) // overflow: drops message 1

	require.Len(t, dropped, 1)
	assert.Equal(t, uint32(1), dropped[0].packet.MessageID)

	v, _ := q.pop()
	assert.True(t, v.control)
	v, _ = q.pop()
	assert.Equal(t, uint32(3), v.packet.MessageID)
}

func TestBoundedQueueNeverDropsControl(t *testing.T) {
	q := newBoundedQueue(2,
		func(item outboundItem) bool { return item.control },
		func(outboundItem) { t.Fatal("control item dropped") })

	for i := 0; i < 5; i++ {
		q.push(outboundItem{packet: &protocol.Packet{MessageID: uint32(i)}, control: true})
	}
	// All five control items survive past the bound.
	assert.Equal(t, 5, q.len())
}

func TestBoundedQueueCloseWakesPop(t *testing.T) {
	q := newBoundedQueue[int](2, func(int) bool { return false }, nil)

	done := make(chan struct{})
	go func() {
		_, ok := q.pop()
		assert.False(t, ok)
		close(done)
	}()

	q.close()
	<-done
}
