package engine

import (
	"sync"

	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
)

// outboundItem is one scheduled packet plus routing context.
type outboundItem struct {
	conn    protocol.ConnectionID
	packet  *protocol.Packet
	control bool
	// final requests shutdown after the packet is handed to the
	// transport: the owning session when the connection carries others,
	// the whole connection otherwise.
	final        bool
	finalSession uint8
}

// inboundItem is one reassembled message heading up to the observer.
type inboundItem struct {
	key protocol.ConnectionKey
	msg *protocol.Message
}

// boundedQueue is a FIFO with a capacity cap and a control-preserving
// overflow policy: when full, the oldest non-control entry is dropped;
// control entries are never dropped, and a queue full of control entries
// grows past its bound rather than lose one.
type boundedQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	closed   bool
	isCtrl   func(T) bool
	dropped  func(T)
}

func newBoundedQueue[T any](capacity int, isCtrl func(T) bool, dropped func(T)) *boundedQueue[T] {
	q := &boundedQueue[T]{
		capacity: capacity,
		isCtrl:   isCtrl,
		dropped:  dropped,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues an item, evicting the oldest non-control item on overflow.
func (q *boundedQueue[T]) push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		for i, existing := range q.items {
			if !q.isCtrl(existing) {
				if q.dropped != nil {
					q.dropped(existing)
				}
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *boundedQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// close wakes every waiter; pending items are still drained by pop.
func (q *boundedQueue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *boundedQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func newOutboundQueue(capacity int) *boundedQueue[outboundItem] {
	return newBoundedQueue(capacity,
		func(item outboundItem) bool { return item.control },
		func(outboundItem) {
			metrics.OutboundDroppedTotal.WithLabelValues("to_mobile").Inc()
		})
}

func newInboundQueue(capacity int) *boundedQueue[inboundItem] {
	return newBoundedQueue(capacity,
		func(inboundItem) bool { return false },
		func(inboundItem) {
			metrics.OutboundDroppedTotal.WithLabelValues("from_mobile").Inc()
		})
}
