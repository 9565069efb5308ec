package hmi

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
)

// Event is one bus entry. Key selects the partition: events sharing a key
// (one app's HMI app id on the outbound topic) are delivered in publish
// order; across keys no
// order is guaranteed.
type Event struct {
	Topic string
	Key   string
	Msg   *Message
}

// EventHandler consumes bus events.
type EventHandler func(event *Event)

type busPartition struct {
	id    int
	queue chan *Event
}

// Bus fans HMI-bound events out to subscribers. Partitioning uses a
// consistent hash ring over the event key so one app's notifications stay
// ordered while different apps proceed in parallel.
type Bus struct {
	partitions     []*busPartition
	partitionNodes []string
	ring           *hashring.HashRing

	mu          sync.RWMutex
	subscribers map[string][]EventHandler

	closed    atomic.Bool
	wg        sync.WaitGroup
	published atomic.Int64
	processed atomic.Int64
}

// NewBus creates and starts a bus with the given partition count and
// per-partition queue size.
func NewBus(partitionCount, queueSize int) *Bus {
	if partitionCount <= 0 {
		partitionCount = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bus{
		partitions:     make([]*busPartition, partitionCount),
		partitionNodes: make([]string, partitionCount),
		subscribers:    make(map[string][]EventHandler),
	}
	for i := 0; i < partitionCount; i++ {
		b.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	b.ring = hashring.New(b.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		p := &busPartition{id: i, queue: make(chan *Event, queueSize)}
		b.partitions[i] = p
		b.wg.Add(1)
		go b.runPartition(p)
	}
	return b
}

// Publish enqueues an event on the partition owning its key. A full
// partition rejects rather than blocks the publisher.
func (b *Bus) Publish(event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("carlink: hmi bus is closed")
	}
	p := b.partitions[b.partitionID(event.Key)]
	select {
	case p.queue <- event:
		b.published.Add(1)
		return nil
	default:
		return fmt.Errorf("carlink: hmi bus partition %d is full", p.id)
	}
}

// Subscribe registers a handler for a topic. Multiple handlers per topic
// are allowed; each sees every event.
func (b *Bus) Subscribe(topic string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	slog.Debug("hmi bus subscription", "topic", topic)
}

// Close stops accepting events; each partition delivers the events already
// queued before Close returns.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.wg.Wait()
}

// Stats reports bus counters.
func (b *Bus) Stats() (published, processed int64) {
	return b.published.Load(), b.processed.Load()
}

func (b *Bus) runPartition(p *busPartition) {
	defer b.wg.Done()
	for event := range p.queue {
		b.mu.RLock()
		handlers := b.subscribers[event.Topic]
		b.mu.RUnlock()
		for _, handler := range handlers {
			handler(event)
		}
		b.processed.Add(1)
	}
}

// outboundTopic carries every head-unit → HMI message on the bus.
const outboundTopic = "hmi.outbound"

// busSender routes outbound messages through the bus before the adapter,
// so one app's notifications reach the UI in order while different apps
// proceed on separate partitions.
type busSender struct {
	bus *Bus
}

// NewBusSender subscribes the downstream adapter to the outbound topic and
// returns a Sender that publishes onto it. Messages without an app scope
// share one partition key.
func NewBusSender(bus *Bus, downstream Sender) Sender {
	bus.Subscribe(outboundTopic, func(event *Event) {
		if err := downstream.Send(event.Msg); err != nil {
			slog.Warn("hmi adapter send failed", "method", event.Msg.Method, "error", err)
		}
	})
	return &busSender{bus: bus}
}

// Send implements Sender.
func (s *busSender) Send(msg *Message) error {
	key := "hmi"
	if msg.AppID != 0 {
		key = strconv.FormatUint(uint64(msg.AppID), 10)
	}
	return s.bus.Publish(&Event{Topic: outboundTopic, Key: key, Msg: msg})
}

// partitionID maps a key onto a partition through the hash ring.
func (b *Bus) partitionID(key string) int {
	node, ok := b.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, name := range b.partitionNodes {
		if name == node {
			return i
		}
	}
	return 0
}
