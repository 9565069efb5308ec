package hmi

import (
	"fmt"
	"log/slog"
	"sync"
)

// InProcessAdapter is a loopback HMI link for embedded UIs and tests: an
// in-memory pair of queues with no wire format.
type InProcessAdapter struct {
	mu       sync.Mutex
	handler  Handler
	outgoing chan *Message
	stopped  bool
}

// NewInProcessAdapter creates an adapter with a bounded outgoing queue.
func NewInProcessAdapter(queueSize int) *InProcessAdapter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &InProcessAdapter{outgoing: make(chan *Message, queueSize)}
}

// Start implements Adapter.
func (a *InProcessAdapter) Start(handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
	slog.Info("in-process hmi adapter started")
	return nil
}

// Send implements Sender. Messages queue for the UI side to drain through
// Outgoing.
func (a *InProcessAdapter) Send(msg *Message) error {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return fmt.Errorf("carlink: hmi adapter stopped")
	}
	select {
	case a.outgoing <- msg:
		return nil
	default:
		return fmt.Errorf("carlink: hmi outgoing queue full")
	}
}

// Outgoing exposes the UI-bound queue.
func (a *InProcessAdapter) Outgoing() <-chan *Message {
	return a.outgoing
}

// Inject delivers a message as if the HMI had sent it.
func (a *InProcessAdapter) Inject(msg *Message) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler != nil {
		handler.OnHMIMessage(msg)
	}
}

// Stop implements Adapter.
func (a *InProcessAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stopped {
		a.stopped = true
		close(a.outgoing)
	}
}
