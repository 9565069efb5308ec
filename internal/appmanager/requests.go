package appmanager

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/carlink/internal/metrics"
	"firestige.xyz/carlink/internal/protocol"
)

// Request is one in-flight mobile-originated command awaiting its HMI
// response.
type Request struct {
	CorrelationID uint32
	Key           protocol.ConnectionKey
	FunctionID    uint32
	Deadline      time.Time
}

type requestKey struct {
	key           protocol.ConnectionKey
	correlationID uint32
}

// requestHeap is a min-heap ordered by deadline.
type requestHeap []*Request

func (h requestHeap) Len() int            { return len(h) }
func (h requestHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)         { *h = append(*h, x.(*Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// requestControllerConfig bounds admission.
type requestControllerConfig struct {
	DefaultTimeout time.Duration
	// PendingLimit is the per-app pending cap; zero disables it.
	PendingLimit int
	// BurstWindow/BurstMax is the per-app time-scale limit whose violation
	// unregisters the app; zero disables it.
	BurstWindow time.Duration
	BurstMax    int
	// NoneWindow/NoneMax bound requests sent while in the NONE level.
	NoneWindow time.Duration
	NoneMax    int
}

// windowCounter counts per-app events in a rolling window.
type windowCounter struct {
	window time.Duration
	max    int
	seen   map[uint32][]time.Time
}

func newWindowCounter(window time.Duration, max int) *windowCounter {
	if window <= 0 || max <= 0 {
		return nil
	}
	return &windowCounter{window: window, max: max, seen: make(map[uint32][]time.Time)}
}

// exceeded records one event and reports whether the app crossed the bound.
func (w *windowCounter) exceeded(appID uint32, now time.Time) bool {
	if w == nil {
		return false
	}
	cutoff := now.Add(-w.window)
	kept := w.seen[appID][:0]
	for _, ts := range w.seen[appID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	w.seen[appID] = kept
	return len(kept) > w.max
}

func (w *windowCounter) forget(appID uint32) {
	if w == nil {
		return
	}
	delete(w.seen, appID)
}

// requestController owns admission counters and the deadline sweep.
type requestController struct {
	mu        sync.Mutex
	cfg       requestControllerConfig
	pending   map[requestKey]*Request
	deadlines requestHeap
	perApp    map[uint32]int
	burst     *windowCounter
	noneBurst *windowCounter

	onTimeout func(req *Request)
	done      chan struct{}
	stopOnce  sync.Once
}

func newRequestController(cfg requestControllerConfig, onTimeout func(req *Request)) *requestController {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	c := &requestController{
		cfg:       cfg,
		pending:   make(map[requestKey]*Request),
		perApp:    make(map[uint32]int),
		burst:     newWindowCounter(cfg.BurstWindow, cfg.BurstMax),
		noneBurst: newWindowCounter(cfg.NoneWindow, cfg.NoneMax),
		onTimeout: onTimeout,
		done:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *requestController) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// admit applies the admission ladder for one mobile request:
// NONE-level burst, per-app pending limit, per-app time-scale burst.
func (c *requestController) admit(appID uint32, level HMILevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	if level == LevelNone && c.noneBurst.exceeded(appID, now) {
		metrics.RequestsRejectedTotal.WithLabelValues("none_level_burst").Inc()
		return ErrNoneLevelBurst
	}
	if c.cfg.PendingLimit > 0 && c.perApp[appID] >= c.cfg.PendingLimit {
		metrics.RequestsRejectedTotal.WithLabelValues("pending_limit").Inc()
		return ErrTooManyPendingRequests
	}
	if c.burst.exceeded(appID, now) {
		metrics.RequestsRejectedTotal.WithLabelValues("burst").Inc()
		return ErrTooManyRequests
	}
	return nil
}

// track registers an admitted request for deadline supervision. A zero
// deadline gets the default timeout.
func (c *requestController) track(req *Request) {
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(c.cfg.DefaultTimeout)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rk := requestKey{key: req.Key, correlationID: req.CorrelationID}
	if _, inFlight := c.pending[rk]; inFlight {
		// Correlation ids are unique per (connection key, direction) while
		// in flight; a duplicate keeps the original deadline.
		return
	}
	c.pending[rk] = req
	heap.Push(&c.deadlines, req)
	c.perApp[uint32(req.Key)]++
}

// complete resolves a request when its response arrives. Returns false for
// unknown correlation ids.
func (c *requestController) complete(key protocol.ConnectionKey, correlationID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rk := requestKey{key: key, correlationID: correlationID}
	if _, inFlight := c.pending[rk]; !inFlight {
		return false
	}
	delete(c.pending, rk)
	c.perApp[uint32(key)]--
	// The heap entry stays behind; the sweep discards entries no longer in
	// the pending map.
	return true
}

// cancelAll terminates every pending request for the connection key. The
// transport disconnect is the universal cancellation signal.
func (c *requestController) cancelAll(key protocol.ConnectionKey) []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cancelled []*Request
	for rk, req := range c.pending {
		if rk.key == key {
			cancelled = append(cancelled, req)
			delete(c.pending, rk)
		}
	}
	delete(c.perApp, uint32(key))
	c.burst.forget(uint32(key))
	c.noneBurst.forget(uint32(key))
	return cancelled
}

// pendingCount reports in-flight requests for one app.
func (c *requestController) pendingCount(appID uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perApp[appID]
}

// sweep pops expired deadlines and invokes the timeout callback for
// requests still pending.
func (c *requestController) sweep() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *requestController) expire(now time.Time) {
	var timedOut []*Request
	c.mu.Lock()
	for c.deadlines.Len() > 0 {
		next := c.deadlines[0]
		if next.Deadline.After(now) {
			break
		}
		heap.Pop(&c.deadlines)
		rk := requestKey{key: next.Key, correlationID: next.CorrelationID}
		if pending, still := c.pending[rk]; still && pending == next {
			delete(c.pending, rk)
			c.perApp[uint32(next.Key)]--
			timedOut = append(timedOut, next)
		}
	}
	c.mu.Unlock()

	for _, req := range timedOut {
		slog.Warn("request deadline expired",
			"connection_key", req.Key, "correlation_id", req.CorrelationID)
		if c.onTimeout != nil {
			c.onTimeout(req)
		}
	}
}
