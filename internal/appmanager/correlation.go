package appmanager

import "sync/atomic"

// correlationSource issues correlation ids for HMI-originated requests.
// The counter is monotonic and wraps to zero at the 32-bit boundary.
type correlationSource struct {
	counter atomic.Uint32
}

func (c *correlationSource) next() uint32 {
	return c.counter.Add(1)
}
