package command

import (
	"context"
	"fmt"
	"sync"
)

// Correlator tracks outstanding requests by request_id and resolves
// them when a matching Response arrives, dropping anything that doesn't
// match an outstanding request_id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan *Response
}

// NewCorrelator constructs an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan *Response)}
}

// Await registers requestID as outstanding and blocks until a matching
// Response arrives via Resolve or ctx is cancelled. Abandon does not
// wake a blocked Await; it only stops later Resolve calls from matching.
func (c *Correlator) Await(ctx context.Context, requestID string) (*Response, error) {
	ch := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await response %s: %w", requestID, ctx.Err())
	}
}

// Resolve delivers resp to whichever Await call is waiting on its
// request_id. It reports false (and drops the response) if no such
// call is outstanding.
func (c *Correlator) Resolve(resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// Abandon removes requestID from the outstanding set without resolving
// it, used on explicit cancellation.
func (c *Correlator) Abandon(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}
