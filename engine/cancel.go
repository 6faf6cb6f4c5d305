package engine

import "sync"

// Cancel is a cooperative cancellation token. Engines poll it at every loop
// iteration and before each write; blocking points can also select on Chan.
// Set is idempotent and safe from any goroutine.
type Cancel struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
}

// NewCancel creates an unset token.
func NewCancel() *Cancel {
	return &Cancel{done: make(chan struct{})}
}

// Set marks the token cancelled and closes Chan.
func (c *Cancel) Set() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.set = true
		close(c.done)
	}
}

// Cancelled reports whether Set has been called.
func (c *Cancel) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Chan is closed once the token is set. Useful in selects.
func (c *Cancel) Chan() <-chan struct{} {
	return c.done
}
