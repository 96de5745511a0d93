package sensordataexport

import (
	"context"
	"sync"
)

// privateContext runs submitted work one item at a time on a dedicated goroutine.
type privateContext struct {
	closedLock sync.RWMutex
	closed     bool
	work       chan func()
	done       chan struct{}
}

func newPrivateContext() *privateContext {
	c := &privateContext{
		work: make(chan func()),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *privateContext) run() {
	defer close(c.done)
	for fn := range c.work {
		fn()
	}
}

// performAndWait runs fn on the context and returns its error. If ctx ends first
// the call returns ctx.Err(); fn may still run afterwards if it was already queued.
func (c *privateContext) performAndWait(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)

	c.closedLock.RLock()
	if c.closed {
		c.closedLock.RUnlock()
		return ErrStoreClosed
	}
	select {
	case c.work <- func() { errCh <- fn() }:
	case <-ctx.Done():
		c.closedLock.RUnlock()
		return ctx.Err()
	}
	c.closedLock.RUnlock()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains queued work and stops the goroutine. Safe to call more than once.
func (c *privateContext) close() {
	c.closedLock.Lock()
	if !c.closed {
		c.closed = true
		close(c.work)
	}
	c.closedLock.Unlock()
	<-c.done
}
