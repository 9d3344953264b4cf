package workers

import (
	"context"
	"sync"
)

// Cycle adapts a cycle that reports a result into a Job and keeps the result of
// the latest run.
type Cycle[T any] struct {
	fn   func(ctx context.Context) (T, error)
	mu   sync.Mutex
	last T
}

func NewCycle[T any](fn func(ctx context.Context) (T, error)) *Cycle[T] {
	return &Cycle[T]{fn: fn}
}

func (c *Cycle[T]) Job(ctx context.Context) error {
	result, err := c.fn(ctx)
	c.mu.Lock()
	c.last = result
	c.mu.Unlock()
	return err
}

func (c *Cycle[T]) Last() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
