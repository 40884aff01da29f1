// Package infra holds small process-wide resource primitives shared by the
// engine: concurrency pools and retry backoff.
package infra

import "context"

// Pool bounds concurrent use of a shared resource, such as LLM inference or
// tool execution slots. Cross-session parallelism is limited only by these
// pools.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given number of slots. Sizes below one are
// clamped to one.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or the context is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot to the pool.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
		// Release without a matching acquire is a programming error; swallow
		// rather than block.
	}
}

// InUse reports the number of currently held slots.
func (p *Pool) InUse() int {
	return len(p.slots)
}
