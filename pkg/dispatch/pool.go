package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Do after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Pool bounds the number of operations that may occupy an OS thread for a
// long time (file downloads, subprocess invocations). It is constructed and
// sized explicitly at startup and shut down explicitly; there is no process
// global.
type Pool struct {
	sem chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Do runs fn on a pool slot and waits for it to finish. If ctx expires while
// waiting for a slot or for fn, Do returns the context error; fn keeps its
// slot until it returns, so it must honour ctx itself to release promptly.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for in-flight operations to drain.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
