package flow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sync/semaphore"
)

// permits is the max concurrency budget of a dispatcher.
type permits interface {
	// tryAcquire takes a permit if one is free.
	tryAcquire() bool
	// acquire blocks until a permit is free or ctx is done.
	acquire(ctx context.Context) error
	// acquireAsync calls fn with a permit held, right away if one is free, otherwise once one is released.
	acquireAsync(fn func())
	release()
	inFlight() int
}

func newPermits(maxConcurrency int) permits {
	if maxConcurrency <= 0 {
		return &unboundedPermits{}
	}
	return &boundedPermits{
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		waiters: queue.New(),
	}
}

type unboundedPermits struct {
	count atomic.Int64
}

func (p *unboundedPermits) tryAcquire() bool {
	p.count.Add(1)
	return true
}

func (p *unboundedPermits) acquire(context.Context) error {
	p.count.Add(1)
	return nil
}

func (p *unboundedPermits) acquireAsync(fn func()) {
	p.count.Add(1)
	fn()
}

func (p *unboundedPermits) release()      { p.count.Add(-1) }
func (p *unboundedPermits) inFlight() int { return int(p.count.Load()) }

// boundedPermits hands released permits to asynchronous waiters first, then back to the semaphore where
// blocked callers compete for it. No FIFO order is guaranteed between the two kinds of waiters.
type boundedPermits struct {
	sem   *semaphore.Weighted
	count atomic.Int64

	mu      sync.Mutex
	waiters *queue.Queue
}

func (p *boundedPermits) tryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.count.Add(1)
	return true
}

func (p *boundedPermits) acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.count.Add(1)
	return nil
}

func (p *boundedPermits) acquireAsync(fn func()) {
	p.mu.Lock()
	if !p.sem.TryAcquire(1) {
		p.waiters.Add(fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.count.Add(1)
	fn()
}

func (p *boundedPermits) release() {
	p.mu.Lock()
	if p.waiters.Length() > 0 {
		// the permit goes straight to the waiter
		fn := p.waiters.Remove().(func())
		p.mu.Unlock()
		go fn()
		return
	}
	p.count.Add(-1)
	p.sem.Release(1)
	p.mu.Unlock()
}

func (p *boundedPermits) inFlight() int { return int(p.count.Load()) }

func (p *boundedPermits) waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Length()
}
