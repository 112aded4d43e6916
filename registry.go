package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Default pool names.
const (
	CPULightPool     = "cpuLight"
	IOPool           = "io"
	CPUIntensivePool = "cpuIntensive"
)

// DefaultPoolSpecs returns a light compute pool rejecting when saturated, an I/O pool and a heavy compute
// pool both queueing.
func DefaultPoolSpecs() []PoolSpec {
	cores := runtime.NumCPU()
	return []PoolSpec{
		{Name: CPULightPool, Size: 2 * cores, Policy: Reject},
		{Name: IOPool, Size: 256, Policy: Queue},
		{Name: CPUIntensivePool, Size: cores, Policy: Queue},
	}
}

// Registry holds the named pools of a process. Pools are built once and shared: every lookup goes through
// the registry instance.
type Registry struct {
	opts []PoolOption

	mu      sync.RWMutex
	pools   map[string]*WorkerPool
	stopped bool
}

// NewRegistry builds one pool per spec. If a pool cannot be built, the pools already built are stopped.
func NewRegistry(specs []PoolSpec, opts ...PoolOption) (*Registry, error) {
	if dup := lo.FindDuplicatesBy(specs, func(s PoolSpec) string { return s.Name }); len(dup) > 0 {
		return nil, fmt.Errorf("%w: pool %q declared twice", ErrInvalidConfig, dup[0].Name)
	}
	var err error
	result := &Registry{
		opts: opts,
		pools: lo.SliceToMap(lo.FilterMap(specs, func(spec PoolSpec, _ int) (pool *WorkerPool, ok bool) {
			if err != nil {
				return nil, false
			}
			pool, err = NewWorkerPool(spec, opts...)
			return pool, err == nil
		}), func(p *WorkerPool) (string, *WorkerPool) { return p.Name(), p }),
	}
	if err != nil {
		_ = result.Stop(context.Background()) // release eventually created pools
		return nil, err
	}
	return result, nil
}

// Lookup returns the pool registered under name.
func (r *Registry) Lookup(name string) (*WorkerPool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return nil, fmt.Errorf("%w: looking up %s", ErrRegistryStopped, name)
	}
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	return p, nil
}

// Has reports whether a pool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[name]
	return ok
}

// Names returns the sorted pool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := lo.Keys(r.pools)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Reprovision replaces a stopped pool with a fresh one built from the same spec. It does nothing when the
// pool is still running, and fails once the registry is stopped.
func (r *Registry) Reprovision(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("%w: reprovisioning %s", ErrRegistryStopped, name)
	}
	old, ok := r.pools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, name)
	}
	if !old.IsStopped() {
		return nil
	}
	pool, err := NewWorkerPool(old.Spec(), r.opts...)
	if err != nil {
		return err
	}
	r.pools[name] = pool
	return nil
}

// Submitter returns a Submitter resolving the named pool on every submission, so that it follows
// Reprovision.
func (r *Registry) Submitter(name string) Submitter {
	return &registrySubmitter{registry: r, name: name}
}

// Stop stops every pool. It is idempotent.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	pools := lo.Values(r.pools)
	r.mu.Unlock()

	return errors.Join(lo.Map(pools, func(p *WorkerPool, _ int) error { return p.Stop(ctx) })...)
}

// Submitter submits tasks to a pool.
type Submitter interface {
	Submit(ctx context.Context, task Task) (*Handle, error)
}

type registrySubmitter struct {
	registry *Registry
	name     string
}

func (s *registrySubmitter) Submit(ctx context.Context, task Task) (*Handle, error) {
	pool, err := s.registry.Lookup(s.name)
	if err != nil {
		if errors.Is(err, ErrRegistryStopped) {
			return nil, &RejectedError{Pool: s.name, Cause: ErrPoolStopped}
		}
		return nil, err
	}
	return pool.Submit(ctx, task)
}
