package flow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// RejectPolicy tells a pool what to do with a task when every worker is busy.
type RejectPolicy uint8

const (
	// Queue makes the submitter wait for a worker, up to the pool queue size.
	Queue RejectPolicy = iota
	// Reject refuses the task immediately.
	Reject
)

func (p RejectPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "queue"
}

// MarshalText implements encoding.TextMarshaler.
func (p RejectPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *RejectPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "queue":
		*p = Queue
	case "reject":
		*p = Reject
	default:
		return fmt.Errorf("%w: unknown reject policy %q", ErrInvalidConfig, text)
	}
	return nil
}

// PoolSpec describes a worker pool.
type PoolSpec struct {
	Name string `yaml:"name"`
	// Size is the number of workers. 0 or less means unbounded.
	Size int `yaml:"size"`
	// QueueSize is the number of submitters allowed to wait for a worker with the Queue policy. 0 means unbounded.
	QueueSize int          `yaml:"queueSize"`
	Policy    RejectPolicy `yaml:"policy"`
}

// Task is the function run by a pool worker. Its context identifies the pool owning the worker.
type Task func(ctx context.Context)

// Handle tracks a submitted task.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the task returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task returned or ctx is done. It returns ErrTaskPanicked if the task panicked.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ownerKey struct{}

// ownerOf returns the pool running the worker ctx belongs to, if any.
func ownerOf(ctx context.Context) *WorkerPool {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(ownerKey{}).(*WorkerPool)
	return p
}

// RunsOn reports whether ctx is the context of a task running on p.
func RunsOn(ctx context.Context, p *WorkerPool) bool {
	return p != nil && ownerOf(ctx) == p
}

// CurrentPool returns the name of the pool running the task ctx belongs to, or "" outside any pool.
func CurrentPool(ctx context.Context) string {
	if p := ownerOf(ctx); p != nil {
		return p.spec.Name
	}
	return ""
}

// WorkerPool is a named goroutine pool. It is shared by every pipeline using it and only mutated through
// Submit and Stop.
type WorkerPool struct {
	spec    PoolSpec
	pool    *ants.Pool
	logger  zerolog.Logger
	metrics Metrics
	stopped atomic.Bool

	mu       sync.Mutex
	failures []error
}

// PoolOption configures pools.
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger   zerolog.Logger
	metrics  Metrics
	antsOpts []ants.Option
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = logger }
}

// WithPoolMetrics sets the pool metrics.
func WithPoolMetrics(metrics Metrics) PoolOption {
	return func(o *poolOptions) { o.metrics = metrics }
}

// WithAntsOptions passes options to the underlying ants pool. They are applied after the ones derived from the spec.
func WithAntsOptions(opts ...ants.Option) PoolOption {
	return func(o *poolOptions) { o.antsOpts = append(o.antsOpts, opts...) }
}

func buildPoolOptions(opts []PoolOption) poolOptions {
	o := poolOptions{logger: zerolog.Nop(), metrics: NilMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// antsLogger forwards ants messages to zerolog.
type antsLogger struct {
	logger zerolog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

// NewWorkerPool builds a pool from its spec.
func NewWorkerPool(spec PoolSpec, opts ...PoolOption) (*WorkerPool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: pool without name", ErrInvalidConfig)
	}
	if spec.Name == Inline {
		return nil, fmt.Errorf("%w: pool name %q is reserved", ErrInvalidConfig, Inline)
	}
	if spec.QueueSize < 0 {
		return nil, fmt.Errorf("%w: pool %s has a negative queue size", ErrInvalidConfig, spec.Name)
	}
	o := buildPoolOptions(opts)
	logger := o.logger.With().Str("pool", spec.Name).Logger()

	antsOpts := []ants.Option{ants.WithLogger(antsLogger{logger: logger})}
	if spec.Policy == Reject {
		antsOpts = append(antsOpts, ants.WithNonblocking(true))
	} else {
		antsOpts = append(antsOpts, ants.WithMaxBlockingTasks(spec.QueueSize))
	}
	pool, err := ants.NewPool(spec.Size, append(antsOpts, o.antsOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating pool %s: %w", spec.Name, err)
	}
	return &WorkerPool{spec: spec, pool: pool, logger: logger, metrics: o.metrics}, nil
}

// Name returns the pool name.
func (p *WorkerPool) Name() string { return p.spec.Name }

// Spec returns the spec the pool was built from.
func (p *WorkerPool) Spec() PoolSpec { return p.spec }

// Running returns the number of busy workers.
func (p *WorkerPool) Running() int { return p.pool.Running() }

// Waiting returns the number of submitters waiting for a worker.
func (p *WorkerPool) Waiting() int { return p.pool.Waiting() }

// IsStopped reports whether Stop succeeded.
func (p *WorkerPool) IsStopped() bool { return p.stopped.Load() }

// Submit runs task on a worker. It fails with a *RejectedError when the pool is saturated and its policy is
// Reject, when too many submitters already wait with the Queue policy, or when the pool is stopped.
func (p *WorkerPool) Submit(ctx context.Context, task Task) (*Handle, error) {
	if p.stopped.Load() {
		return nil, p.rejected(ErrPoolStopped)
	}
	h := newHandle()
	taskCtx := context.WithValue(ctx, ownerKey{}, p)
	if err := p.pool.Submit(func() { p.run(taskCtx, task, h) }); err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrPoolStopped
		}
		return nil, p.rejected(err)
	}
	return h, nil
}

func (p *WorkerPool) rejected(cause error) error {
	reason := "saturated"
	if errors.Is(cause, ErrPoolStopped) {
		reason = "stopped"
	}
	p.metrics.RecordRejected(p.spec.Name, reason)
	return &RejectedError{Pool: p.spec.Name, Cause: cause}
}

func (p *WorkerPool) run(ctx context.Context, task Task, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
			h.finish(fmt.Errorf("%w on pool %s: %v", ErrTaskPanicked, p.spec.Name, r))
			return
		}
		h.finish(nil)
	}()
	task(ctx)
}

// Stop releases the workers. Further submissions are rejected. Stop is idempotent.
//
// Stopping a pool from one of its own tasks (ctx being that task context) is a programming error: it is
// recorded, logged and returned as a *SelfShutdownError, and the pool keeps running. The check relies on ctx
// alone: a task passing a context not derived from its own, such as context.Background(), is not detected
// and stops the pool. Registry.Stop and Dispatcher.Stop forward ctx and get the same check.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if RunsOn(ctx, p) {
		err := &SelfShutdownError{Pool: p.spec.Name}
		p.mu.Lock()
		p.failures = append(p.failures, err)
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("refusing to stop pool from its own worker")
		return err
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.pool.Release()
	p.logger.Debug().Msg("pool stopped")
	return nil
}

// Failures returns the programming errors recorded by the pool.
func (p *WorkerPool) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}
