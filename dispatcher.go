package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Inline is the route target running a step on the calling goroutine.
const Inline = "inline"

// ExceptionContextProvider attaches diagnostic context to a step failure before it is surfaced.
type ExceptionContextProvider interface {
	ContextInfo(step Step, ev Event, cause error) map[string]any
}

// ExceptionContextProviderFunc adapts a function to ExceptionContextProvider.
type ExceptionContextProviderFunc func(step Step, ev Event, cause error) map[string]any

// ContextInfo implements ExceptionContextProvider.
func (f ExceptionContextProviderFunc) ContextInfo(step Step, ev Event, cause error) map[string]any {
	return f(step, ev, cause)
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	InFlight   int
	Waiting    int
	Executed   uint64
	Failed     uint64
	Overloaded uint64
}

// Dispatcher runs pipeline steps on the pool matching their processing type, within the max concurrency
// budget. A Dispatcher is immutable once built and safe for concurrent use: it holds no global lock, each
// execution only touches the permits and the chosen pool.
type Dispatcher struct {
	cfg        Config
	registry   *Registry
	submitters map[string]*RetryingSubmitter
	permits    permits
	providers  []ExceptionContextProvider
	recovery   func(pool string) RecoveryHook
	logger     zerolog.Logger
	metrics    Metrics

	executed   atomic.Uint64
	failed     atomic.Uint64
	overloaded atomic.Uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the dispatcher metrics.
func WithMetrics(metrics Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithExceptionContextProviders registers providers enriching step failures.
func WithExceptionContextProviders(providers ...ExceptionContextProvider) DispatcherOption {
	return func(d *Dispatcher) { d.providers = append(d.providers, providers...) }
}

// WithRecoveryHook overrides the hook called between two submissions to a pool which rejected a task. The
// default re-provisions the pool when it was stopped.
func WithRecoveryHook(hook func(pool string) RecoveryHook) DispatcherOption {
	return func(d *Dispatcher) { d.recovery = hook }
}

// NewDispatcher validates cfg against the registry and builds the dispatcher.
func NewDispatcher(cfg Config, registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	cfg = cfg.clone()
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		permits:  newPermits(int(cfg.MaxConcurrency)),
		logger:   zerolog.Nop(),
		metrics:  NilMetrics{},
	}
	d.recovery = func(pool string) RecoveryHook {
		return func(context.Context, int) error { return registry.Reprovision(pool) }
	}
	for _, opt := range opts {
		opt(d)
	}

	pools := lo.Without(lo.Uniq(lo.Values(cfg.Routes)), Inline)
	if missing := lo.Reject(pools, func(name string, _ int) bool { return registry.Has(name) }); len(missing) > 0 {
		return nil, fmt.Errorf("%w: routes target %v", ErrUnknownPool, missing)
	}
	d.submitters = lo.SliceToMap(pools, func(name string) (string, *RetryingSubmitter) {
		return name, NewRetryingSubmitter(registry.Submitter(name), cfg.Retry,
			WithRecovery(d.recovery(name)),
			WithRetryLogger(d.logger.With().Str("pool", name).Logger()))
	})
	return d, nil
}

// Config returns a copy of the dispatcher configuration.
func (d *Dispatcher) Config() Config { return d.cfg.clone() }

// Registry returns the registry the dispatcher submits to.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Route returns the pool running steps of the given type. It returns a nil pool for inline steps.
func (d *Dispatcher) Route(typ ProcessingType) (*WorkerPool, error) {
	name, err := d.route(typ)
	if err != nil || name == Inline {
		return nil, err
	}
	return d.registry.Lookup(name)
}

func (d *Dispatcher) route(typ ProcessingType) (string, error) {
	name, ok := d.cfg.Routes[typ]
	if !ok {
		return "", fmt.Errorf("%w: no route for %s", ErrUnknownPool, typ)
	}
	return name, nil
}

// Execute runs step on the pool matching its processing type and waits for its outcome.
//
// With the Wait strategy the caller blocks until a permit is free. With the Fail strategy an *OverloadError
// is returned right away when none is. A pool rejection surviving the retries is returned as an
// *OverloadError; a failure of the step itself as a *StepFailure. If ctx is done first, ctx.Err() is
// returned while the permit stays held until the step actually ends.
func (d *Dispatcher) Execute(ctx context.Context, step Step, ev Event) (Event, error) {
	if err := step.Validate(); err != nil {
		return ev, err
	}
	pool, err := d.route(step.Type)
	if err != nil {
		return ev, err
	}
	if d.cfg.Backpressure == Fail {
		if !d.permits.tryAcquire() {
			return ev, d.concurrencyOverload()
		}
	} else if err := d.permits.acquire(ctx); err != nil {
		return ev, err
	}
	d.metrics.RecordInFlight(d.permits.inFlight())

	results := make(chan Result, 1)
	d.run(ctx, pool, step, ev, false, func(out Event, err error) {
		results <- Result{Event: out, Err: err}
	})
	select {
	case r := <-results:
		return r.Event, r.Err
	case <-ctx.Done():
		return ev, ctx.Err()
	}
}

// ExecuteAsync runs step without blocking the caller, except with the Wait strategy and the WaitBlocking mode.
// done is called exactly once with the outcome. When the step ran on a pool, done is called on its own
// goroutine so that the worker is already back in the pool.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, step Step, ev Event, done Completion) {
	if err := step.Validate(); err != nil {
		done(ev, err)
		return
	}
	pool, err := d.route(step.Type)
	if err != nil {
		done(ev, err)
		return
	}
	start := func() {
		if err := ctx.Err(); err != nil {
			d.permits.release()
			done(ev, err)
			return
		}
		d.metrics.RecordInFlight(d.permits.inFlight())
		d.run(ctx, pool, step, ev, true, done)
	}

	switch {
	case d.cfg.Backpressure == Fail:
		if !d.permits.tryAcquire() {
			done(ev, d.concurrencyOverload())
			return
		}
		start()
	case d.cfg.WaitMode == WaitAsync:
		d.permits.acquireAsync(start)
	default:
		if err := d.permits.acquire(ctx); err != nil {
			done(ev, err)
			return
		}
		start()
	}
}

// run executes step with a permit held. The permit is released before done is called.
func (d *Dispatcher) run(ctx context.Context, pool string, step Step, ev Event, detach bool, done Completion) {
	var once sync.Once
	settle := func(out Event, err error, count func()) bool {
		settled := false
		once.Do(func() {
			settled = true
			if count != nil {
				count()
			}
			d.permits.release()
			d.metrics.RecordInFlight(d.permits.inFlight())
			if detach && pool != Inline {
				go done(out, err)
			} else {
				done(out, err)
			}
		})
		return settled
	}

	start := time.Now()
	finish := func(out Event, err error) {
		if err != nil {
			err = d.stepFailure(step, ev, err)
		}
		settled := settle(out, err, func() {
			d.metrics.RecordStepDuration(pool, step.Type, time.Since(start))
			if err != nil {
				d.failed.Add(1)
			} else {
				d.executed.Add(1)
			}
		})
		if !settled {
			d.logger.Debug().Str("step", step.Name).Msg("step completion signaled twice, ignoring")
		}
	}
	body := func(ctx context.Context) { d.invoke(ctx, step, ev, finish) }

	if pool == Inline {
		body(ctx)
		return
	}
	_, attempts, err := d.submitters[pool].submit(ctx, body)
	if err == nil {
		return
	}
	if errors.Is(err, ErrRejected) {
		d.overloaded.Add(1)
		d.metrics.RecordOverload("pool rejected")
		err = &OverloadError{Pool: pool, Reason: "pool rejected task", Attempts: attempts, Cause: err}
		d.logger.Warn().Err(err).Str("step", step.Name).Msg("back-pressure")
	}
	settle(ev, err, nil)
}

func (d *Dispatcher) invoke(ctx context.Context, step Step, ev Event, finish Completion) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("step", step.Name).Msg("step panicked")
			finish(ev, fmt.Errorf("%w: %v", ErrTaskPanicked, r))
		}
	}()
	if step.ProcessAsync != nil {
		step.ProcessAsync(ctx, ev, finish)
		return
	}
	out, err := step.Process(ctx, ev)
	finish(out, err)
}

func (d *Dispatcher) stepFailure(step Step, ev Event, cause error) error {
	failure := &StepFailure{Step: step.Name, Cause: cause}
	if returned, ok := cause.(*StepFailure); ok {
		// the step may return the same failure more than once, providers enrich a copy
		cp := *returned
		failure = &cp
	}
	for _, provider := range d.providers {
		if info := provider.ContextInfo(step, ev, cause); len(info) > 0 {
			failure.Info = lo.Assign(failure.Info, info)
		}
	}
	return failure
}

func (d *Dispatcher) concurrencyOverload() error {
	d.overloaded.Add(1)
	d.metrics.RecordOverload("max concurrency")
	return &OverloadError{Reason: fmt.Sprintf("max concurrency %d reached", d.cfg.MaxConcurrency)}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		InFlight:   d.permits.inFlight(),
		Executed:   d.executed.Load(),
		Failed:     d.failed.Load(),
		Overloaded: d.overloaded.Load(),
	}
	if bp, ok := d.permits.(*boundedPermits); ok {
		s.Waiting = bp.waiting()
	}
	return s
}

// Stop stops every pool of the registry.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.registry.Stop(ctx)
}
