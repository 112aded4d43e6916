package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Identity returns the event unchanged.
func Identity(_ context.Context, ev Event) (Event, error) {
	return ev, nil
}

// Link merges several processors into one, applied in order. It stops at the first error.
func Link(procs ...Processor) Processor {
	return func(ctx context.Context, ev Event) (Event, error) {
		r := lo.Reduce(procs, func(r Result, proc Processor, _ int) Result {
			if r.Err != nil {
				return r
			}
			out, err := proc(ctx, r.Event)
			return Result{Event: out, Err: err}
		}, Result{Event: ev})
		return r.Event, r.Err
	}
}

// AsAsync turns a processor into an asynchronous one signaling done once it returned.
func AsAsync(proc Processor) AsyncProcessor {
	return func(ctx context.Context, ev Event, done Completion) {
		done(proc(ctx, ev))
	}
}

// Split defines how a parent event splits into child events.
type Split func(parent Event, out chan<- Event)

// Merge folds the outcomes of the children, in split order, back into the parent event.
type Merge func(parent Event, children []Result) (Event, error)

// ForkJoin combines Split and Merge since they are linked: parent -(Split)-> [children...] -(Merge)-> parent.
type ForkJoin struct {
	split Split
	merge Merge
}

// NewForkJoin creates a ForkJoin from Split and Merge functions.
func NewForkJoin(split Split, merge Merge) (ForkJoin, error) {
	result := ForkJoin{split, merge}
	return result, result.Validate()
}

// Validate checks both functions are set.
func (f ForkJoin) Validate() error {
	if f.split == nil || f.merge == nil {
		return fmt.Errorf("%w (nil split: %t, nil merge: %t)", ErrInvalidForkJoin, f.split == nil, f.merge == nil)
	}
	return nil
}

func (f ForkJoin) children(parent Event) []Event {
	in := make(chan Event)
	go func() {
		defer close(in)
		f.split(parent, in)
	}()
	return lo.ChannelToSlice(in)
}

// Pipeline is an ordered list of steps run through a dispatcher. It drives the EventContext of every event it
// processes: a root context is created for events without one, and it receives the pipeline outcome.
type Pipeline struct {
	name       string
	dispatcher *Dispatcher
	steps      []Step
	handler    ExceptionHandler
	logger     zerolog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineExceptionHandler sets the exception handler of the contexts created by the pipeline.
func WithPipelineExceptionHandler(handler ExceptionHandler) PipelineOption {
	return func(p *Pipeline) { p.handler = handler }
}

// WithPipelineLogger sets the logger of the pipeline and of the contexts it creates.
func WithPipelineLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline builds a pipeline. Every step must carry some logic.
func NewPipeline(name string, dispatcher *Dispatcher, steps []Step, opts ...PipelineOption) (*Pipeline, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: pipeline %s has no dispatcher", ErrInvalidConfig, name)
	}
	for _, step := range steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
	}
	p := &Pipeline{name: name, dispatcher: dispatcher, steps: steps, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("pipeline", name).Logger()
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Dispatcher returns the dispatcher running the steps.
func (p *Pipeline) Dispatcher() *Dispatcher { return p.dispatcher }

func (p *Pipeline) contextOptions() []ContextOption {
	opts := []ContextOption{WithContextLogger(p.logger)}
	if p.handler != nil {
		opts = append(opts, WithExceptionHandler(p.handler))
	}
	return opts
}

func (p *Pipeline) ensureContext(ev Event) Event {
	if ev.Context == nil {
		ev.Context = NewEventContext(p.contextOptions()...)
	}
	return ev
}

// Process runs every step and waits for the response of the event context.
func (p *Pipeline) Process(ctx context.Context, ev Event) (Event, error) {
	ev = p.ensureContext(ev)
	response, err := ev.Context.GetResponse()
	if err != nil {
		return ev, err
	}
	current := ev
	for _, step := range p.steps {
		out, err := p.dispatcher.Execute(ctx, step, current)
		if err != nil {
			ev.Context.Error(&MessagingError{Event: current, Cause: err})
			return response.Wait(ctx)
		}
		out.Context = ev.Context
		current = out
	}
	ev.Context.Success(current)
	return response.Wait(ctx)
}

// Dispatch runs the steps asynchronously and returns the event context, which receives the outcome.
// onResponse listeners are registered before the first step starts: a context without children is
// terminated as soon as it responds, so listeners added on the returned context may come too late.
func (p *Pipeline) Dispatch(ctx context.Context, ev Event, onResponse ...Listener) *EventContext {
	ev = p.ensureContext(ev)
	for _, l := range onResponse {
		ev.Context.OnResponse(l)
	}
	p.next(ctx, 0, ev)
	return ev.Context
}

func (p *Pipeline) next(ctx context.Context, i int, ev Event) {
	if i == len(p.steps) {
		ev.Context.Success(ev)
		return
	}
	p.dispatcher.ExecuteAsync(ctx, p.steps[i], ev, func(out Event, err error) {
		if err != nil {
			ev.Context.Error(&MessagingError{Event: ev, Cause: err})
			return
		}
		out.Context = ev.Context
		p.next(ctx, i+1, out)
	})
}

// Run dispatches every event received on in and outputs their responses, in completion order. The output
// channel is closed once in is closed and every response was sent.
func (p *Pipeline) Run(ctx context.Context, in <-chan Event) <-chan Result {
	out := make(chan Result)

	go func() {
		var wg sync.WaitGroup
		for ev := range in {
			wg.Add(1)
			p.Dispatch(ctx, ev, func(res Event, err error) {
				defer wg.Done()
				out <- Result{Event: res, Err: err}
			})
		}
		// Wait for all dispatched events to respond, to close out channel
		wg.Wait()
		close(out)
	}()

	return out
}

// Stop stops the pools of the pipeline dispatcher.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.dispatcher.Stop(ctx)
}

// Wrap creates a step splitting its event into children, each processed by route in a child EventContext,
// then merged. The step ends once every child responded; the parent context only completes once every child
// context completed.
//
// route should use a dispatcher of its own when the parent one has a bounded max concurrency: the wrapping
// step keeps its permit while the children run.
func Wrap(name string, typ ProcessingType, route *Pipeline, fj ForkJoin) Step {
	return NewAsyncStep(name, typ, func(ctx context.Context, parent Event, done Completion) {
		if err := fj.Validate(); err != nil {
			done(parent, err)
			return
		}
		fork(ctx, parent, fj.children(parent), func(int) *Pipeline { return route }, fj.merge, done)
	})
}

// ScatterGather creates a step sending a copy of its event to every route in parallel and merging their
// responses, in route order.
func ScatterGather(name string, typ ProcessingType, merge Merge, routes ...*Pipeline) (Step, error) {
	if len(routes) == 0 || merge == nil {
		return Step{}, fmt.Errorf("%w: scatter-gather %s needs routes and a merge", ErrInvalidForkJoin, name)
	}
	return NewAsyncStep(name, typ, func(ctx context.Context, parent Event, done Completion) {
		children := lo.Map(routes, func(_ *Pipeline, _ int) Event { return parent })
		fork(ctx, parent, children, func(i int) *Pipeline { return routes[i] }, merge, done)
	}), nil
}

func fork(ctx context.Context, parent Event, children []Event, routeFor func(int) *Pipeline, merge Merge, done Completion) {
	if len(children) == 0 {
		done(safeMerge(merge, parent, nil))
		return
	}
	results := make([]Result, len(children))
	var remaining atomic.Int32
	remaining.Store(int32(len(children)))
	collect := func(i int, ev Event, err error) {
		results[i] = Result{Event: ev, Err: err}
		if remaining.Add(-1) == 0 {
			done(safeMerge(merge, parent, results))
		}
	}

	for i, child := range children {
		i, child := i, child
		route := routeFor(i)
		child.Context = nil
		if parent.Context != nil {
			cc, err := parent.Context.NewChild(route.contextOptions()...)
			if err != nil {
				collect(i, child, err)
				continue
			}
			child.Context = cc
		}
		route.Dispatch(ctx, child, func(ev Event, err error) { collect(i, ev, err) })
	}
}

func safeMerge(merge Merge, parent Event, children []Result) (ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = parent, fmt.Errorf("%w: merge: %v", ErrTaskPanicked, r)
		}
	}()
	return merge(parent, children)
}
