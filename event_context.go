package flow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// State is the completion state of an EventContext. It only moves forward.
type State uint32

const (
	// Ready is the initial state: no response produced yet.
	Ready State = iota
	// ResponseProduced is reached on the first Success or Error.
	ResponseProduced
	// Complete is reached once the response is produced and every child is complete.
	Complete
	// Terminated is reached once complete and the external completion, if any, is done. Resources are released.
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case ResponseProduced:
		return "response"
	case Complete:
		return "complete"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Listener is notified of a context transition with the response event or the failure.
type Listener func(ev Event, err error)

// ExceptionHandler routes a MessagingError given to EventContext.Error. Returning a nil error turns the failure
// into a successful response carrying the returned event; otherwise the returned error becomes the response.
type ExceptionHandler func(err *MessagingError) (Event, error)

type outcome struct {
	ev  Event
	err error
}

// EventContext tracks the completion of a unit of work and of the work derived from it.
//
// A context owns its children. A child only keeps a back-reference to its parent, used to propagate completion
// upward and cleared on termination. Transitions are guarded by a per-context mutex, the child list by a
// read/write lock; listeners always run with no lock held.
type EventContext struct {
	id            string
	correlationID string
	depth         int
	handler       ExceptionHandler
	external      <-chan struct{}
	logger        zerolog.Logger

	state atomic.Uint32

	mu       sync.Mutex
	parent   *EventContext
	result   *outcome
	response *Response
	// firing is set while the listeners of a transition run, to keep the next transition behind them.
	firing           bool
	onBeforeResponse []Listener
	onResponse       []Listener
	onComplete       []Listener
	onTerminated     []Listener

	childMu  sync.RWMutex
	children []*EventContext
}

// ContextOption configures an EventContext.
type ContextOption func(*EventContext)

// WithExceptionHandler sets the handler MessagingErrors are routed through.
func WithExceptionHandler(handler ExceptionHandler) ContextOption {
	return func(c *EventContext) { c.handler = handler }
}

// WithExternalCompletion delays termination until done is closed, e.g. until a transport acknowledged the
// response. Closing done on abandonment terminates the context as well.
func WithExternalCompletion(done <-chan struct{}) ContextOption {
	return func(c *EventContext) { c.external = done }
}

// WithCorrelationID overrides the correlation ID. Children inherit their parent's by default.
func WithCorrelationID(id string) ContextOption {
	return func(c *EventContext) { c.correlationID = id }
}

// WithContextLogger sets the logger. Children inherit their parent's by default.
func WithContextLogger(logger zerolog.Logger) ContextOption {
	return func(c *EventContext) { c.logger = logger }
}

// NewEventContext creates a root context.
func NewEventContext(opts ...ContextOption) *EventContext {
	c := newEventContext(0, "", zerolog.Nop(), opts)
	c.watchExternal()
	return c
}

func newEventContext(depth int, correlationID string, logger zerolog.Logger, opts []ContextOption) *EventContext {
	id := uuid.Must(uuid.NewV7()).String()
	c := &EventContext{
		id:            id,
		correlationID: lo.Ternary(correlationID == "", id, correlationID),
		depth:         depth,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("event_context", c.id).Logger()
	return c
}

func (c *EventContext) watchExternal() {
	if c.external == nil {
		return
	}
	go func() {
		<-c.external
		c.tryTerminate()
	}()
}

// NewChild creates a context for nested work, owned by c. It fails with ErrIllegalState once c is complete.
func (c *EventContext) NewChild(opts ...ContextOption) (*EventContext, error) {
	child := newEventContext(c.depth+1, c.correlationID, c.logger, opts)
	child.parent = c

	c.childMu.Lock()
	if c.State() >= Complete {
		c.childMu.Unlock()
		return nil, fmt.Errorf("%w: cannot add a child to %s context %s", ErrIllegalState, c.State(), c.id)
	}
	c.children = append(c.children, child)
	c.childMu.Unlock()

	child.watchExternal()
	return child, nil
}

// ID returns the unique ID of the context.
func (c *EventContext) ID() string { return c.id }

// CorrelationID returns the ID shared by a root context and its descendants.
func (c *EventContext) CorrelationID() string { return c.correlationID }

// Depth returns 0 for a root context, its parent's depth plus one otherwise.
func (c *EventContext) Depth() int { return c.depth }

// State returns the current state.
func (c *EventContext) State() State { return State(c.state.Load()) }

// IsComplete reports whether the context is complete or terminated.
func (c *EventContext) IsComplete() bool { return c.State() >= Complete }

// IsTerminated reports whether the context is terminated.
func (c *EventContext) IsTerminated() bool { return c.State() == Terminated }

// Parent returns the parent context, nil for a root or once terminated.
func (c *EventContext) Parent() *EventContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// Root returns the topmost ancestor still attached.
func (c *EventContext) Root() *EventContext {
	if p := c.Parent(); p != nil {
		return p.Root()
	}
	return c
}

// Children returns a snapshot of the children not yet terminated.
func (c *EventContext) Children() []*EventContext {
	c.childMu.RLock()
	defer c.childMu.RUnlock()
	return append([]*EventContext(nil), c.children...)
}

// ForEachChild calls fn on every descendant not yet terminated, depth first.
func (c *EventContext) ForEachChild(fn func(*EventContext)) {
	for _, child := range c.Children() {
		if child.IsTerminated() {
			continue
		}
		fn(child)
		child.ForEachChild(fn)
	}
}

// Success produces the response. Only the first of Success, SuccessEmpty and Error has effect.
func (c *EventContext) Success(ev Event) {
	c.respond(outcome{ev: ev}, "response completed with result")
}

// SuccessEmpty produces a response without event.
func (c *EventContext) SuccessEmpty() {
	c.respond(outcome{}, "response completed with no result")
}

// Error produces a failed response. A MessagingError is first offered to the exception handler, which
// decides whether the response is a success or a failure.
func (c *EventContext) Error(err error) {
	if c.State() >= ResponseProduced {
		c.logger.Debug().Err(err).Msg("error response was already completed, ignoring")
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: nil error given as response", ErrIllegalState)
	}
	var merr *MessagingError
	if c.handler != nil && errors.As(err, &merr) {
		ev, rethrown := c.handle(merr)
		if rethrown == nil {
			c.Success(ev)
			return
		}
		err = rethrown
	}
	c.respond(outcome{err: err}, "response completed with error")
}

func (c *EventContext) handle(merr *MessagingError) (ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("exception handler failed")
			ev, err = Event{}, merr
		}
	}()
	return c.handler(merr)
}

func (c *EventContext) respond(o outcome, msg string) {
	c.mu.Lock()
	if c.State() != Ready {
		c.mu.Unlock()
		c.logger.Debug().Msg("response was already completed, ignoring")
		return
	}
	c.result = &o
	c.state.Store(uint32(ResponseProduced))
	c.firing = true
	before, on := c.onBeforeResponse, c.onResponse
	c.onBeforeResponse, c.onResponse = nil, nil
	c.mu.Unlock()

	c.logger.Debug().Msg(msg)
	c.signal(before, o)
	c.signal(on, o)
	c.doneFiring()
	c.tryComplete()
}

func (c *EventContext) doneFiring() {
	c.mu.Lock()
	c.firing = false
	c.mu.Unlock()
}

// tryComplete moves to Complete when the response is produced and every child is complete, then propagates
// to the parent. Locks are only ever taken on one context at a time.
func (c *EventContext) tryComplete() {
	c.childMu.RLock()
	allChildrenComplete := lo.EveryBy(c.children, (*EventContext).IsComplete)

	c.mu.Lock()
	if c.State() != ResponseProduced || c.firing || !allChildrenComplete {
		c.mu.Unlock()
		c.childMu.RUnlock()
		return
	}
	c.state.Store(uint32(Complete))
	c.firing = true
	listeners := c.onComplete
	c.onComplete = nil
	o := *c.result
	parent := c.parent
	c.mu.Unlock()
	c.childMu.RUnlock()

	c.logger.Debug().Msg("completed")
	c.signal(listeners, o)
	c.doneFiring()
	if parent != nil {
		parent.tryComplete()
	}
	c.tryTerminate()
}

func (c *EventContext) externalDone() bool {
	if c.external == nil {
		return true
	}
	select {
	case <-c.external:
		return true
	default:
		return false
	}
}

// tryTerminate moves to Terminated when complete and the external completion is done. The child list, the
// result and the listeners are released and the context detaches from its parent.
func (c *EventContext) tryTerminate() {
	c.mu.Lock()
	if c.State() != Complete || c.firing || !c.externalDone() {
		c.mu.Unlock()
		return
	}
	c.state.Store(uint32(Terminated))
	listeners := c.onTerminated
	o := *c.result
	parent := c.parent
	c.parent = nil
	c.result = nil
	c.onBeforeResponse, c.onResponse, c.onComplete, c.onTerminated = nil, nil, nil, nil
	c.mu.Unlock()

	c.logger.Debug().Msg("terminated")
	c.signal(listeners, o)

	c.childMu.Lock()
	c.children = nil
	c.childMu.Unlock()

	if parent != nil {
		parent.removeChild(c)
	}
}

func (c *EventContext) removeChild(child *EventContext) {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	c.children = lo.Without(c.children, child)
}

// OnBeforeResponse registers a listener notified when the response is produced, before the OnResponse ones.
func (c *EventContext) OnBeforeResponse(l Listener) { c.register(ResponseProduced, &c.onBeforeResponse, l) }

// OnResponse registers a listener notified when the response is produced.
func (c *EventContext) OnResponse(l Listener) { c.register(ResponseProduced, &c.onResponse, l) }

// OnComplete registers a listener notified when the context and all its children are complete.
func (c *EventContext) OnComplete(l Listener) { c.register(Complete, &c.onComplete, l) }

// OnTerminated registers a listener notified when the context is terminated.
func (c *EventContext) OnTerminated(l Listener) { c.register(Terminated, &c.onTerminated, l) }

// register queues l, or notifies it right away when the transition already happened. After termination the
// result is gone: l gets the response cached by GetResponse if any, otherwise an ErrIllegalState error.
func (c *EventContext) register(reached State, list *[]Listener, l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	if c.State() >= reached {
		o, ok := c.outcome()
		c.mu.Unlock()
		if !ok {
			c.logger.Warn().Msg("listener registered after termination, response is gone")
			o = outcome{err: fmt.Errorf("%w: listener registered after context %s termination", ErrIllegalState, c.id)}
		}
		c.signalSilently(l, o)
		return
	}
	*list = append(*list, l)
	c.mu.Unlock()
}

// outcome returns the result, or the response cached once terminated. c.mu must be held.
func (c *EventContext) outcome() (outcome, bool) {
	if c.result != nil {
		return *c.result, true
	}
	if c.response != nil {
		if res, ok := c.response.Peek(); ok {
			return outcome{ev: res.Event, err: res.Err}, true
		}
	}
	return outcome{}, false
}

func (c *EventContext) signal(listeners []Listener, o outcome) {
	for _, l := range listeners {
		c.signalSilently(l, o)
	}
}

func (c *EventContext) signalSilently(l Listener, o outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("event listener failed")
		}
	}()
	l(o.ev, o.err)
}

// GetResponse returns a handle on the response. Once resolved, the handle stays valid after termination.
// Asking for it for the first time after termination fails with ErrIllegalState.
func (c *EventContext) GetResponse() (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response != nil {
		return c.response, nil
	}
	if c.State() == Terminated {
		return nil, fmt.Errorf("%w: GetResponse cannot be called after context %s termination", ErrIllegalState, c.id)
	}
	r := newResponse()
	c.response = r
	if c.result != nil {
		r.resolve(*c.result)
		return r, nil
	}
	c.onResponse = append(c.onResponse, func(ev Event, err error) { r.resolve(outcome{ev: ev, err: err}) })
	return r, nil
}

func (c *EventContext) String() string {
	return fmt.Sprintf("EventContext{id=%s, correlationId=%s, state=%s, depth=%d}", c.id, c.correlationID, c.State(), c.depth)
}

const dumpTabSize = 4

// Dump renders the tree of contexts below c, one per line, marking highlight with "=> ".
func (c *EventContext) Dump(highlight *EventContext) string {
	var b strings.Builder
	c.dump(&b, 0, highlight)
	return b.String()
}

func (c *EventContext) dump(b *strings.Builder, level int, highlight *EventContext) {
	if level > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Repeat(" ", level*dumpTabSize))
	}
	if c == highlight {
		b.WriteString("=> ")
	}
	b.WriteString(c.String())
	for _, child := range c.Children() {
		child.dump(b, level+1, highlight)
	}
}
