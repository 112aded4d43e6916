package flow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fogfactory/flow"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

// transitions records the transitions of an event context, in order.
type transitions struct {
	mu  sync.Mutex
	log []string
}

func (tr *transitions) add(name string) flow.Listener {
	return func(flow.Event, error) {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.log = append(tr.log, name)
	}
}

func (tr *transitions) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.log...)
}

func watch(c *flow.EventContext) *transitions {
	tr := &transitions{}
	c.OnBeforeResponse(tr.add("before-response"))
	c.OnResponse(tr.add("response"))
	c.OnComplete(tr.add("complete"))
	c.OnTerminated(tr.add("terminated"))
	return tr
}

func newChild(t testing.TB, parent *flow.EventContext, opts ...flow.ContextOption) *flow.EventContext {
	child, err := parent.NewChild(opts...)
	td.Require(t).CmpNoError(err)
	return child
}

func TestEventContext(t *testing.T) {
	ctx := context.Background()

	t.Run("complete_and_terminated_in_same_step", func(t *testing.T) {
		// Arrange
		c := flow.NewEventContext()
		tr := watch(c)
		td.Cmp(t, c.State(), flow.Ready)

		// Act
		c.Success(flow.Event{Payload: "done"})

		// Assert
		td.Cmp(t, c.State(), flow.Terminated)
		td.CmpTrue(t, c.IsComplete())
		td.CmpTrue(t, c.IsTerminated())
		td.Cmp(t, tr.get(), []string{"before-response", "response", "complete", "terminated"})
	})

	t.Run("first_write_wins", func(t *testing.T) {
		// Arrange
		c := flow.NewEventContext()
		pending := newChild(t, c) // keeps c at ResponseProduced
		var responses []any
		c.OnResponse(func(ev flow.Event, err error) { responses = append(responses, ev.Payload, err) })
		response, err := c.GetResponse()
		td.Require(t).CmpNoError(err)

		// Act
		c.Success(flow.Event{Payload: "first"})
		c.Error(errors.New("second"))
		c.Success(flow.Event{Payload: "third"})
		c.SuccessEmpty()

		// Assert
		td.Cmp(t, c.State(), flow.ResponseProduced)
		td.Cmp(t, responses, []any{"first", nil})
		out, err := response.Wait(ctx)
		td.CmpNoError(t, err)
		td.Cmp(t, out.Payload, "first")
		pending.SuccessEmpty()
		td.Cmp(t, c.State(), flow.Terminated)
	})

	t.Run("first_error_wins", func(t *testing.T) {
		c := flow.NewEventContext()
		boom := errors.New("boom")

		c.Error(boom)
		c.Success(flow.Event{Payload: "late"})

		var got error
		c.OnResponse(func(_ flow.Event, err error) { got = err })
		td.Cmp(t, got, nil, "listener registered after termination gets no result")
		td.Cmp(t, c.State(), flow.Terminated)
	})

	t.Run("parent_waits_for_children", func(t *testing.T) {
		// Arrange
		parent := flow.NewEventContext()
		childA := newChild(t, parent)
		childB := newChild(t, parent)
		var completions atomic.Int32
		parent.OnComplete(func(flow.Event, error) { completions.Add(1) })
		parent.Success(flow.Event{Payload: "parent"})

		// Act
		childA.Success(flow.Event{})
		stateWithChildBReady := parent.State()
		childB.Success(flow.Event{})

		// Assert
		td.Cmp(t, stateWithChildBReady, flow.ResponseProduced)
		td.Cmp(t, childA.State(), flow.Terminated)
		td.Cmp(t, parent.State(), flow.Terminated)
		td.Cmp(t, completions.Load(), int32(1))
		td.CmpEmpty(t, parent.Children())
		td.CmpNil(t, childB.Parent(), "detached on termination")
	})

	t.Run("children_complete_before_parent_response", func(t *testing.T) {
		parent := flow.NewEventContext()
		child := newChild(t, parent)

		child.Success(flow.Event{})
		td.Cmp(t, parent.State(), flow.Ready, "a child never produces its parent response")
		parent.Success(flow.Event{})

		td.Cmp(t, parent.State(), flow.Terminated)
	})

	t.Run("grand_children", func(t *testing.T) {
		// Arrange
		root := flow.NewEventContext()
		child := newChild(t, root)
		grandChild := newChild(t, child)
		tr := watch(root)

		// Act
		root.Success(flow.Event{})
		child.Success(flow.Event{})
		beforeGrandChild := []flow.State{root.State(), child.State()}
		grandChild.Success(flow.Event{})

		// Assert
		td.Cmp(t, beforeGrandChild, []flow.State{flow.ResponseProduced, flow.ResponseProduced})
		td.Cmp(t, []flow.State{root.State(), child.State(), grandChild.State()},
			[]flow.State{flow.Terminated, flow.Terminated, flow.Terminated})
		td.Cmp(t, tr.get(), []string{"before-response", "response", "complete", "terminated"})
	})

	t.Run("new_child_after_complete", func(t *testing.T) {
		c := flow.NewEventContext()
		c.Success(flow.Event{})

		_, err := c.NewChild()

		td.CmpErrorIs(t, err, flow.ErrIllegalState)
	})

	t.Run("concurrent_children", func(t *testing.T) {
		// Arrange
		parent := flow.NewEventContext()
		children := lo.Map(lo.Range(100), func(_, _ int) *flow.EventContext { return newChild(t, parent) })
		var completions atomic.Int32
		parent.OnComplete(func(flow.Event, error) { completions.Add(1) })

		// Act
		var wg sync.WaitGroup
		for i, child := range children {
			wg.Add(1)
			go func(i int, child *flow.EventContext) {
				defer wg.Done()
				if i == 50 {
					parent.Success(flow.Event{})
				}
				child.Success(flow.Event{Payload: i})
			}(i, child)
		}
		wg.Wait()

		// Assert
		td.Cmp(t, completions.Load(), int32(1))
		td.Cmp(t, parent.State(), flow.Terminated)
	})

	t.Run("external_completion", func(t *testing.T) {
		// Arrange
		acked := make(chan struct{})
		c := flow.NewEventContext(flow.WithExternalCompletion(acked))
		tr := watch(c)

		// Act
		c.Success(flow.Event{})
		stateBeforeAck := c.State()
		close(acked)

		// Assert
		td.Cmp(t, stateBeforeAck, flow.Complete)
		waitUntil(t, c.IsTerminated, "terminated once acknowledged")
		td.Cmp(t, tr.get(), []string{"before-response", "response", "complete", "terminated"})
	})

	t.Run("child_external_completion_keeps_parent_complete", func(t *testing.T) {
		// Arrange
		parent := flow.NewEventContext()
		acked := make(chan struct{})
		child := newChild(t, parent, flow.WithExternalCompletion(acked))

		// Act
		parent.Success(flow.Event{})
		child.Success(flow.Event{})

		// Assert
		td.Cmp(t, child.State(), flow.Complete)
		td.Cmp(t, parent.State(), flow.Terminated, "a complete child is enough")
		close(acked)
		waitUntil(t, child.IsTerminated, "child terminated once acknowledged")
	})

	t.Run("get_response", func(t *testing.T) {
		// Arrange
		early := flow.NewEventContext()
		response, err := early.GetResponse()
		td.Require(t).CmpNoError(err)
		_, pending := response.Peek()

		// Act
		early.Success(flow.Event{Payload: "value"})
		late := flow.NewEventContext()
		late.Success(flow.Event{})
		_, lateErr := late.GetResponse()

		// Assert
		td.CmpFalse(t, pending)
		res, ok := response.Peek()
		td.CmpTrue(t, ok)
		td.Cmp(t, res.Event.Payload, "value")
		again, err := early.GetResponse()
		td.CmpNoError(t, err, "handle cached before termination stays valid")
		td.Cmp(t, again, td.Shallow(response))
		td.CmpErrorIs(t, lateErr, flow.ErrIllegalState)
	})

	t.Run("response_wait_cancelled", func(t *testing.T) {
		c := flow.NewEventContext()
		response, _ := c.GetResponse()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := response.Wait(cancelled)

		td.CmpErrorIs(t, err, context.Canceled)
	})

	t.Run("listener_panic_does_not_break_transition", func(t *testing.T) {
		// Arrange
		c := flow.NewEventContext()
		c.OnResponse(func(flow.Event, error) { panic("faulty listener") })
		tr := watch(c)

		// Act
		c.Success(flow.Event{})

		// Assert
		td.Cmp(t, c.State(), flow.Terminated)
		td.Cmp(t, tr.get(), []string{"before-response", "response", "complete", "terminated"})
	})

	t.Run("listener_after_transition_fires_immediately", func(t *testing.T) {
		c := flow.NewEventContext()
		child := newChild(t, c)
		c.Success(flow.Event{Payload: "now"})

		var got any
		c.OnResponse(func(ev flow.Event, _ error) { got = ev.Payload })
		completed := false
		c.OnComplete(func(flow.Event, error) { completed = true })

		td.Cmp(t, got, "now")
		td.CmpFalse(t, completed)
		child.Success(flow.Event{})
		td.CmpTrue(t, completed)
	})

	t.Run("listener_after_termination", func(t *testing.T) {
		t.Run("without_response", func(t *testing.T) {
			// Arrange
			c := flow.NewEventContext()
			c.Success(flow.Event{Payload: "gone"})
			var got []any

			// Act
			c.OnResponse(func(ev flow.Event, err error) { got = append(got, ev.Payload, err) })

			// Assert
			td.Cmp(t, got, []any{nil, td.ErrorIs(flow.ErrIllegalState)})
			_, err := c.GetResponse()
			td.CmpErrorIs(t, err, flow.ErrIllegalState)
		})

		t.Run("with_response", func(t *testing.T) {
			// Arrange
			c := flow.NewEventContext()
			response, err := c.GetResponse()
			td.Require(t).CmpNoError(err)
			c.Error(errors.New("late"))
			var got error

			// Act
			c.OnTerminated(func(_ flow.Event, err error) { got = err })

			// Assert
			td.Cmp(t, c.State(), flow.Terminated)
			td.CmpString(t, got, "late")
			_, err = response.Wait(ctx)
			td.CmpString(t, err, "late")
		})
	})

	t.Run("listener_triggering_transition", func(t *testing.T) {
		// Arrange
		parent := flow.NewEventContext()
		child := newChild(t, parent)
		tr := watch(parent)
		parent.OnResponse(func(flow.Event, error) { child.Success(flow.Event{}) })

		// Act
		parent.Success(flow.Event{})

		// Assert
		td.Cmp(t, parent.State(), flow.Terminated)
		td.Cmp(t, tr.get(), []string{"before-response", "response", "complete", "terminated"})
	})

	t.Run("exception_handler", func(t *testing.T) {
		handled := func(merr *flow.MessagingError) (flow.Event, error) {
			if errors.Is(merr, context.DeadlineExceeded) {
				return merr.Event.WithPayload("recovered"), nil
			}
			return flow.Event{}, merr
		}

		t.Run("handled", func(t *testing.T) {
			c := flow.NewEventContext(flow.WithExceptionHandler(handled))
			response, _ := c.GetResponse()

			c.Error(&flow.MessagingError{Event: flow.Event{Payload: "in"}, Cause: context.DeadlineExceeded})

			out, err := response.Wait(ctx)
			td.CmpNoError(t, err)
			td.Cmp(t, out.Payload, "recovered")
		})

		t.Run("rethrown", func(t *testing.T) {
			c := flow.NewEventContext(flow.WithExceptionHandler(handled))
			response, _ := c.GetResponse()
			boom := errors.New("boom")

			c.Error(&flow.MessagingError{Cause: boom})

			_, err := response.Wait(ctx)
			td.CmpErrorIs(t, err, boom)
		})

		t.Run("plain_error_bypasses_handler", func(t *testing.T) {
			called := false
			c := flow.NewEventContext(flow.WithExceptionHandler(func(*flow.MessagingError) (flow.Event, error) {
				called = true
				return flow.Event{}, nil
			}))
			response, _ := c.GetResponse()
			boom := errors.New("boom")

			c.Error(boom)

			_, err := response.Wait(ctx)
			td.Cmp(t, err, td.Shallow(boom))
			td.CmpFalse(t, called)
		})

		t.Run("panicking_handler", func(t *testing.T) {
			c := flow.NewEventContext(flow.WithExceptionHandler(func(*flow.MessagingError) (flow.Event, error) {
				panic("faulty handler")
			}))
			response, _ := c.GetResponse()
			boom := errors.New("boom")

			c.Error(&flow.MessagingError{Cause: boom})

			_, err := response.Wait(ctx)
			td.CmpErrorIs(t, err, boom)
		})
	})

	t.Run("nil_error", func(t *testing.T) {
		c := flow.NewEventContext()
		response, _ := c.GetResponse()

		c.Error(nil)

		_, err := response.Wait(ctx)
		td.CmpErrorIs(t, err, flow.ErrIllegalState)
	})

	t.Run("tree", func(t *testing.T) {
		// Arrange
		root := flow.NewEventContext(flow.WithCorrelationID("corr-1"))
		child := newChild(t, root)
		grandChild := newChild(t, child)
		other := newChild(t, root)

		// Act
		var visited []*flow.EventContext
		root.ForEachChild(func(c *flow.EventContext) { visited = append(visited, c) })
		dump := root.Dump(grandChild)

		// Assert
		td.Cmp(t, []int{root.Depth(), child.Depth(), grandChild.Depth()}, []int{0, 1, 2})
		td.Cmp(t, grandChild.CorrelationID(), "corr-1")
		td.Cmp(t, grandChild.Root(), td.Shallow(root))
		td.Cmp(t, grandChild.Parent(), td.Shallow(child))
		td.CmpNot(t, grandChild.ID(), root.ID())
		td.Cmp(t, lo.Map(visited, func(c *flow.EventContext, _ int) string { return c.ID() }),
			[]string{child.ID(), grandChild.ID(), other.ID()})
		lines := strings.Split(dump, "\n")
		td.Require(t).Len(lines, 4)
		td.Cmp(t, lines[0], td.HasPrefix("EventContext{id="+root.ID()))
		td.Cmp(t, lines[2], td.HasPrefix("        => EventContext{id="+grandChild.ID()))
		td.Cmp(t, lines[3], td.Contains("state=ready, depth=1"))
	})

	t.Run("state_names", func(t *testing.T) {
		td.Cmp(t, lo.Map([]flow.State{flow.Ready, flow.ResponseProduced, flow.Complete, flow.Terminated},
			func(s flow.State, _ int) string { return s.String() }),
			[]string{"ready", "response", "complete", "terminated"})
	})
}
