package flow

import (
	"context"
	"sync"
)

// Response is a handle on the response of an EventContext.
type Response struct {
	once sync.Once
	done chan struct{}
	ev   Event
	err  error
}

func newResponse() *Response {
	return &Response{done: make(chan struct{})}
}

func (r *Response) resolve(o outcome) {
	r.once.Do(func() {
		r.ev, r.err = o.ev, o.err
		close(r.done)
	})
}

// Done is closed once the response is produced.
func (r *Response) Done() <-chan struct{} { return r.done }

// Wait blocks until the response is produced or ctx is done.
func (r *Response) Wait(ctx context.Context) (Event, error) {
	select {
	case <-r.done:
		return r.ev, r.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Peek returns the response without waiting. ok is false while the response is not produced.
func (r *Response) Peek() (res Result, ok bool) {
	select {
	case <-r.done:
		return Result{Event: r.ev, Err: r.err}, true
	default:
		return Result{}, false
	}
}
