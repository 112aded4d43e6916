package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fogfactory/flow"
	"github.com/maxatome/go-testdeep/td"
)

// rejectingSubmitter rejects the first rejections submissions, then runs tasks on the calling goroutine.
type rejectingSubmitter struct {
	mu         sync.Mutex
	rejections int
	calls      int
	err        error
}

func (s *rejectingSubmitter) Submit(ctx context.Context, task flow.Task) (*flow.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.rejections {
		return nil, &flow.RejectedError{Pool: "custom", Cause: errors.New("saturated")}
	}
	task(ctx)
	return nil, nil
}

func fastRetries(maxRetries int) flow.RetryPolicy {
	return flow.RetryPolicy{MaxRetries: maxRetries, BackoffRatio: 1}
}

func TestRetryPolicy(t *testing.T) {
	policy := flow.DefaultRetryPolicy()

	td.Cmp(t, policy.Delay(0), time.Millisecond)
	td.Cmp(t, policy.Delay(1), 2*time.Millisecond)
	td.Cmp(t, policy.Delay(3), 8*time.Millisecond)
	td.Cmp(t, policy.Delay(20), 100*time.Millisecond, "capped")
	td.Cmp(t, flow.NoRetry().Delay(3), time.Duration(0))
}

func TestRetryingSubmitter(t *testing.T) {
	ctx := context.Background()

	t.Run("success_after_rejections", func(t *testing.T) {
		// Arrange
		target := &rejectingSubmitter{rejections: 3}
		var hookAttempts []int
		submitter := flow.NewRetryingSubmitter(target, fastRetries(5),
			flow.WithRecovery(func(_ context.Context, attempt int) error {
				hookAttempts = append(hookAttempts, attempt)
				return nil
			}))
		ran := false

		// Act
		_, attempts, err := submitter.SubmitAttempts(ctx, func(context.Context) { ran = true })

		// Assert
		td.CmpNoError(t, err)
		td.CmpTrue(t, ran)
		td.Cmp(t, attempts, 4)
		td.Cmp(t, hookAttempts, []int{1, 2, 3})
	})

	t.Run("rejection_propagated_unchanged", func(t *testing.T) {
		// Arrange
		target := &rejectingSubmitter{rejections: 100}
		submitter := flow.NewRetryingSubmitter(target, fastRetries(5))

		// Act
		_, attempts, err := submitter.SubmitAttempts(ctx, func(context.Context) {})

		// Assert
		td.Cmp(t, err, td.Struct(&flow.RejectedError{Pool: "custom"}, nil))
		td.CmpErrorIs(t, err, flow.ErrRejected)
		td.Cmp(t, attempts, submitter.MaxAttempts())
		td.Cmp(t, target.calls, 6)
	})

	t.Run("no_retry", func(t *testing.T) {
		// Arrange
		target := &rejectingSubmitter{rejections: 1}
		submitter := flow.NewRetryingSubmitter(target, flow.NoRetry())

		// Act
		_, err := submitter.Submit(ctx, func(context.Context) {})

		// Assert
		td.CmpErrorIs(t, err, flow.ErrRejected)
		td.Cmp(t, target.calls, 1)
	})

	t.Run("other_errors_not_retried", func(t *testing.T) {
		// Arrange
		boom := errors.New("boom")
		target := &rejectingSubmitter{err: boom}
		hookCalled := false
		submitter := flow.NewRetryingSubmitter(target, fastRetries(5),
			flow.WithRecovery(func(context.Context, int) error { hookCalled = true; return nil }))

		// Act
		_, err := submitter.Submit(ctx, func(context.Context) {})

		// Assert
		td.Cmp(t, err, td.Shallow(boom))
		td.Cmp(t, target.calls, 1)
		td.CmpFalse(t, hookCalled)
	})

	t.Run("failing_recovery_stops_retries", func(t *testing.T) {
		// Arrange
		target := &rejectingSubmitter{rejections: 100}
		submitter := flow.NewRetryingSubmitter(target, fastRetries(5),
			flow.WithRecovery(func(context.Context, int) error { return errors.New("cannot reconnect") }))

		// Act
		_, attempts, err := submitter.SubmitAttempts(ctx, func(context.Context) {})

		// Assert
		td.CmpErrorIs(t, err, flow.ErrRejected)
		td.Cmp(t, attempts, 1)
	})

	t.Run("context_done_during_backoff", func(t *testing.T) {
		// Arrange
		target := &rejectingSubmitter{rejections: 100}
		submitter := flow.NewRetryingSubmitter(target, flow.RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour})
		ctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(10*time.Millisecond, cancel)

		// Act
		_, attempts, err := submitter.SubmitAttempts(ctx, func(context.Context) {})

		// Assert
		td.CmpErrorIs(t, err, flow.ErrRejected)
		td.Cmp(t, attempts, 1)
	})

	t.Run("retries_on_real_pool", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, flow.PoolSpec{Name: "light", Size: 1, Policy: flow.Reject})
		release := make(chan struct{})
		task, started := blockingTask(release)
		_, err := pool.Submit(ctx, task)
		td.Require(t).CmpNoError(err)
		<-started
		submitter := flow.NewRetryingSubmitter(pool, flow.RetryPolicy{MaxRetries: 50, InitialDelay: time.Millisecond, BackoffRatio: 1},
			flow.WithRecovery(func(_ context.Context, attempt int) error {
				if attempt == 2 {
					close(release)
				}
				return nil
			}))

		// Act
		h, attempts, err := submitter.SubmitAttempts(ctx, func(context.Context) {})

		// Assert
		td.Require(t).CmpNoError(err)
		td.CmpNoError(t, h.Wait(ctx))
		td.Cmp(t, attempts, td.Gte(3))
	})
}
