package flow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds the retries of a rejected submission.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retries (0 = no retry, 1 = one retry).
	MaxRetries int `yaml:"maxRetries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initialDelay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// BackoffRatio multiplies the delay after each retry (e.g. 2.0 for exponential).
	BackoffRatio float64 `yaml:"backoffRatio"`
}

// DefaultRetryPolicy retries five times, starting at 1ms and doubling up to 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		BackoffRatio: 2.0,
	}
}

// NoRetry returns a policy which never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{BackoffRatio: 1.0}
}

// Delay returns the delay before the given retry. attempt is 0-indexed (0 = first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	ratio := p.BackoffRatio
	if ratio < 1 {
		ratio = 1
	}
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= ratio
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// RecoveryHook is called between two attempts, e.g. to re-provision a pool. attempt starts at 1.
// Returning an error stops retrying.
type RecoveryHook func(ctx context.Context, attempt int) error

// RetryingSubmitter retries rejected submissions a bounded number of times.
type RetryingSubmitter struct {
	target   Submitter
	policy   RetryPolicy
	recovery RecoveryHook
	logger   zerolog.Logger
}

// RetryOption configures a RetryingSubmitter.
type RetryOption func(*RetryingSubmitter)

// WithRecovery sets the hook called between two attempts.
func WithRecovery(hook RecoveryHook) RetryOption {
	return func(s *RetryingSubmitter) { s.recovery = hook }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(s *RetryingSubmitter) { s.logger = logger }
}

// NewRetryingSubmitter decorates target.
func NewRetryingSubmitter(target Submitter, policy RetryPolicy, opts ...RetryOption) *RetryingSubmitter {
	s := &RetryingSubmitter{
		target:   target,
		policy:   policy,
		recovery: func(context.Context, int) error { return nil },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAttempts returns the number of submissions tried before giving up.
func (s *RetryingSubmitter) MaxAttempts() int {
	return s.policy.MaxRetries + 1
}

// Submit submits task, retrying on ErrRejected. Once the retries are exhausted, the last rejection is
// returned unchanged. Any other error is returned immediately.
func (s *RetryingSubmitter) Submit(ctx context.Context, task Task) (*Handle, error) {
	h, _, err := s.submit(ctx, task)
	return h, err
}

// submit also returns the number of attempts made.
func (s *RetryingSubmitter) submit(ctx context.Context, task Task) (*Handle, int, error) {
	attempt := 0
	for {
		attempt++
		h, err := s.target.Submit(ctx, task)
		if err == nil || !errors.Is(err, ErrRejected) || attempt > s.policy.MaxRetries {
			return h, attempt, err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("submission rejected, retrying")
		if hookErr := s.recovery(ctx, attempt); hookErr != nil {
			s.logger.Warn().Err(hookErr).Int("attempt", attempt).Msg("recovery failed, giving up")
			return nil, attempt, err
		}
		if !sleep(ctx, s.policy.Delay(attempt-1)) {
			return nil, attempt, err
		}
	}
}

// sleep waits for d, returning false when ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
