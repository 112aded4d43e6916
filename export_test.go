package flow

import "context"

// SubmitAttempts submits through s and returns the number of attempts made.
func (s *RetryingSubmitter) SubmitAttempts(ctx context.Context, task Task) (*Handle, int, error) {
	return s.submit(ctx, task)
}
