package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout marks a bounded external call that exceeded its deadline. It is
// retried exactly like a network failure.
var ErrTimeout = errors.New("stream: timeout")

// ErrDisposed is returned once the stream has been shut down.
var ErrDisposed = errors.New("stream: disposed")

// ConnectionError reports that a chain endpoint stayed unreachable after the
// configured number of attempts.
type ConnectionError struct {
	OrganizationID string
	Attempts       int
	Err            error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect organization %s: unreachable after %d attempt(s): %v", e.OrganizationID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// classify folds deadline errors into ErrTimeout.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
