package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the background worker could not be
	// started or was lost and fallback is disabled.
	ErrUnavailable = errors.New("background worker unavailable")

	// ErrTimeout rejects a call that got no response within its window.
	ErrTimeout = errors.New("executor request timed out")

	// ErrTerminated rejects calls issued to, or pending on, a terminated executor.
	ErrTerminated = errors.New("executor terminated")
)

// RemoteError carries the message of an unexpected failure inside the model
// computation. The executor stays usable after one.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote computation failed: %s", e.Message)
}

// errorFromResponse converts an ErrorResponse back into a typed error.
func errorFromResponse(r ErrorResponse) error {
	if r.Code == CodeValidation && r.Validation != nil {
		return r.Validation
	}
	return &RemoteError{Message: r.Message}
}
