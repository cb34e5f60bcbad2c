package worker

import "errors"

// NonRetriableError marks a handler failure the bus must not re-attempt.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string {
	if e.Err == nil {
		return "non-retriable failure"
	}
	return e.Err.Error()
}

func (e *NonRetriableError) Unwrap() error { return e.Err }

// NonRetriable wraps err so the bus discards the event after this attempt.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}

// upstreamTemporary reports what a wrapped upstream error says about itself:
// a 429 or 5xx from a remote API is transient, other statuses are not. ok is
// false when no error in the chain carries that information.
func upstreamTemporary(err error) (temporary, ok bool) {
	var t interface{ Temporary() bool }
	if !errors.As(err, &t) {
		return false, false
	}
	return t.Temporary(), true
}
