package source

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is matched by a FetchError whose retry budget ran out.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Kind classifies a failed fetch attempt.
type Kind int

const (
	// Retryable failures are transient: transport errors, 408, 429 and 5xx.
	Retryable Kind = iota
	// FatalForWindow failures end the window immediately: 400, 422 and other 4xx.
	FatalForWindow
	// Timeout means the per-request deadline expired. It is retried.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case FatalForWindow:
		return "fatal_for_window"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError reports why a window could not be fetched.
type FetchError struct {
	Dataset  string
	Kind     Kind
	Status   int // HTTP status, 0 when no response was received
	Attempts int
	// Exhausted is set when the final attempt still failed with a retryable error.
	Exhausted bool
	Err       error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.Dataset, e.Kind, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Exhausted {
		msg += ": " + ErrRetriesExhausted.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Exhausted {
		return []error{e.Err, ErrRetriesExhausted}
	}
	return []error{e.Err}
}

// IsFatalForWindow reports whether err ended a window without retries.
func IsFatalForWindow(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FatalForWindow
}

// statusError carries an unexpected HTTP status between attempts.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}
