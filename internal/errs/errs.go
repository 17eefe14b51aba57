package errs

import (
	"errors"
	"fmt"
)

// Error is a domain failure identified by a stable code. The code is what
// callers translate into user-facing text, so Error() returns it verbatim.
type Error struct {
	Code string
}

func (e *Error) Error() string { return e.Code }

var (
	ErrPostNotFound    = &Error{Code: "POST_NOT_FOUND"}
	ErrPostClosed      = &Error{Code: "POST_CLOSED"}
	ErrNoSeats         = &Error{Code: "NO_SEATS"}
	ErrTimeWindowPast  = &Error{Code: "TIME_WINDOW_PAST"}
	ErrOutOfRadius     = &Error{Code: "OUT_OF_RADIUS"}
	ErrRequestNotFound = &Error{Code: "REQUEST_NOT_FOUND"}
	ErrBookingNotFound = &Error{Code: "BOOKING_NOT_FOUND"}
	ErrThrottled       = &Error{Code: "THROTTLED"}

	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = &Error{Code: "INVALID_TRANSITION"}

	// ErrUnavailable marks connectivity failures. They are retryable and are
	// never produced by domain logic.
	ErrUnavailable = &Error{Code: "UNAVAILABLE"}
)

var codes = map[string]*Error{}

func init() {
	for _, e := range []*Error{
		ErrPostNotFound, ErrPostClosed, ErrNoSeats, ErrTimeWindowPast, ErrOutOfRadius,
		ErrRequestNotFound, ErrBookingNotFound, ErrThrottled, ErrInvalidTransition, ErrUnavailable,
	} {
		codes[e.Code] = e
	}
}

// FromCode returns the sentinel registered for code, if any.
func FromCode(code string) (*Error, bool) {
	e, ok := codes[code]
	return e, ok
}

// ValidationError reports malformed input caught before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// TransitionError is returned when a status change is not in the allowed table.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Code extracts the domain code carried by err, or "" when err is not a
// domain failure.
func Code(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return ErrInvalidTransition.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "VALIDATION"
	}
	return ""
}

// IsRetryable reports whether err is a connectivity failure worth queueing.
func IsRetryable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Unavailable wraps a transport error so that IsRetryable reports true.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
