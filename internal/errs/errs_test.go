package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("request ride: %w", ErrNoSeats)
	if !errors.Is(err, ErrNoSeats) {
		t.Fatalf("expected errors.Is to match NO_SEATS")
	}
	if Code(err) != "NO_SEATS" {
		t.Fatalf("expected NO_SEATS, got %q", Code(err))
	}
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := error(&TransitionError{From: "canceled", To: "open"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error to match sentinel")
	}
	if Code(err) != "INVALID_TRANSITION" {
		t.Fatalf("unexpected code %q", Code(err))
	}
}

func TestUnavailableIsRetryable(t *testing.T) {
	err := Unavailable(errors.New("dial tcp: connection refused"))
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if IsRetryable(ErrPostClosed) {
		t.Fatalf("domain errors must not be retryable")
	}
	if Unavailable(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}

func TestFromCode(t *testing.T) {
	e, ok := FromCode("OUT_OF_RADIUS")
	if !ok || e != ErrOutOfRadius {
		t.Fatalf("expected OUT_OF_RADIUS sentinel")
	}
	if _, ok := FromCode("nope"); ok {
		t.Fatalf("unknown code should not resolve")
	}
}
