package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"classified", New(Backpressure, "gpu queue full"), Backpressure},
		{"wrapped once", fmt.Errorf("dispatch: %w", New(WorkerLost, "gpu worker exited")), WorkerLost},
		{"wrapped cause", Wrap(Timeout, errors.New("context deadline exceeded"), "tool deadline"), Timeout},
		{"unclassified", errors.New("boom"), Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMessageOf(t *testing.T) {
	err := Wrap(Internal, errors.New("pgx: connection refused"), "credit store unavailable")
	if got := MessageOf(err); got != "credit store unavailable" {
		t.Errorf("MessageOf() = %q", got)
	}
	if got := MessageOf(errors.New("raw detail")); got != "internal error" {
		t.Errorf("MessageOf(unclassified) = %q, want generic fallback", got)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(WorkerLost, errors.New("broken pipe"), "cpu worker died")
	want := "worker_lost: cpu worker died: broken pipe"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("io: read/write on closed pipe")
	err := Wrap(WorkerLost, cause, "transport closed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestRetryable(t *testing.T) {
	if !WorkerLost.Retryable() {
		t.Error("worker_lost must be retryable")
	}
	for _, k := range []Kind{InvalidInput, ToolNotAllowed, ActionRequired, Backpressure, Timeout, Cancelled, InsufficientCredits, Locked, Internal} {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}

func TestKindIsValid(t *testing.T) {
	for _, k := range []Kind{InvalidInput, ToolNotAllowed, ActionRequired, WorkerLost, Backpressure, Timeout, Cancelled, InsufficientCredits, Locked, Internal} {
		if !k.IsValid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("nope").IsValid() {
		t.Error("unknown kind should be invalid")
	}
}
