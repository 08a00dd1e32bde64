package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{Unauthenticated("no token"), CodeUnauthenticated},
		{Forbidden("nope"), CodeForbidden},
		{Validation("bad payload"), CodeValidation},
		{Throttled("too fast"), CodeThrottled},
		{NotFound("missing"), CodeNotFound},
		{Transient("down", errors.New("boom")), CodeTransient},
		{Fatal("invariant broken", errors.New("boom")), CodeFatal},
	}
	for _, c := range cases {
		if got := CodeOf(c.err); got != c.want {
			t.Errorf("CodeOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCodeOfUnwrapsWrappedError(t *testing.T) {
	base := Forbidden("not a member")
	wrapped := fmt.Errorf("join failed: %w", base)
	if got := CodeOf(wrapped); got != CodeForbidden {
		t.Errorf("CodeOf(wrapped) = %v, want %v", got, CodeForbidden)
	}
}

func TestCodeOfUnknownErrorDefaultsTransient(t *testing.T) {
	if got := CodeOf(errors.New("raw driver error")); got != CodeTransient {
		t.Errorf("CodeOf(raw error) = %v, want %v", got, CodeTransient)
	}
}

func TestCodeOfNilIsEmpty(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %v, want empty", got)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Transient("hot: get", errors.New("connection refused"))
	want := "hot: get: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
