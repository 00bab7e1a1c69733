package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrConstraintViolation, "artifact type is immutable").
		WithCause(root).
		WithRetryable(true)

	if GetErrorCode(err) != ErrConstraintViolation {
		t.Fatalf("expected code %s, got %s", ErrConstraintViolation, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_CodeSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("publish execution 7: %w", Errorf(ErrNotFound, "execution %d", 7))

	if !IsErrorCode(err, ErrNotFound) {
		t.Fatalf("expected NOT_FOUND through wrap, got %q", GetErrorCode(err))
	}
	if !errors.Is(err, NewError(ErrNotFound, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if errors.Is(err, NewError(ErrInvalidRequest, "")) {
		t.Fatalf("codes must not match across kinds")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors are never retryable")
	}
	if GetErrorCode(nil) != "" {
		t.Fatalf("nil error has no code")
	}
}
