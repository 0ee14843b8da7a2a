package chainerr

import (
	"errors"
	"testing"
)

func TestClassificationString(t *testing.T) {
	cases := []struct {
		c    Classification
		want string
	}{
		{Retryable, "retryable"},
		{NonRetryable, "non_retryable"},
		{Fatal, "fatal"},
		{Classification(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("%v.String() = %q, want %q", int(tc.c), got, tc.want)
		}
	}
}

func TestChainErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NonRetryablef(CodeSchemaViolation, cause, "bad address %s", "0x0")

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should see through Unwrap to cause")
	}
	if err.Classification != NonRetryable {
		t.Fatalf("got classification %v, want NonRetryable", err.Classification)
	}
	if got := err.Error(); got == "" {
		t.Fatal("Error() should not be empty")
	}
}

func TestChainErrorWithoutCause(t *testing.T) {
	err := Retryablef(CodeEmptyResponse, "node has no block at height %d", 12)
	if err.Cause != nil {
		t.Fatalf("expected nil Cause, got %v", err.Cause)
	}
	if err.Unwrap() != nil {
		t.Fatalf("Unwrap() should be nil when Cause is nil")
	}
}

func TestIs(t *testing.T) {
	retryable := Retryablef(CodeRPCTransport, "timeout")
	fatal := Fatalf(CodeRetryLimit, nil, "giving up")
	plain := errors.New("not a chain error")

	if !Is(retryable, Retryable) {
		t.Error("expected retryable error to match Retryable")
	}
	if Is(retryable, Fatal) {
		t.Error("retryable error should not match Fatal")
	}
	if !Is(fatal, Fatal) {
		t.Error("expected fatal error to match Fatal")
	}
	if Is(plain, Retryable) {
		t.Error("a non-ChainError should never match any classification")
	}
}

func TestRetryLimitExceeded(t *testing.T) {
	cause := errors.New("empty response")
	err := &RetryLimitExceeded{Attempts: 10, Cause: cause}

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through Unwrap to cause")
	}
	if got := err.Error(); got == "" {
		t.Fatal("Error() should not be empty")
	}
}
