package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_Kinds(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("API error 401: invalid api key"), KindAuth},
		{fmt.Errorf("permission denied for org"), KindAuth},
		{fmt.Errorf("request blocked by content policy"), KindContentFilter},
		{fmt.Errorf("API error 400: invalid_request"), KindBadRequest},
		{fmt.Errorf("model not found: gpt-x"), KindBadRequest},
		{fmt.Errorf("monthly quota exceeded"), KindBudget},
		{fmt.Errorf("API error 503: overloaded"), KindTransient},
		{fmt.Errorf("connection reset by peer"), KindTransient},
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindCancelled},
	}
	for _, tt := range tests {
		got := Classify(tt.err, "prov", "model")
		if got.Kind != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.err, got.Kind, tt.want)
		}
	}
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: KindBudget, Message: "quota"}
	wrapped := fmt.Errorf("call failed: %w", orig)
	if got := Classify(wrapped, "p", "m"); got != orig {
		t.Fatal("already classified errors must pass through unchanged")
	}
}

func TestClassify_NilError(t *testing.T) {
	if Classify(nil, "p", "m") != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestError_UnwrapAndRetryable(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := &Error{Kind: KindTransient, Message: "transient error", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap must expose the cause")
	}
	if !err.Retryable() {
		t.Fatal("transient errors are retryable")
	}
	if (&Error{Kind: KindAuth}).Retryable() {
		t.Fatal("auth errors are not retryable")
	}
}

func TestClassify_StatusCode(t *testing.T) {
	got := Classify(fmt.Errorf("API error 429: rate limited"), "p", "m")
	if got.Kind != KindTransient || got.StatusCode != 429 {
		t.Fatalf("got kind=%s status=%d", got.Kind, got.StatusCode)
	}
}
