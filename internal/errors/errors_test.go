package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "大模型推理超时")

	if !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(err) != CodeTimeout {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("timeout should be retryable by default")
	}

	outer := fmt.Errorf("consult: %w", err)
	if CodeOf(outer) != CodeTimeout {
		t.Fatalf("code should survive fmt wrapping")
	}
}

func TestIsComparesCodes(t *testing.T) {
	a := New(CodeNotFound, "a")
	b := New(CodeNotFound, "b")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeConflict, "")) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if HTTPStatusOf(err) != http.StatusTeapot {
		t.Fatalf("unexpected http status: %d", HTTPStatusOf(err))
	}
	if err.Retryable() {
		t.Fatalf("custom code should not be retryable")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "disk", WithRetryable(false), WithSeverity(SeverityInfo), WithMetadata("table", "oracle_messages"))
	if err.Retryable() {
		t.Fatalf("retryable override ignored")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["table"] != "oracle_messages" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}

func TestPlainErrorsFallBackToUnknown(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if HTTPStatusOf(plain) != http.StatusInternalServerError {
		t.Fatalf("unexpected status for plain error")
	}
	if RetryableError(plain) {
		t.Fatalf("plain errors are not retryable")
	}
}
