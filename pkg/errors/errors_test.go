package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeNode,
				Operation: "submit_block",
				Message:   "node refused block",
				Cause:     errors.New("inconclusive"),
			},
			expected: "node operation 'submit_block' failed: node refused block (caused by: inconclusive)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeValidation,
				Operation: "authorize",
				Message:   "invalid address",
			},
			expected: "validation operation 'authorize' failed: invalid address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "add_balance", "write failed").
		WithContext("address", "bc1qexample").
		WithContext("delta", int64(-900))

	if len(err.Context) != 2 {
		t.Errorf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["address"] != "bc1qexample" {
		t.Errorf("Expected address context, got %v", err.Context["address"])
	}
	if got := GetContext(fmt.Errorf("outer: %w", err)); got["delta"] != int64(-900) {
		t.Errorf("GetContext() delta = %v, want -900", got["delta"])
	}
}

func TestNew_RetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		want      bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeValidation, false},
		{ErrorTypeNode, false},
		{ErrorTypeStratum, false},
		{ErrorTypeDatabase, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.want {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.want)
			}
			if err.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrorTypeNode, "get_block_template", "rpc failed")

	if err.Type != ErrorTypeNode {
		t.Errorf("Expected type %v, got %v", ErrorTypeNode, err.Type)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected wrapped error to match its cause")
	}
	if !err.Retryable {
		t.Error("Expected connection refused to be retryable")
	}

	if Wrap(nil, ErrorTypeNetwork, "test", "test") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	inner := New(ErrorTypeValidation, "parse", "bad input")
	outer := Wrap(inner, ErrorTypeNode, "submit", "failed")
	if outer.Retryable {
		t.Error("Expected retryability of inner ServiceError to be preserved")
	}
}

func TestPermanent(t *testing.T) {
	retryable := New(ErrorTypeNetwork, "dial", "refused")
	if !IsRetryable(retryable) {
		t.Fatal("precondition: network error should be retryable")
	}
	if IsRetryable(Permanent(retryable)) {
		t.Error("Permanent() should clear retryability of a ServiceError")
	}

	plain := errors.New("timeout waiting for node")
	if !IsRetryable(plain) {
		t.Fatal("precondition: timeout text should be retryable")
	}
	if IsRetryable(Permanent(plain)) {
		t.Error("Permanent() should clear retryability of a plain error")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestIsRetryable_Context(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if IsRetryable(fmt.Errorf("rpc: %w", context.DeadlineExceeded)) {
		t.Error("wrapped DeadlineExceeded should not be retryable")
	}
	if !IsRetryable(errors.New("-8: Loading block index...")) {
		t.Error("node warmup should be retryable")
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrorTypeStratum, "submit", "low difficulty"))
	if !IsType(err, ErrorTypeStratum) {
		t.Error("Expected IsType to find wrapped ServiceError")
	}
	if IsType(err, ErrorTypeNode) {
		t.Error("Expected IsType to return false for other type")
	}
	if IsType(errors.New("plain"), ErrorTypeStratum) {
		t.Error("Expected IsType to return false for plain errors")
	}
}
