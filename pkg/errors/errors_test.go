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
				Type:      ErrorTypeIndexer,
				Operation: "fetch_matches",
				Message:   "request failed",
				Cause:     errors.New("connection refused"),
			},
			expected: "indexer operation 'fetch_matches' failed: request failed (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeValidation,
				Operation: "decode_nonce",
				Message:   "nonce must be 16 bytes",
			},
			expected: "validation operation 'decode_nonce' failed: nonce must be 16 bytes",
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
	err := New(ErrorTypeDatabase, "insert_shares", "batch failed").
		WithContext("miner_id", int64(7)).
		WithContext("entries", 3)

	if len(err.Context) != 2 {
		t.Fatalf("expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["miner_id"] != int64(7) {
		t.Errorf("miner_id = %v, want 7", err.Context["miner_id"])
	}
	if got := GetContext(fmt.Errorf("outer: %w", err)); got["entries"] != 3 {
		t.Errorf("GetContext through fmt wrapping = %v", got)
	}
}

func TestNew_RetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeIndexer, true},
		{ErrorTypeRelay, false},
		{ErrorTypeValidation, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrorTypeDatabase, "connect", "postgres unreachable")
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if !err.Retryable {
		t.Error("connection refused should be retryable")
	}

	relayErr := Wrap(cause, ErrorTypeRelay, "submit_datum", "relay unreachable")
	if relayErr.Retryable {
		t.Error("relay errors must never be retryable")
	}

	cancelled := Wrap(context.Canceled, ErrorTypeIndexer, "fetch_datum", "cancelled")
	if cancelled.Retryable {
		t.Error("context cancellation must not be retryable")
	}

	inner := New(ErrorTypeValidation, "decode", "bad datum")
	outer := Wrap(inner, ErrorTypeIndexer, "update", "decode failed")
	if outer.Retryable {
		t.Error("wrapping keeps the inner retry decision")
	}
}

func TestIsType(t *testing.T) {
	inner := New(ErrorTypeValidation, "decode", "bad datum")
	outer := Wrap(inner, ErrorTypeIndexer, "update", "decode failed")

	if !IsType(outer, ErrorTypeIndexer) {
		t.Error("expected outer type to match")
	}
	if !IsType(outer, ErrorTypeValidation) {
		t.Error("expected inner type to match through the chain")
	}
	if IsType(outer, ErrorTypeRelay) {
		t.Error("unexpected relay match")
	}
	if IsType(errors.New("plain"), ErrorTypeInternal) {
		t.Error("plain errors have no type")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable service error", New(ErrorTypeNetwork, "op", "msg"), true},
		{"non-retryable service error", New(ErrorTypeValidation, "op", "msg"), false},
		{"plain timeout", errors.New("i/o timeout"), true},
		{"plain other", errors.New("syntax error"), false},
		{"deadline", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
