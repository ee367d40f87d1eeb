package quipodb

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/multierr"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrNotFound", ErrNotFound, "document not found"},
		{"ErrInvalidConfig", ErrInvalidConfig, "invalid configuration"},
		{"ErrUnauthorized", ErrUnauthorized, "unauthorized access"},
		{"ErrMissingPrimaryKey", ErrMissingPrimaryKey, "collection requires a primary key"},
		{"ErrClosed", ErrClosed, "store is closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Errorf("error message = %q, want %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	baseErr := errors.New("base error")
	ctx := map[string]interface{}{
		"collection": "users",
		"value":      42,
	}

	err := WithContext(baseErr, ctx)

	var errWithCtx *ErrorWithContext
	if !errors.As(err, &errWithCtx) {
		t.Fatalf("expected ErrorWithContext, got %T", err)
	}
	if !errors.Is(err, baseErr) {
		t.Error("expected error to wrap base error")
	}
	if errWithCtx.Context["collection"] != "users" {
		t.Errorf("context collection = %v, want 'users'", errWithCtx.Context["collection"])
	}
	if !strings.Contains(err.Error(), "users") {
		t.Errorf("error message %q should include context", err.Error())
	}

	if WithContext(nil, ctx) != nil {
		t.Error("WithContext(nil) should return nil")
	}
}

func TestProviderErrors(t *testing.T) {
	boom := errors.New("boom")
	var err error
	err = multierr.Append(err, &ProviderError{Provider: "sqlite", Op: "createDoc", Collection: "users", Err: boom})
	err = multierr.Append(err, &ProviderError{Provider: "json", Op: "createDoc", Collection: "users", Err: ErrBackendUnavailable})

	pes := ProviderErrors(err)
	if len(pes) != 2 {
		t.Fatalf("expected 2 provider errors, got %d", len(pes))
	}
	if pes[0].Provider != "sqlite" || pes[1].Provider != "json" {
		t.Errorf("unexpected providers: %s, %s", pes[0].Provider, pes[1].Provider)
	}
	if !errors.Is(err, boom) {
		t.Error("aggregate should wrap the provider cause")
	}
	if !IsRetryable(pes[1]) {
		t.Error("backend unavailable should be retryable")
	}
	if !strings.Contains(pes[0].Error(), "createDoc users") {
		t.Errorf("unexpected message %q", pes[0].Error())
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct ErrNotFound", ErrNotFound, true},
		{"wrapped ErrNotFound", WithContext(ErrNotFound, nil), true},
		{"other error", errors.New("other"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNotFound, true},
		{ErrInvalidConfig, true},
		{ErrMissingPrimaryKey, true},
		{ErrTimeout, false},
		{ErrBackendUnavailable, false},
	}

	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
