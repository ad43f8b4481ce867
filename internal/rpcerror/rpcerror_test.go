package rpcerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", Network("echo", "connection reset"), true},
		{"timeout", Timeout("echo"), true},
		{"server", Server("echo", "AppError", "boom", nil), false},
		{"validation", Validation("echo", "bad args"), false},
		{"cancelled", Cancelled("echo"), false},
		{"connection closed", ConnectionClosed("echo"), false},
		{"foreign", errors.New("plain"), false},
		{"wrapped network", fmt.Errorf("send: %w", Network("echo", "reset")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindOfAndCodeOf(t *testing.T) {
	err := Timeout("get_user")
	if KindOf(err) != KindTimeout {
		t.Errorf("expected KindTimeout, got %v", KindOf(err))
	}
	if CodeOf(err) != CodeTimeout {
		t.Errorf("expected %s, got %s", CodeTimeout, CodeOf(err))
	}
	if KindOf(errors.New("x")) != KindUnknown {
		t.Error("foreign error should classify as KindUnknown")
	}
}

func TestErrorMessageIncludesFunction(t *testing.T) {
	err := Timeout("get_user")
	want := "RPC_TIMEOUT: no response within call timeout (get_user)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Network("echo", "dial failed").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	var ce *CallError
	if !errors.As(fmt.Errorf("outer: %w", err), &ce) {
		t.Fatal("expected errors.As to extract *CallError")
	}
	if ce.Code != CodeNetwork {
		t.Errorf("expected %s, got %s", CodeNetwork, ce.Code)
	}
}

func TestFromWire(t *testing.T) {
	tests := []struct {
		errType  string
		wantKind Kind
		wantCode Code
	}{
		{"TimeoutError", KindTimeout, CodeTimeout},
		{"NetworkError", KindNetwork, CodeNetwork},
		{"ConnectionError", KindNetwork, CodeNetwork},
		{"ValidationError", KindValidation, CodeValidation},
		{"AnvilServerError", KindServer, CodeServer},
		{"SomethingNew", KindServer, CodeServer},
	}

	for _, tt := range tests {
		t.Run(tt.errType, func(t *testing.T) {
			err := FromWire("echo", tt.errType, "msg", nil)
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", err.Kind, tt.wantKind)
			}
			if err.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", err.Code, tt.wantCode)
			}
		})
	}
}

func TestFromWirePreservesServerType(t *testing.T) {
	err := FromWire("save_row", "AnvilServerError", "row too large", map[string]any{"limit": 4096})
	if err.Details["type"] != "AnvilServerError" {
		t.Errorf("expected server type preserved in details, got %v", err.Details["type"])
	}
	if err.Details["limit"] != 4096 {
		t.Errorf("expected details payload preserved, got %v", err.Details["limit"])
	}
}
