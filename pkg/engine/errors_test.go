package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
)

func TestError_IsComparesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewNotFoundError("vm-1", nil))

	if !errors.Is(err, ErrNotFound) {
		t.Error("Expected wrapped error to match ErrNotFound")
	}
	if errors.Is(err, ErrConnection) {
		t.Error("Expected wrapped error not to match ErrConnection")
	}
	if !IsNotFound(err) {
		t.Error("Expected IsNotFound to be true")
	}
}

func TestError_Message(t *testing.T) {
	err := NewInternalAdapterError("occi.compute.cores", errors.New("bad int")).WithResource("7")
	want := "[internal_adapter] attribute transform failed (resource=7) (attribute=occi.compute.cores): bad int"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewConnectionError("x", nil), true},
		{NewTimeoutError("x", nil), true},
		{NewNotFoundError("1", nil), false},
		{NewValidationError("x", nil), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v): expected %v, got %v", tt.err, tt.want, got)
		}
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		err  error
		want zerolog.Level
	}{
		{NewConnectionError("x", nil), zerolog.ErrorLevel},
		{NewNotFoundError("1", nil), zerolog.DebugLevel},
		{NewValidationError("x", nil), zerolog.DebugLevel},
		{NewError(KindAuthentication, "x", nil), zerolog.WarnLevel},
		{NewStateError("x", nil), zerolog.InfoLevel},
		{errors.New("unclassified"), zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := LogLevel(tt.err); got != tt.want {
			t.Errorf("LogLevel(%v): expected %s, got %s", tt.err, tt.want, got)
		}
	}
}

func TestTransportFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: "deadline_exceeded"},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: "connection_refused"},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: "connection_reset"},
		{name: "pipe", err: syscall.EPIPE, want: "broken_pipe"},
		{name: "eof", err: io.ErrUnexpectedEOF, want: "unexpected_eof"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "one.example"}, want: "dns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TransportFailure(tt.err)
			if !ok || got != tt.want {
				t.Errorf("Expected %s, got %s (ok=%v)", tt.want, got, ok)
			}
		})
	}

	if IsTransportFailure(errors.New("permission denied")) {
		t.Error("Expected plain error not to be a transport failure")
	}
	if IsTransportFailure(nil) {
		t.Error("Expected nil not to be a transport failure")
	}
}

func TestClassify(t *testing.T) {
	errDenied := errors.New("denied")
	classifier := func(err error) (ErrorKind, bool) {
		if errors.Is(err, errDenied) {
			return KindAuthorization, true
		}
		return "", false
	}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "already classified", err: NewNotFoundError("1", nil), want: KindEntityNotFound},
		{name: "transport", err: syscall.ECONNRESET, want: KindConnection},
		{name: "classifier", err: errDenied, want: KindAuthorization},
		{name: "fallback", err: errors.New("weird"), want: KindEntityCreate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, classifier, KindEntityCreate, "create failed")
			if KindOf(got) != tt.want {
				t.Errorf("Expected %s, got %v", tt.want, got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Expected native error to stay in the chain")
			}
		})
	}

	if Classify(nil, classifier, KindEntityCreate, "x") != nil {
		t.Error("Expected nil for nil error")
	}
}
