package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// TransportSignature recognizes one class of transport-level failure.
type TransportSignature struct {
	// Name identifies the signature in logs and tests.
	Name string

	// Match reports whether err carries this signature.
	Match func(err error) bool
}

// TransportSignatures is the explicit list of failures treated as ConnectionError
// at every native-call boundary.
var TransportSignatures = []TransportSignature{
	{Name: "deadline_exceeded", Match: func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }},
	{Name: "connection_refused", Match: func(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }},
	{Name: "connection_reset", Match: func(err error) bool { return errors.Is(err, syscall.ECONNRESET) }},
	{Name: "connection_aborted", Match: func(err error) bool { return errors.Is(err, syscall.ECONNABORTED) }},
	{Name: "host_unreachable", Match: func(err error) bool { return errors.Is(err, syscall.EHOSTUNREACH) }},
	{Name: "broken_pipe", Match: func(err error) bool { return errors.Is(err, syscall.EPIPE) }},
	{Name: "unexpected_eof", Match: func(err error) bool { return errors.Is(err, io.ErrUnexpectedEOF) }},
	{Name: "net_timeout", Match: func(err error) bool {
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}},
	{Name: "net_op", Match: func(err error) bool {
		var oe *net.OpError
		return errors.As(err, &oe)
	}},
	{Name: "dns", Match: func(err error) bool {
		var de *net.DNSError
		return errors.As(err, &de)
	}},
}

// TransportFailure returns the name of the first signature matching err.
func TransportFailure(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	for _, sig := range TransportSignatures {
		if sig.Match(err) {
			return sig.Name, true
		}
	}
	return "", false
}

// IsTransportFailure reports whether err is a recognized transport failure.
func IsTransportFailure(err error) bool {
	_, ok := TransportFailure(err)
	return ok
}

// Classify translates a native error into a canonical one.
// Errors that are already classified pass through unchanged; transport failures
// become ConnectionError; classifier gets the next chance; anything left is
// wrapped as the fallback kind so native error types never leak.
func Classify(err error, classifier func(error) (ErrorKind, bool), fallback ErrorKind, message string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if IsTransportFailure(err) {
		return NewConnectionError(message, err)
	}
	if classifier != nil {
		if kind, ok := classifier(err); ok {
			return NewError(kind, message, err)
		}
	}
	return NewError(fallback, message, err)
}
