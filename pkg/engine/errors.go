package engine

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrorKind classifies an error for rendering, retry and logging decisions.
type ErrorKind string

const (
	// KindNotImplemented means the configured backend does not support the operation.
	KindNotImplemented ErrorKind = "not_implemented"

	// KindEntityNotFound means the entity does not exist or is not visible to the caller.
	KindEntityNotFound ErrorKind = "entity_not_found"

	// KindEntityCreate means the native creation call failed.
	KindEntityCreate ErrorKind = "entity_create"

	// KindEntityState means the native object is in a state that forbids the request.
	KindEntityState ErrorKind = "entity_state"

	// KindValidation means a restriction rule rejected a client-supplied entity.
	KindValidation ErrorKind = "validation"

	// KindAuthentication means the backend rejected the caller's credentials.
	KindAuthentication ErrorKind = "authentication"

	// KindAuthorization means the caller is not allowed to perform the operation.
	KindAuthorization ErrorKind = "authorization"

	// KindConnection means the backend is transiently unavailable.
	// Examples: timeouts, reset connections, transport faults.
	KindConnection ErrorKind = "connection"

	// KindTimeout means a convergence wait did not reach the expected state in time.
	KindTimeout ErrorKind = "timeout"

	// KindMalformedIdentifier means an identifier does not have the expected shape.
	KindMalformedIdentifier ErrorKind = "malformed_identifier"

	// KindMalformedVersion means a version string could not be parsed.
	KindMalformedVersion ErrorKind = "malformed_version"

	// KindBackendLoad means the backend or subtype could not be resolved.
	KindBackendLoad ErrorKind = "backend_load"

	// KindBackendVersionMismatch means an adapter reports an incompatible API version.
	KindBackendVersionMismatch ErrorKind = "backend_version_mismatch"

	// KindInternalAdapter is the catch-all for mapper and transform failures.
	KindInternalAdapter ErrorKind = "internal_adapter"
)

// Error is a classified gateway error with context.
type Error struct {
	// Kind is the canonical error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the entity identifier involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the contract operation being performed.
	Operation string `json:"operation,omitempty"`

	// Attribute is the attribute whose transform failed, if any.
	Attribute string `json:"attribute,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Attribute != "" {
		msg += fmt.Sprintf(" (attribute=%s)", e.Attribute)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
// This lets callers write errors.Is(err, engine.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithAttribute adds the failing attribute name to an error.
func (e *Error) WithAttribute(name string) *Error {
	e.Attribute = name
	return e
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons. Only the Kind is compared.
var (
	ErrNotImplemented         = &Error{Kind: KindNotImplemented, Message: "operation not implemented"}
	ErrNotFound               = &Error{Kind: KindEntityNotFound, Message: "entity not found"}
	ErrCreate                 = &Error{Kind: KindEntityCreate, Message: "entity creation failed"}
	ErrState                  = &Error{Kind: KindEntityState, Message: "invalid entity state"}
	ErrValidation             = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrAuthentication         = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrAuthorization          = &Error{Kind: KindAuthorization, Message: "authorization failed"}
	ErrConnection             = &Error{Kind: KindConnection, Message: "backend connection failed"}
	ErrTimeout                = &Error{Kind: KindTimeout, Message: "timed out"}
	ErrMalformedIdentifier    = &Error{Kind: KindMalformedIdentifier, Message: "malformed identifier"}
	ErrMalformedVersion       = &Error{Kind: KindMalformedVersion, Message: "malformed version"}
	ErrBackendLoad            = &Error{Kind: KindBackendLoad, Message: "backend could not be loaded"}
	ErrBackendVersionMismatch = &Error{Kind: KindBackendVersionMismatch, Message: "backend version mismatch"}
	ErrInternalAdapter        = &Error{Kind: KindInternalAdapter, Message: "internal adapter error"}
)

// NewNotImplementedError creates a new NotImplementedError for an operation.
func NewNotImplementedError(operation string) *Error {
	return NewError(KindNotImplemented, "operation is not supported by the configured backend", nil).
		WithOperation(operation)
}

// NewNotFoundError creates a new EntityNotFoundError.
func NewNotFoundError(id string, err error) *Error {
	return NewError(KindEntityNotFound, "entity not found", err).WithResource(id)
}

// NewCreateError creates a new EntityCreateError.
func NewCreateError(message string, err error) *Error {
	return NewError(KindEntityCreate, message, err)
}

// NewStateError creates a new EntityStateError.
func NewStateError(message string, err error) *Error {
	return NewError(KindEntityState, message, err)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, err error) *Error {
	return NewError(KindValidation, message, err)
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(message string, err error) *Error {
	return NewError(KindConnection, message, err)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(message string, err error) *Error {
	return NewError(KindTimeout, message, err)
}

// NewMalformedIdentifierError creates a new MalformedIdentifierError.
func NewMalformedIdentifierError(id, message string) *Error {
	return NewError(KindMalformedIdentifier, message, nil).WithResource(id)
}

// NewMalformedVersionError creates a new MalformedVersionError.
func NewMalformedVersionError(version string, err error) *Error {
	return NewError(KindMalformedVersion, fmt.Sprintf("cannot parse version %q", version), err)
}

// NewBackendLoadError creates a new BackendLoadError.
func NewBackendLoadError(message string, err error) *Error {
	return NewError(KindBackendLoad, message, err)
}

// NewBackendVersionMismatchError creates a new BackendVersionMismatchError.
func NewBackendVersionMismatchError(required, reported VersionSpec) *Error {
	return NewError(KindBackendVersionMismatch,
		fmt.Sprintf("adapter reports API version %s, gateway requires %d.x", reported, required.Major), nil)
}

// NewInternalAdapterError wraps a transform failure for the given attribute.
func NewInternalAdapterError(attribute string, err error) *Error {
	return NewError(KindInternalAdapter, "attribute transform failed", err).WithAttribute(attribute)
}

// KindOf returns the canonical kind of err, or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotImplemented returns true if the error is a NotImplementedError.
func IsNotImplemented(err error) bool {
	return KindOf(err) == KindNotImplemented
}

// IsNotFound returns true if the error is an EntityNotFoundError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindEntityNotFound
}

// IsConnection returns true if the error is a ConnectionError.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// Retryable returns true if the caller may retry the request.
// Only transient backend unavailability qualifies.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	default:
		return false
	}
}

// LogLevel returns the severity an error should be logged at.
// Connection problems reflect infrastructure health and outrank client mistakes.
func LogLevel(err error) zerolog.Level {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindInternalAdapter, KindBackendLoad, KindBackendVersionMismatch:
		return zerolog.ErrorLevel
	case KindAuthentication, KindAuthorization, KindEntityCreate:
		return zerolog.WarnLevel
	case KindEntityNotFound, KindValidation, KindMalformedIdentifier, KindNotImplemented:
		return zerolog.DebugLevel
	case "":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
