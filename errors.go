package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRequest is returned for invoke requests missing required fields
	ErrMalformedRequest = errors.New("malformed invocation request")

	// ErrUnknownObject is returned when a request names an object not in the library
	ErrUnknownObject = errors.New("unknown object")

	// ErrUnknownMember is returned when a request names a member the object does not expose
	ErrUnknownMember = errors.New("unknown member")

	// ErrPrivateMember is returned when a request names an underscore-prefixed member
	ErrPrivateMember = errors.New("private member")

	// ErrAlreadyReplied is returned by a second Reply on the same mail
	ErrAlreadyReplied = errors.New("mail already replied")

	// ErrNotReady is returned when the host is used before Init completed
	ErrNotReady = errors.New("library host not ready")

	// ErrNotEventSource is returned when subscribing to an object that cannot emit events
	ErrNotEventSource = errors.New("object is not an event source")
)

// ConfigurationError is returned when the supervisor cannot be constructed
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
	}
	return "invalid configuration " + e.Field
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// InitializationError reports a library entry that failed to resolve,
// or a child process that exited before signalling readiness.
type InitializationError struct {
	Entry string
	Err   error
}

func (e *InitializationError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("library initialization failed at %q: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("library initialization failed: %v", e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *InitializationError) Unwrap() error {
	return e.Err
}

// InvocationError is a failure raised while executing a member of a hosted object
type InvocationError struct {
	Object string
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s.%s: %v", e.Object, e.Method, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// RemoteCallError represents an error reply received by a client
type RemoteCallError struct {
	Message string
	Err     error
}

func (e *RemoteCallError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking member
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
