package host

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a host error.
type ErrorKind string

const (
	// KindInstantiationFailed means the sandbox could not instantiate the module.
	KindInstantiationFailed ErrorKind = "instantiation_failed"

	// KindMalformedItems means init returned text that is not a JSON item list.
	KindMalformedItems ErrorKind = "malformed_items"

	// KindCallFailed means a guest entry point call trapped or returned an error.
	KindCallFailed ErrorKind = "call_failed"

	// KindPluginNotFound means no live instance exists for the identity.
	KindPluginNotFound ErrorKind = "plugin_not_found"

	// KindInvalidArguments means cli_run received malformed arguments.
	KindInvalidArguments ErrorKind = "invalid_arguments"

	// KindCommandFailed means the external program exited unsuccessfully or could not start.
	KindCommandFailed ErrorKind = "command_failed"

	// KindInvalidOutputEncoding means the external program wrote non UTF-8 output.
	KindInvalidOutputEncoding ErrorKind = "invalid_output_encoding"

	// KindCommandDenied means the command policy rejected the invocation.
	KindCommandDenied ErrorKind = "command_denied"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrInstantiationFailed   = &Error{Kind: KindInstantiationFailed}
	ErrMalformedItems        = &Error{Kind: KindMalformedItems}
	ErrCallFailed            = &Error{Kind: KindCallFailed}
	ErrPluginNotFound        = &Error{Kind: KindPluginNotFound}
	ErrInvalidArguments      = &Error{Kind: KindInvalidArguments}
	ErrCommandFailed         = &Error{Kind: KindCommandFailed}
	ErrInvalidOutputEncoding = &Error{Kind: KindInvalidOutputEncoding}
	ErrCommandDenied         = &Error{Kind: KindCommandDenied}
)

// Error is a classified error raised by the registry or the command bridge.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind

	// Op is the operation being performed (initialize, query, select, cli_run, ...).
	Op string

	// Plugin is the plugin name, if known.
	Plugin string

	// Message is the human-readable error message.
	Message string

	// Stderr carries the captured standard error of a failed command.
	Stderr string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" && e.Plugin != "" {
		prefix = fmt.Sprintf("[%s] %s %s", e.Kind, e.Op, e.Plugin)
	} else if e.Op != "" {
		prefix = fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}

	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", prefix, msg, e.Err.Error())
	case e.Stderr != "":
		return fmt.Sprintf("%s: %s: %s", prefix, msg, e.Stderr)
	default:
		return fmt.Sprintf("%s: %s", prefix, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// newError builds a classified error.
func newError(kind ErrorKind, op, plugin, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Plugin:  plugin,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of err, or "" if err is not a host error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err means the plugin has no live instance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPluginNotFound)
}
