package direct

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by Registry.Resolve for an unknown action or method.
	ErrNotFound = errors.New("direct: not found")
	// ErrMalformedRequest is returned when a request cannot be parsed into calls.
	ErrMalformedRequest = errors.New("direct: malformed request")
	// ErrAccessDenied is raised when the Authorizer denies a method's permission.
	ErrAccessDenied = errors.New("Access denied")
	// ErrArity marks a call whose parameters do not fit the handler, either
	// by count or by shape. Handlers wrap it when decoding an argument fails.
	ErrArity = errors.New("direct: invalid arguments")
)

// NotFoundError describes a failed registry lookup.
type NotFoundError struct {
	Action string
	Method string
	// UnknownAction is true when the action itself is not registered.
	UnknownAction bool
}

func (e *NotFoundError) Error() string {
	if e.UnknownAction {
		return "Invalid action: " + e.Action
	}
	return fmt.Sprintf("No such method in '%s': '%s'", e.Action, e.Method)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PanicError carries a panic recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace returns the stack captured at the panic.
func (e *PanicError) StackTrace() []byte { return e.Stack }

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

// StackTracer is implemented by errors that carry the stack they were
// raised at. Exposed exception envelopes report it; other errors get the
// router's stack at the point the error was received.
type StackTracer interface {
	StackTrace() []byte
}

// ErrorPayload is the result of an exception envelope.
type ErrorPayload struct {
	Error          bool   `json:"error"`
	Message        string `json:"message"`
	ExceptionClass string `json:"exception_class,omitempty"`
	Stacktrace     string `json:"stacktrace,omitempty"`
}

// ExceptionView renders a handler error into a substitute result. Views are
// consulted in registration order; the first whose Match returns true and
// whose Render reports ok wins, and its value becomes the result of an "rpc"
// envelope. Views never see arity errors.
type ExceptionView struct {
	Match  func(err error) bool
	Render func(ctx context.Context, err error, r *http.Request) (result any, ok bool)
}

// MatchError returns a view for errors matching target under errors.Is.
func MatchError(target error, render func(ctx context.Context, err error, r *http.Request) (any, bool)) ExceptionView {
	return ExceptionView{
		Match:  func(err error) bool { return errors.Is(err, target) },
		Render: render,
	}
}

// MatchType returns a view for errors whose chain contains an E.
func MatchType[E error](render func(ctx context.Context, err E, r *http.Request) (any, bool)) ExceptionView {
	return ExceptionView{
		Match: func(err error) bool {
			var e E
			return errors.As(err, &e)
		},
		Render: func(ctx context.Context, err error, r *http.Request) (any, bool) {
			var e E
			if !errors.As(err, &e) {
				return nil, false
			}
			return render(ctx, e, r)
		},
	}
}
