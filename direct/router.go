package direct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults for a Router.
const (
	DefaultNamespace  = "Ext.app"
	DefaultDescriptor = "Ext.app.REMOTING_API"
	DefaultRouterPath = "/direct/router"
	DefaultAPIPath    = "/direct/api"
)

// Authorizer decides whether a request may call a method that requires
// permission.
type Authorizer interface {
	Allowed(ctx context.Context, permission string, m *Method, r *http.Request) (bool, error)
}

// AuthorizerFunc adapts a function to an Authorizer.
type AuthorizerFunc func(ctx context.Context, permission string, m *Method, r *http.Request) (bool, error)

func (f AuthorizerFunc) Allowed(ctx context.Context, permission string, m *Method, r *http.Request) (bool, error) {
	return f(ctx, permission, m, r)
}

// CallInfo describes one routed call.
type CallInfo struct {
	Action string
	Method string
	// Type is the envelope type of the outcome, TypeRPC or TypeException.
	Type     string
	Duration time.Duration
	// Err is the error that produced an exception, or the error that an
	// exception view replaced.
	Err error
}

// Observer receives a CallInfo after every call.
type Observer interface {
	ObserveCall(ctx context.Context, info CallInfo)
}

// Router dispatches Ext.Direct requests to the methods of a Registry.
type Router struct {
	reg        *Registry
	authorizer Authorizer
	views      []ExceptionView
	observer   Observer
	logger     *slog.Logger

	exposeExceptions bool
	concurrency      int
	maxFormMemory    int64
	maxBodyBytes     int64

	namespace  string
	descriptor string
	routerPath string
	apiPath    string
	publicURL  string
}

// Option configures a Router.
type Option func(*Router)

// WithAuthorizer sets the Authorizer consulted for methods with a
// permission. Without one, such methods are always denied.
func WithAuthorizer(a Authorizer) Option {
	return func(rt *Router) { rt.authorizer = a }
}

// WithExceptionView appends a view to the ordered exception view list.
func WithExceptionView(v ExceptionView) Option {
	return func(rt *Router) { rt.views = append(rt.views, v) }
}

// WithExceptionViews appends views in order.
func WithExceptionViews(vs ...ExceptionView) Option {
	return func(rt *Router) { rt.views = append(rt.views, vs...) }
}

// WithExposeExceptions controls whether exception envelopes carry the error
// message, class and stack trace. Enabled by default.
func WithExposeExceptions(expose bool) Option {
	return func(rt *Router) { rt.exposeExceptions = expose }
}

// WithObserver sets the Observer notified after each call.
func WithObserver(o Observer) Option {
	return func(rt *Router) { rt.observer = o }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithBatchConcurrency runs up to n calls of a batch concurrently. Values
// below 2 keep calls sequential. Responses stay in request order.
func WithBatchConcurrency(n int) Option {
	return func(rt *Router) { rt.concurrency = n }
}

// WithMaxFormMemory sets the memory budget for multipart form parsing.
func WithMaxFormMemory(n int64) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.maxFormMemory = n
		}
	}
}

// WithMaxBodyBytes bounds the size of a JSON request body.
func WithMaxBodyBytes(n int64) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.maxBodyBytes = n
		}
	}
}

// WithNamespace sets the client namespace of the remoting API.
func WithNamespace(ns string) Option {
	return func(rt *Router) { rt.namespace = ns }
}

// WithDescriptor sets the variable the API script assigns the descriptor to.
func WithDescriptor(d string) Option {
	return func(rt *Router) { rt.descriptor = d }
}

// WithRouterPath sets the path the router is mounted at, which is also the
// url advertised in the API descriptor.
func WithRouterPath(p string) Option {
	return func(rt *Router) { rt.routerPath = p }
}

// WithAPIPath sets the path the API script is mounted at.
func WithAPIPath(p string) Option {
	return func(rt *Router) { rt.apiPath = p }
}

// WithPublicURL sets the base that the router path is resolved against in
// the API descriptor, instead of the URL of the incoming request.
func WithPublicURL(u string) Option {
	return func(rt *Router) { rt.publicURL = u }
}

// NewRouter creates a Router for reg.
func NewRouter(reg *Registry, opts ...Option) *Router {
	rt := &Router{
		reg:              reg,
		logger:           slog.Default(),
		exposeExceptions: true,
		maxFormMemory:    defaultMaxFormMemory,
		maxBodyBytes:     defaultMaxBodyBytes,
		namespace:        DefaultNamespace,
		descriptor:       DefaultDescriptor,
		routerPath:       DefaultRouterPath,
		apiPath:          DefaultAPIPath,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Registry returns the registry the router dispatches to.
func (rt *Router) Registry() *Registry { return rt.reg }

// RouterPath returns the configured router path.
func (rt *Router) RouterPath() string { return rt.routerPath }

// APIPath returns the configured API script path.
func (rt *Router) APIPath() string { return rt.apiPath }

// Route parses r, runs its calls and encodes the response. htmlWrapped is
// true for form submissions, whose body is an HTML document. The only
// errors returned come from parsing and wrap ErrMalformedRequest; failures
// of individual calls are reported in their envelopes.
func (rt *Router) Route(r *http.Request) (body string, htmlWrapped bool, err error) {
	return rt.route(r, nil)
}

func (rt *Router) route(r *http.Request, raw []byte) (string, bool, error) {
	calls, form, err := parseRequest(r, raw, rt.maxFormMemory, rt.maxBodyBytes)
	if err != nil {
		return "", false, err
	}

	envs := rt.dispatch(r, calls)
	if form {
		body, err := EncodeFormResponse(envs[0])
		return body, true, err
	}
	body, err := EncodeEnvelopes(envs)
	return body, false, err
}

func (rt *Router) dispatch(r *http.Request, calls []Call) []Envelope {
	envs := make([]Envelope, len(calls))
	if rt.concurrency < 2 || len(calls) < 2 {
		for i, c := range calls {
			envs[i] = rt.call(r, c)
		}
		return envs
	}

	var g errgroup.Group
	g.SetLimit(rt.concurrency)
	for i, c := range calls {
		g.Go(func() error {
			envs[i] = rt.call(r, c)
			return nil
		})
	}
	_ = g.Wait()
	return envs
}

// call runs one call and always returns its envelope.
func (rt *Router) call(r *http.Request, c Call) Envelope {
	ctx := r.Context()
	start := time.Now()
	env := Envelope{TID: c.TID, Action: c.Action, Method: c.Method}

	m, err := rt.reg.Resolve(c.Action, c.Method)
	if err != nil {
		env.Type = TypeException
		env.Result = ErrorPayload{Error: true, Message: err.Error()}
		rt.finish(ctx, env, err, start)
		return env
	}

	raw, viewed, err := rt.execute(r, m, c.Params)
	if err == nil || viewed {
		env.Type = TypeRPC
		env.Result = raw
		rt.finish(ctx, env, err, start)
		return env
	}
	env.Type = TypeException
	env.Result = rt.errorPayload(m, err)
	rt.finish(ctx, env, err, start)
	return env
}

// execute invokes the handler and encodes its result, or the result of the
// exception view that handles its error. viewed reports that raw came from a
// view. A panic in any of the code it runs on behalf of the handler, such as
// JSONValue, MarshalJSON or a view's Render, is returned as a *PanicError.
func (rt *Router) execute(r *http.Request, m *Method, params []any) (raw json.RawMessage, viewed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			raw, viewed = nil, false
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	result, err := rt.invoke(r, m, params)
	if err == nil {
		if raw, err = encodeResult(result); err == nil {
			return raw, false, nil
		}
	}
	if isArity(err) {
		return nil, false, err
	}
	if v, ok := rt.view(r.Context(), err, r); ok {
		return v, true, err
	}
	return nil, false, err
}

// invoke checks permission and arity and calls the handler, recovering
// panics into a *PanicError so exception views can handle them.
func (rt *Router) invoke(r *http.Request, m *Method, params []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	if m.Permission != "" {
		if err := rt.authorize(r, m); err != nil {
			return nil, err
		}
	}
	if len(params) != m.Len {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d", ErrArity, m.Action, m.Name, m.Len, len(params))
	}

	args := make(Args, len(params), len(params)+1)
	copy(args, params)
	if m.RequestAsLastParam {
		args = append(args, r)
	}
	return m.Handler(r.Context(), args)
}

func (rt *Router) authorize(r *http.Request, m *Method) error {
	if rt.authorizer == nil {
		return ErrAccessDenied
	}
	ok, err := rt.authorizer.Allowed(r.Context(), m.Permission, m, r)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

// view returns the substitute result of the first matching exception view.
func (rt *Router) view(ctx context.Context, err error, r *http.Request) (json.RawMessage, bool) {
	for _, v := range rt.views {
		if v.Match == nil || v.Render == nil || !v.Match(err) {
			continue
		}
		res, ok := v.Render(ctx, err, r)
		if !ok {
			continue
		}
		raw, encErr := encodeResult(res)
		if encErr != nil {
			rt.logger.WarnContext(ctx, "direct: exception view result", "error", encErr)
			continue
		}
		return raw, true
	}
	return nil, false
}

// isArity reports an argument count or shape error raised by the router or
// a handler. A panic carrying ErrArity stays a panic.
func isArity(err error) bool {
	var pe *PanicError
	return errors.Is(err, ErrArity) && !errors.As(err, &pe)
}

func (rt *Router) errorPayload(m *Method, err error) ErrorPayload {
	arity := isArity(err)
	if !rt.exposeExceptions {
		msg := fmt.Sprintf("Error executing %s.%s", m.Action, m.Name)
		if arity {
			msg = invalidMethodMessage(m)
		}
		return ErrorPayload{Error: true, Message: msg}
	}

	p := ErrorPayload{
		Error:          true,
		Message:        err.Error(),
		ExceptionClass: exceptionClass(err),
	}
	if arity {
		p.Message = invalidMethodMessage(m)
	}
	var st StackTracer
	if errors.As(err, &st) {
		p.Stacktrace = string(st.StackTrace())
	} else {
		p.Stacktrace = string(debug.Stack())
	}
	return p
}

// exceptionClass names the kind of err: the router's sentinel, the type of
// a panic value, or the type of the innermost wrapped error.
func exceptionClass(err error) string {
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		return fmt.Sprintf("%T", pe.Value)
	case errors.Is(err, ErrArity):
		return "direct.ErrArity"
	case errors.Is(err, ErrAccessDenied):
		return "direct.ErrAccessDenied"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func invalidMethodMessage(m *Method) string {
	return fmt.Sprintf("Invalid method '%s' for action '%s'", m.Name, m.Action)
}

func (rt *Router) finish(ctx context.Context, env Envelope, err error, start time.Time) {
	d := time.Since(start)
	if env.Type == TypeException {
		rt.logger.WarnContext(ctx, "direct: call failed",
			"action", env.Action, "method", env.Method, "duration", d, "error", err)
	} else {
		rt.logger.DebugContext(ctx, "direct: call",
			"action", env.Action, "method", env.Method, "duration", d)
	}
	if rt.observer != nil {
		rt.observer.ObserveCall(ctx, CallInfo{
			Action:   env.Action,
			Method:   env.Method,
			Type:     env.Type,
			Duration: d,
			Err:      err,
		})
	}
}

// encodeResult resolves JSONValuer results and encodes v, so that a value
// that cannot be encoded fails its own call rather than the whole response.
func encodeResult(v any) (json.RawMessage, error) {
	v, err := jsonValue(v, 0)
	if err != nil {
		return nil, err
	}
	s, err := marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}
