package direct

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc is the callable bound to a registered method. args holds the
// positional parameters of the call, followed by the *http.Request when the
// method was registered with WithRequest.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// MethodKey identifies a registered method.
type MethodKey struct {
	Action string
	Method string
}

// Method is a registered remote method and its metadata.
type Method struct {
	Action  string
	Name    string
	Handler HandlerFunc
	// Len is the number of positional parameters the handler expects,
	// not counting an injected request.
	Len int
	// FormHandler marks methods that are called by form submission and may
	// receive uploaded files.
	FormHandler bool
	// Permission, when non-empty, is checked with the Authorizer before the
	// handler runs.
	Permission string
	// RequestAsLastParam appends the *http.Request to the handler's args.
	RequestAsLastParam bool
}

// Key returns the method's identity.
func (m *Method) Key() MethodKey {
	return MethodKey{Action: m.Action, Method: m.Name}
}

// MethodDescriptor is one entry of an action in the remoting API descriptor.
type MethodDescriptor struct {
	Name        string `json:"name"`
	Len         int    `json:"len"`
	FormHandler bool   `json:"formHandler,omitempty"`
}

// Registry is the table of remote actions. It is safe for concurrent use;
// methods may be registered while calls are being routed.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]map[string]*Method
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]map[string]*Method),
	}
}

// Register adds m, replacing any method already registered under the same
// action and name. It panics if the action, name or handler is missing.
func (reg *Registry) Register(m Method) {
	if m.Action == "" || m.Name == "" {
		panic("direct: register: action and method name are required")
	}
	if m.Handler == nil {
		panic("direct: register: nil handler for " + m.Action + "." + m.Name)
	}
	if m.Len < 0 {
		panic("direct: register: negative len for " + m.Action + "." + m.Name)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	methods, ok := reg.actions[m.Action]
	if !ok {
		methods = make(map[string]*Method)
		reg.actions[m.Action] = methods
	}
	methods[m.Name] = &m
}

// Resolve returns the method registered for action and method. The error
// is a *NotFoundError matching ErrNotFound.
func (reg *Registry) Resolve(action, method string) (*Method, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	methods, ok := reg.actions[action]
	if !ok {
		return nil, &NotFoundError{Action: action, Method: method, UnknownAction: true}
	}
	m, ok := methods[method]
	if !ok {
		return nil, &NotFoundError{Action: action, Method: method}
	}
	return m, nil
}

// Describe returns the actions section of the remoting API descriptor.
// Methods are ordered by name.
func (reg *Registry) Describe() map[string][]MethodDescriptor {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string][]MethodDescriptor, len(reg.actions))
	for action, methods := range reg.actions {
		items := make([]MethodDescriptor, 0, len(methods))
		for _, m := range methods {
			items = append(items, MethodDescriptor{
				Name:        m.Name,
				Len:         m.Len,
				FormHandler: m.FormHandler,
			})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		out[action] = items
	}
	return out
}

// Actions returns the registered action names, sorted.
func (reg *Registry) Actions() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.actions))
	for name := range reg.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered methods across all actions.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	n := 0
	for _, methods := range reg.actions {
		n += len(methods)
	}
	return n
}

// ActionOption configures an ActionBuilder.
type ActionOption func(*ActionBuilder)

// WithDefaultPermission sets the permission applied to every method of the
// action that does not name its own.
func WithDefaultPermission(permission string) ActionOption {
	return func(b *ActionBuilder) {
		b.permission = permission
	}
}

// MethodOption configures a Method at registration.
type MethodOption func(*Method)

// WithPermission requires permission to call the method.
func WithPermission(permission string) MethodOption {
	return func(m *Method) {
		m.Permission = permission
	}
}

// AcceptsFiles declares the method as a form handler.
func AcceptsFiles() MethodOption {
	return func(m *Method) {
		m.FormHandler = true
	}
}

// WithRequest appends the *http.Request as the last handler argument.
func WithRequest() MethodOption {
	return func(m *Method) {
		m.RequestAsLastParam = true
	}
}

// ActionBuilder registers the methods of one action.
type ActionBuilder struct {
	reg        *Registry
	name       string
	permission string
}

// Action returns a builder that registers methods under name.
//
//	reg.Action("Profile", direct.WithDefaultPermission("profile.read")).
//		Method("getBasicInfo", 1, getBasicInfo).
//		Method("updateBasicInfo", 1, update, direct.AcceptsFiles(), direct.WithPermission("profile.write"))
func (reg *Registry) Action(name string, opts ...ActionOption) *ActionBuilder {
	b := &ActionBuilder{reg: reg, name: name}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Method registers a method of n positional parameters.
func (b *ActionBuilder) Method(name string, n int, fn HandlerFunc, opts ...MethodOption) *ActionBuilder {
	m := Method{
		Action:     b.name,
		Name:       name,
		Handler:    fn,
		Len:        n,
		Permission: b.permission,
	}
	for _, opt := range opts {
		opt(&m)
	}
	b.reg.Register(m)
	return b
}
