package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
)

// Args are the arguments of a call as passed to a HandlerFunc.
//
// Batch calls carry one json.RawMessage per positional parameter. Form
// submissions carry a single *FormData. When the method was registered
// WithRequest, the *http.Request is the last element.
type Args []any

// FormData is the payload of a form submission: the submitted fields other
// than the Ext.Direct routing fields, and any uploaded files.
type FormData struct {
	Values url.Values
	Files  map[string][]*multipart.FileHeader
	// Type and Upload are the extType and extUpload routing fields. They do
	// not influence how the payload is decoded.
	Type   string
	Upload string
}

// File returns the first file uploaded under name.
func (f *FormData) File(name string) (*multipart.FileHeader, bool) {
	if f == nil {
		return nil, false
	}
	hs := f.Files[name]
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// Decode stores argument i in dst.
//
// A JSON argument is unmarshaled into dst. A form payload is assigned when
// dst is a **FormData or a *FormData, and a request when dst is a
// **http.Request. Any mismatch returns an error wrapping ErrArity.
func (a Args) Decode(i int, dst any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: no argument %d", ErrArity, i)
	}
	switch v := a[i].(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%w: argument %d: %v", ErrArity, i, err)
		}
		return nil
	case *FormData:
		switch d := dst.(type) {
		case **FormData:
			*d = v
			return nil
		case *FormData:
			*d = *v
			return nil
		}
	case *http.Request:
		if d, ok := dst.(**http.Request); ok {
			*d = v
			return nil
		}
	}
	return fmt.Errorf("%w: argument %d is %T, cannot decode into %T", ErrArity, i, a[i], dst)
}

// Bind decodes the leading arguments into dst, in order.
func (a Args) Bind(dst ...any) error {
	if len(dst) > len(a) {
		return fmt.Errorf("%w: want %d arguments, have %d", ErrArity, len(dst), len(a))
	}
	for i, d := range dst {
		if err := a.Decode(i, d); err != nil {
			return err
		}
	}
	return nil
}

// Request returns the injected request, when present.
func (a Args) Request() (*http.Request, bool) {
	if len(a) == 0 {
		return nil, false
	}
	r, ok := a[len(a)-1].(*http.Request)
	return r, ok
}

// Form returns the form payload of a form submission.
func (a Args) Form() (*FormData, bool) {
	if len(a) == 0 {
		return nil, false
	}
	f, ok := a[0].(*FormData)
	return f, ok
}

// Func0 adapts a handler without parameters.
func Func0[R any](fn func(ctx context.Context) (R, error)) HandlerFunc {
	return func(ctx context.Context, _ Args) (any, error) {
		return fn(ctx)
	}
}

// Func1 adapts a handler of one parameter decoded from the first argument.
func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) HandlerFunc {
	return func(ctx context.Context, args Args) (any, error) {
		var a A
		if err := args.Bind(&a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a handler of two parameters decoded from the first two arguments.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) HandlerFunc {
	return func(ctx context.Context, args Args) (any, error) {
		var a A
		var b B
		if err := args.Bind(&a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}
