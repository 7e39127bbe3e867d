package direct

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
)

// Envelope types.
const (
	TypeRPC       = "rpc"
	TypeException = "exception"
)

// FormResponseTemplate wraps the JSON response to a form submission. The
// client reads the textarea content, which is not parsed as markup.
const FormResponseTemplate = "<html><body><textarea>%s</textarea></body></html>"

// Envelope is the response to one call.
type Envelope struct {
	Type   string          `json:"type"`
	TID    json.RawMessage `json:"tid"`
	Action string          `json:"action"`
	Method string          `json:"method"`
	Result any             `json:"result"`
}

// JSONValuer is implemented by result values that supply their own JSON
// representation. The returned value is encoded in place of the receiver.
type JSONValuer interface {
	JSONValue() (any, error)
}

// maxValueDepth bounds JSONValue substitution chains and nesting.
const maxValueDepth = 64

// jsonValue replaces JSONValuer implementations in v, descending into
// []any and map[string]any. A nil pointer JSONValuer encodes as null. Other
// values are left to encoding/json.
func jsonValue(v any, depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("direct: encode: value nesting exceeds %d", maxValueDepth)
	}
	switch t := v.(type) {
	case JSONValuer:
		if rv := reflect.ValueOf(t); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil, nil
		}
		sub, err := t.JSONValue()
		if err != nil {
			return nil, err
		}
		return jsonValue(sub, depth+1)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			x, err := jsonValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			x, err := jsonValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	}
	return v, nil
}

// marshal encodes v without HTML escaping and without a trailing newline.
func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// EncodeEnvelopes encodes one envelope as a bare object and several as an
// array.
func EncodeEnvelopes(envs []Envelope) (string, error) {
	if len(envs) == 1 {
		return marshal(envs[0])
	}
	return marshal(envs)
}

// EncodeFormResponse encodes env for the response to a form submission.
func EncodeFormResponse(env Envelope) (string, error) {
	s, err := marshal(env)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(FormResponseTemplate, escapeTextarea(s)), nil
}

// escapeTextarea keeps the JSON intact once the browser has decoded the
// textarea content: literal &quot; sequences would otherwise turn into bare
// quotes, and a "</" could close the textarea.
func escapeTextarea(s string) string {
	s = strings.ReplaceAll(s, "&quot;", `\&quot;`)
	return strings.ReplaceAll(s, "</", `<\/`)
}

// APIDescriptor is the remoting provider configuration read by the client.
type APIDescriptor struct {
	URL       string                        `json:"url"`
	Type      string                        `json:"type"`
	Namespace string                        `json:"namespace"`
	Actions   map[string][]MethodDescriptor `json:"actions"`
}

// NewAPIDescriptor builds the descriptor for reg, with routerURL resolved
// against the application URL of r.
func NewAPIDescriptor(r *http.Request, reg *Registry, namespace, routerURL string) *APIDescriptor {
	return newAPIDescriptor(r, reg, namespace, "", routerURL)
}

func newAPIDescriptor(r *http.Request, reg *Registry, namespace, base, routerURL string) *APIDescriptor {
	return &APIDescriptor{
		URL:       absoluteURL(r, base, routerURL),
		Type:      "remoting",
		Namespace: namespace,
		Actions:   reg.Describe(),
	}
}

// RenderAPI returns the script that declares namespace and assigns the
// remoting API descriptor to the variable named descriptor.
func RenderAPI(r *http.Request, reg *Registry, namespace, descriptor, routerURL string) (string, error) {
	return renderScript(NewAPIDescriptor(r, reg, namespace, routerURL), namespace, descriptor)
}

func renderScript(api *APIDescriptor, namespace, descriptor string) (string, error) {
	js, err := marshal(api)
	if err != nil {
		return "", err
	}
	ns, err := marshal(namespace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Ext.ns(%s); %s = %s;", jsSingleQuote(ns), descriptor, js), nil
}

// jsSingleQuote turns a JSON string literal into a single-quoted one.
func jsSingleQuote(lit string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(lit, `"`), `"`)
	inner = strings.ReplaceAll(inner, `\"`, `"`)
	inner = strings.ReplaceAll(inner, `'`, `\'`)
	return "'" + inner + "'"
}

// absoluteURL resolves path against base, or against the application URL of
// r when base is empty. An already absolute path is returned as is.
func absoluteURL(r *http.Request, base, path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if base == "" {
		base = applicationURL(r)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// applicationURL returns scheme://host for r. The scheme honours TLS and a
// X-Forwarded-Proto header set by a proxy.
func applicationURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
