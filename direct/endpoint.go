package direct

import (
	"errors"
	"net/http"

	"github.com/mnehpets/directserve/endpoint"
)

// routerParams is empty: the router reads the body itself, since a form
// submission and a JSON batch are told apart only after the form is parsed.
type routerParams struct{}

// RouterEndpoint serves Ext.Direct calls. Pass it to endpoint.Handler to
// create an http.Handler.
func (rt *Router) RouterEndpoint(w http.ResponseWriter, r *http.Request, _ routerParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "Ext.Direct requires POST method", nil)
	}
	if r.ContentLength > rt.maxBodyBytes && !isMultipart(r) {
		return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", tooLarge(rt.maxBodyBytes))
	}

	body, html, err := rt.Route(r)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", err)
		case errors.Is(err, ErrMalformedRequest):
			return nil, endpoint.Error(http.StatusBadRequest, "malformed Ext.Direct request", err)
		}
		return nil, err
	}
	if html {
		return &endpoint.HTMLRenderer{StringRenderer: endpoint.StringRenderer{Body: body}}, nil
	}
	return &endpoint.StringRenderer{Body: body, ContentType: endpoint.ContentTypeJSON}, nil
}

func isMultipart(r *http.Request) bool {
	return endpoint.MediaType(r) == "multipart/form-data"
}

type apiParams struct {
	Format string `query:"format"`
}

// APIEndpoint serves the remoting API script, or the bare JSON descriptor
// when called with ?format=json.
func (rt *Router) APIEndpoint(w http.ResponseWriter, r *http.Request, params apiParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "", nil)
	}
	api := newAPIDescriptor(r, rt.reg, rt.namespace, rt.publicURL, rt.routerPath)
	if params.Format == "json" {
		return &endpoint.JSONRenderer{Value: api}, nil
	}
	script, err := renderScript(api, rt.namespace, rt.descriptor)
	if err != nil {
		return nil, err
	}
	return &endpoint.ScriptRenderer{StringRenderer: endpoint.StringRenderer{Body: script}}, nil
}

// API renders the remoting API script for r with the router's settings.
func (rt *Router) API(r *http.Request) (string, error) {
	return renderScript(newAPIDescriptor(r, rt.reg, rt.namespace, rt.publicURL, rt.routerPath), rt.namespace, rt.descriptor)
}

// Mount registers the router and API endpoints on mux at the configured
// paths. The processors run in front of both.
func (rt *Router) Mount(mux *http.ServeMux, processors ...endpoint.Processor) {
	mux.Handle(rt.routerPath, endpoint.Handler(rt.RouterEndpoint, processors...))
	mux.Handle(rt.apiPath, endpoint.Handler(rt.APIEndpoint, processors...))
}
