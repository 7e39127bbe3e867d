package endpoint

import "net/http"

const (
	ContentTypePlain  = "text/plain; charset=utf-8"
	ContentTypeHTML   = "text/html; charset=utf-8"
	ContentTypeScript = "text/javascript; charset=utf-8"
	ContentTypeJSON   = "application/json; charset=utf-8"
)

// StringRenderer writes Body with an optional status code and content type.
//
// Status defaults to 200 and ContentType to text/plain. A Content-Type set
// earlier (e.g. by a processor) is left alone.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = ContentTypePlain
	}
	w.Header().Set("Content-Type", contentType)
}

// Render implements Renderer for StringRenderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// HTMLRenderer writes an HTML body. It is used for the textarea-wrapped
// responses to Ext.Direct form submissions.
type HTMLRenderer struct {
	StringRenderer
}

// Render implements Renderer for HTMLRenderer.
func (hr *HTMLRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", ContentTypeHTML)
	return hr.StringRenderer.Render(w, r)
}

// ScriptRenderer writes a JavaScript body, such as the remoting API descriptor.
type ScriptRenderer struct {
	StringRenderer
}

// Render implements Renderer for ScriptRenderer.
func (sr *ScriptRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", ContentTypeScript)
	return sr.StringRenderer.Render(w, r)
}

// NoContentRenderer writes a response with no body.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}
