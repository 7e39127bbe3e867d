package endpoint

import (
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStringRenderers(t *testing.T) {
	tests := []struct {
		name       string
		preset     string
		r          Renderer
		wantStatus int
		wantType   string
		wantBody   string
	}{
		{"plain default", "", &StringRenderer{Body: "hello"}, http.StatusOK, ContentTypePlain, "hello"},
		{"explicit type", "", &StringRenderer{Body: "{}", ContentType: ContentTypeJSON}, http.StatusOK, ContentTypeJSON, "{}"},
		{"preset type kept", "text/custom", &StringRenderer{Body: "ok"}, http.StatusOK, "text/custom", "ok"},
		{"status", "", &StringRenderer{Status: http.StatusCreated, Body: "made"}, http.StatusCreated, ContentTypePlain, "made"},
		{"html", "text/custom", &HTMLRenderer{StringRenderer{Body: "<p>"}}, http.StatusOK, ContentTypeHTML, "<p>"},
		{"script", "", &ScriptRenderer{StringRenderer{Body: "Ext.ns('A');"}}, http.StatusOK, ContentTypeScript, "Ext.ns('A');"},
		{"no content", "", &NoContentRenderer{}, http.StatusNoContent, "", ""},
		{"no content status", "", &NoContentRenderer{Status: http.StatusAccepted}, http.StatusAccepted, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if tt.preset != "" {
				rec.Header().Set("Content-Type", tt.preset)
			}
			if err := tt.r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestJSONRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	r := &JSONRenderer{Status: http.StatusAccepted, Value: map[string]string{"html": "<a&b>"}}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != ContentTypeJSON {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Body.String(); got != "{\"html\":\"<a&b>\"}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestJSONRendererEncodeError(t *testing.T) {
	rec := httptest.NewRecorder()
	r := &JSONRenderer{Value: make(chan int)}
	if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Error("expected error")
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := template.Must(template.New("page").Parse(`<script src="{{.API}}"></script>`))
	template.Must(tmpl.New("other").Parse(`<b>{{.}}</b>`))

	t.Run("default", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := &HTMLTemplateRenderer{Template: tmpl, Values: map[string]string{"API": "/direct/api"}}
		if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
			t.Fatal(err)
		}
		if rec.Body.String() != `<script src="/direct/api"></script>` {
			t.Errorf("body = %q", rec.Body.String())
		}
		if rec.Header().Get("Content-Type") != ContentTypeHTML {
			t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
		}
	})

	t.Run("named", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := &HTMLTemplateRenderer{Template: tmpl, Name: "other", Values: "<x>"}
		if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
			t.Fatal(err)
		}
		if rec.Body.String() != `<b>&lt;x&gt;</b>` {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("execution error leaves response untouched", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := &HTMLTemplateRenderer{Template: tmpl, Name: "missing"}
		if err := r.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
			t.Fatal("expected error")
		}
		if rec.Body.Len() != 0 || rec.Header().Get("Content-Type") != "" {
			t.Error("partial response written")
		}
	})

	t.Run("nil template", func(t *testing.T) {
		if err := (&HTMLTemplateRenderer{}).Render(httptest.NewRecorder(), nil); err == nil {
			t.Error("expected error")
		}
	})
}
