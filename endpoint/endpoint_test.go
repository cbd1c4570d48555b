package endpoint

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func TestHandler_ProcessorsThenRenderer(t *testing.T) {
	var order []string
	record := func(name string) Processor {
		return ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
			order = append(order, name)
			return next(w, r)
		})
	}

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, params struct {
		Name string `query:"name"`
	}) (Renderer, error) {
		order = append(order, "endpoint")
		return &StringRenderer{Body: "hello " + strings.ToUpper(params.Name)}, nil
	}, record("a"), headerProcessor{Key: "X-Test", Value: "1"}, record("b"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?name=world", nil))

	if got := rec.Body.String(); got != "hello WORLD" {
		t.Fatalf("body: got %q", got)
	}
	if got := rec.Result().Header.Get("X-Test"); got != "1" {
		t.Fatalf("X-Test: got %q", got)
	}
	if got := strings.Join(order, ","); got != "a,b,endpoint" {
		t.Fatalf("order: got %q", got)
	}
}

func TestHandler_ProcessorShortCircuit(t *testing.T) {
	called := false
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		called = true
		return &StringRenderer{Body: "ok"}, nil
	}, ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		return Error(http.StatusForbidden, "blocked", nil)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Fatal("endpoint should not run")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "blocked") {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
		hideBody   string
	}{
		{
			name:       "endpoint error",
			err:        Error(http.StatusBadRequest, "invalid request", errors.New("site_id not allowed")),
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid request",
			hideBody:   "site_id",
		},
		{
			name:       "wrapped endpoint error",
			err:        fmt.Errorf("outer: %w", Error(http.StatusTeapot, "", nil)),
			wantStatus: http.StatusTeapot,
			wantBody:   http.StatusText(http.StatusTeapot),
		},
		{
			name:       "plain error is generic 500",
			err:        errors.New("secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Internal Server Error",
			hideBody:   "secret detail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
				return nil, tt.err
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body: got %q want to contain %q", rec.Body.String(), tt.wantBody)
			}
			if tt.hideBody != "" && strings.Contains(rec.Body.String(), tt.hideBody) {
				t.Fatalf("body leaked %q: %q", tt.hideBody, rec.Body.String())
			}
		})
	}
}

func TestError_AvoidsDoubleWrap(t *testing.T) {
	inner := Error(http.StatusBadRequest, "inner", nil)
	outer := Error(http.StatusInternalServerError, "outer", inner)
	if outer != inner {
		t.Fatalf("expected inner error to be returned unchanged")
	}
	cause := errors.New("cause")
	if !errors.Is(Error(http.StatusBadRequest, "x", cause), cause) {
		t.Fatal("expected Unwrap to expose cause")
	}
}

func TestHandler_NilRenderer(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestRedirectRenderer_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &RedirectRenderer{URL: "https://provider.example/authorize?state=x"}
	if err := rr.Render(rec, httptest.NewRequest(http.MethodGet, "/auth", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("status: got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != rr.URL {
		t.Fatalf("Location: got %q", got)
	}
}

func TestRedirectRenderer_NoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	rr := &RedirectRenderer{URL: "https://provider.example/authorize?state=secret", Status: http.StatusSeeOther}
	if err := rr.Render(rec, httptest.NewRequest(http.MethodGet, "/auth", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status: got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestRedirectRenderer_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rr   *RedirectRenderer
	}{
		{"empty url", &RedirectRenderer{}},
		{"not a redirect status", &RedirectRenderer{URL: "https://provider.example/", Status: http.StatusOK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := tt.rr.Render(rec, httptest.NewRequest(http.MethodGet, "/auth", nil)); err == nil {
				t.Fatal("expected error")
			}
			if rec.Header().Get("Location") != "" {
				t.Error("Location set on error")
			}
		})
	}
}

func TestStringRenderer_KeepsContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/csv")
	if err := (&StringRenderer{Status: http.StatusTeapot, Body: "a,b"}).Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusTeapot || rec.Body.String() != "a,b" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("Content-Type: got %q", got)
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := template.Must(template.New("t").Parse(`<p>{{.}}</p>`))
	rec := httptest.NewRecorder()
	hr := &HTMLTemplateRenderer{
		Status:   http.StatusBadRequest,
		Template: tmpl,
		Values:   "<b>",
	}
	if err := hr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "<p>&lt;b&gt;</p>" {
		t.Fatalf("body: got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type: got %q", got)
	}
}

func TestHTMLTemplateRenderer_ExecError(t *testing.T) {
	tmpl := template.Must(template.New("t").Parse(`{{.Missing.Field}}`))
	rec := httptest.NewRecorder()
	hr := &HTMLTemplateRenderer{Template: tmpl, Values: struct{ Missing *struct{ Field string } }{}}
	if err := hr.Render(rec, httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected execution error")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", rec.Body.String())
	}
}
