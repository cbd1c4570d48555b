package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/popauth/endpoint"
	"github.com/mnehpets/popauth/middleware"
)

func TestResultMessage(t *testing.T) {
	got, err := ResultMessage("github", StatusSuccess, successBody{Token: "gho_abc"})
	if err != nil {
		t.Fatalf("ResultMessage: %v", err)
	}
	if want := `authorization:github:success:{"token":"gho_abc"}`; got != want {
		t.Errorf("got %q want %q", got, want)
	}

	got, _ = ResultMessage("gitlab", StatusError, errorBody{Message: "invalid state"})
	if want := `authorization:gitlab:error:{"message":"invalid state"}`; got != want {
		t.Errorf("got %q want %q", got, want)
	}

	if got := Signal("github"); got != "authorizing:github" {
		t.Errorf("Signal: got %q", got)
	}
}

// renderCompletion renders c behind the completion page security headers.
func renderCompletion(t *testing.T, c *CompletionRenderer) *httptest.ResponseRecorder {
	t.Helper()
	h := endpoint.Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return c, nil
	}, middleware.NewCompletionPageSecurityHeadersProcessor())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	return rec
}

func TestCompletionRenderer_Success(t *testing.T) {
	rec := renderCompletion(t, Success("github", "https://example.com", "gho_abc"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q", ct)
	}
	if got := rec.Header().Get("Cross-Origin-Opener-Policy"); got != "unsafe-none" {
		t.Errorf("COOP: got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control: got %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"authorizing:github",
		"authorization:github:success:",
		"gho_abc",
		"https://example.com",
		"event.source !== opener",
		"removeEventListener",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, `"*"`+";") {
		t.Errorf("target is a wildcard:\n%s", body)
	}
}

func TestCompletionRenderer_ScriptNonce(t *testing.T) {
	rec := renderCompletion(t, Success("github", "", "tok"))

	csp := rec.Header().Get("Content-Security-Policy")
	start := strings.Index(csp, "'nonce-")
	if start < 0 {
		t.Fatalf("CSP has no nonce: %q", csp)
	}
	nonce := csp[start+len("'nonce-"):]
	nonce = nonce[:strings.Index(nonce, "'")]
	if !strings.Contains(rec.Body.String(), `<script nonce="`+nonce+`">`) {
		t.Errorf("script does not carry the CSP nonce %q:\n%s", nonce, rec.Body.String())
	}
}

func TestCompletionRenderer_FailureFallsBackToAnyOrigin(t *testing.T) {
	rec := renderCompletion(t, Failure(http.StatusBadRequest, "gitlab", "", "invalid state"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"authorization:gitlab:error:", "invalid state", "Authorization failed"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(body, `var target = "*";`) {
		t.Errorf("target is not the wildcard:\n%s", body)
	}
}

func TestCompletionRenderer_WithoutNonce(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/callback", nil).WithContext(context.Background())
	if err := Success("github", "", "tok").Render(rec, r); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "authorization:github:success:") {
		t.Errorf("body: %s", rec.Body.String())
	}
}
