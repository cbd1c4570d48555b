package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/popauth/config"
)

func testConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	environ := map[string]string{
		"POPAUTH_LISTEN_ADDR":      "127.0.0.1:0",
		"POPAUTH_PUBLIC_URL":       "https://auth.example.com",
		"POPAUTH_SECRET":           "0123456789abcdef0123456789abcdef",
		"POPAUTH_ALLOWED_SITE_IDS": "example.com",
		"GITHUB_CLIENT_ID":         "gh-id",
		"GITHUB_CLIENT_SECRET":     "gh-secret",
	}
	for k, v := range extra {
		environ[k] = v
	}
	cfg, err := config.Parse(environ)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestNewHandler(t *testing.T) {
	cfg := testConfig(t, nil)
	h, err := newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth?site_id=example.com&provider=github&scope=repo", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("/auth: got %d %q", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://github.com/login/oauth/authorize?") {
		t.Errorf("Location: got %q", loc)
	}
	if !strings.Contains(loc, "redirect_uri=https%3A%2F%2Fauth.example.com%2Fcallback") {
		t.Errorf("redirect_uri: got %q", loc)
	}
	if !strings.HasPrefix(rec.Header().Get("Set-Cookie"), "__Secure-github-state=") {
		t.Errorf("Set-Cookie: got %q", rec.Header().Get("Set-Cookie"))
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing with secure cookies")
	}

	// GitLab has no client id, so it is not offered.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth?site_id=example.com&provider=gitlab", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("gitlab: got %d", rec.Code)
	}
}

func TestNewHandler_InsecureDevelopment(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"POPAUTH_PUBLIC_URL":    "http://localhost:8080",
		"POPAUTH_COOKIE_SECURE": "false",
		"POPAUTH_STATE_MODE":    "random",
	})
	h, err := newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth?site_id=localhost&provider=github", nil))
	if !strings.HasPrefix(rec.Header().Get("Set-Cookie"), "github-state=") {
		t.Errorf("Set-Cookie: got %q", rec.Header().Get("Set-Cookie"))
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain http: %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, testConfig(t, map[string]string{"LOG_FORMAT": "json", "LOG_LEVEL": "warn"}))
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not a single JSON line: %v: %q", err, buf.String())
	}
	if line["msg"] != "kept" || line["k"] != "v" {
		t.Errorf("line: %v", line)
	}
}

func TestRun_Shutdown(t *testing.T) {
	cfg := testConfig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
