// Command popauth serves the OAuth popup login broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/popauth/auth"
	"github.com/mnehpets/popauth/config"
	"github.com/mnehpets/popauth/middleware"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "popauth: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "popauth: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newHandler wires the flow components from cfg.
func newHandler(cfg *config.Config, logger *slog.Logger) (*auth.AuthHandler, error) {
	stateKey, err := cfg.StateKey()
	if err != nil {
		return nil, err
	}
	states, err := auth.NewStateManager(auth.StateMode(cfg.StateMode), stateKey)
	if err != nil {
		return nil, err
	}

	clients, err := auth.NewClientFactory(cfg.PublicURL, map[string]auth.ProviderConfig{
		auth.ProviderGitHub: {ClientID: cfg.GitHub.ClientID, ClientSecret: cfg.GitHub.ClientSecret, Hostname: cfg.GitHub.Hostname},
		auth.ProviderGitLab: {ClientID: cfg.GitLab.ClientID, ClientSecret: cfg.GitLab.ClientSecret, Hostname: cfg.GitLab.Hostname},
	}, auth.WithProviderTimeout(cfg.ProviderTimeout))
	if err != nil {
		return nil, err
	}

	keyID, keys, err := cfg.CookieKeys()
	if err != nil {
		return nil, err
	}
	store, err := auth.NewCookieStateStore(clients.Providers(), auth.CallbackPath, cfg.CookieSecure, keyID, keys)
	if err != nil {
		return nil, err
	}

	sites := auth.NewSiteAuthorizer(cfg.AllowedSiteIDs, auth.WithRequireReferer(cfg.RequireTrustedReferer))

	opts := []auth.Option{auth.WithLogger(logger)}
	if !cfg.CookieSecure {
		opts = append(opts, auth.WithSecurityHeaderOptions(middleware.WithoutHSTS()))
	}
	return auth.NewHandler(sites, clients, states, store, opts...), nil
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	h, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ProviderTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "public_url", cfg.PublicURL, "state_mode", cfg.StateMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
