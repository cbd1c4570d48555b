package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mnehpets/popauth/endpoint"
	"github.com/mnehpets/popauth/middleware"
	"golang.org/x/oauth2"
)

// AuthHandler serves the popup login flow:
//
//	GET /auth      starts a flow and redirects to the provider
//	GET /callback  finishes it and renders the completion page
//	GET /healthz   liveness
//	/              anything else is answered with 418
type AuthHandler struct {
	mux     *http.ServeMux
	sites   *SiteAuthorizer
	clients *ClientFactory
	states  *StateManager
	store   *CookieStateStore

	logger        *slog.Logger
	headerOptions []middleware.SecurityHeadersOption
	processors    []endpoint.Processor
}

// Option configures the AuthHandler.
type Option func(*AuthHandler)

// WithLogger sets the access logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ah *AuthHandler) {
		ah.logger = l
	}
}

// WithSecurityHeaderOptions adjusts the security headers of every endpoint,
// e.g. middleware.WithoutHSTS() for plain-http development.
func WithSecurityHeaderOptions(opts ...middleware.SecurityHeadersOption) Option {
	return func(ah *AuthHandler) {
		ah.headerOptions = append(ah.headerOptions, opts...)
	}
}

// WithProcessors adds processors that run after the access log and security
// headers on every endpoint.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(ah *AuthHandler) {
		ah.processors = append(ah.processors, p...)
	}
}

// AuthorizeParams are the /auth inputs.
type AuthorizeParams struct {
	SiteID   string `query:"site_id" maxLength:"253"`
	Provider string `query:"provider" maxLength:"32"`
	Scope    string `query:"scope"`
	Referer  string `header:"Referer"`
}

// CallbackParams are the /callback inputs.
type CallbackParams struct {
	SiteID           string `query:"site_id" maxLength:"253"`
	Provider         string `query:"provider" maxLength:"32"`
	State            string `query:"state"`
	Code             string `query:"code"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
	Referer          string `header:"Referer"`
}

// NewHandler creates the AuthHandler. store must hold a cookie for every
// provider clients can create.
func NewHandler(sites *SiteAuthorizer, clients *ClientFactory, states *StateManager, store *CookieStateStore, opts ...Option) *AuthHandler {
	h := &AuthHandler{
		mux:     http.NewServeMux(),
		sites:   sites,
		clients: clients,
		states:  states,
		store:   store,
	}
	for _, opt := range opts {
		opt(h)
	}

	accessLog := middleware.NewAccessLogProcessor(h.logger)
	strict := h.chain(accessLog, middleware.NewSecurityHeadersProcessor(h.headerOptions...))
	redirect := h.chain(accessLog, middleware.NewRedirectSecurityHeadersProcessor(h.headerOptions...))
	page := h.chain(accessLog, h.clearStateOnError(), middleware.NewCompletionPageSecurityHeadersProcessor(h.headerOptions...))

	h.mux.Handle("GET /auth", endpoint.Handler(h.authorize, redirect...))
	h.mux.Handle("GET "+CallbackPath, endpoint.Handler(h.callback, page...))
	h.mux.Handle("GET /healthz", endpoint.Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, strict...))
	h.mux.Handle("/", endpoint.Handler(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Status: http.StatusTeapot, Body: "I'm a teapot"}, nil
	}, strict...))
	return h
}

func (h *AuthHandler) chain(p ...endpoint.Processor) []endpoint.Processor {
	return append(p, h.processors...)
}

// clearStateOnError deletes the provider's state cookie when /callback ends
// in an error response, including requests whose parameters fail to decode.
// Every path that renders the completion page has already cleared it through
// RetrieveAndClear.
func (h *AuthHandler) clearStateOnError() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		err := next(w, r)
		if err != nil {
			h.store.Clear(w, r.URL.Query().Get("provider"))
		}
		return err
	})
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AuthHandler) authorize(w http.ResponseWriter, r *http.Request, params AuthorizeParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	middleware.AddLogAttrs(ctx, slog.String("provider", params.Provider), slog.String("site_id", params.SiteID))

	site, err := h.sites.Authorize(params.SiteID, params.Referer)
	if err != nil {
		return nil, reject(ctx, err)
	}
	client, err := h.clients.Create(params.Provider, site.ID)
	if err != nil {
		return nil, reject(ctx, err)
	}

	state, err := h.states.Generate(params.Provider, site.ID)
	if err != nil {
		return nil, internal(ctx, fmt.Errorf("generate state: %w", err))
	}
	scopes := strings.Fields(params.Scope)
	fs := FlowState{
		State:        state,
		SiteID:       site.ID,
		TrustOrigin:  site.TrustOrigin,
		PKCEVerifier: oauth2.GenerateVerifier(),
	}
	if client.WantsNonce(scopes) {
		if fs.Nonce, err = randomString(); err != nil {
			return nil, internal(ctx, fmt.Errorf("generate nonce: %w", err))
		}
	}
	if err := h.store.Store(w, params.Provider, fs); err != nil {
		return nil, internal(ctx, fmt.Errorf("store state: %w", err))
	}

	return &endpoint.RedirectRenderer{
		URL: client.AuthorizationURL(AuthorizationOptions{
			State:        state,
			Scopes:       scopes,
			PKCEVerifier: fs.PKCEVerifier,
			Nonce:        fs.Nonce,
		}),
		Status: http.StatusFound,
	}, nil
}

func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	middleware.AddLogAttrs(ctx, slog.String("provider", params.Provider), slog.String("site_id", params.SiteID))

	if !h.sites.Allowed(params.SiteID) {
		return nil, reject(ctx, fmt.Errorf("%w: %q", ErrInvalidSiteID, params.SiteID))
	}
	client, err := h.clients.Create(params.Provider, params.SiteID)
	if err != nil {
		return nil, reject(ctx, err)
	}

	fs, err := h.store.RetrieveAndClear(w, r, params.Provider)
	if err == nil {
		err = h.states.Verify(params.State, fs.State, params.Provider, params.SiteID)
	}
	if err == nil && fs.SiteID != params.SiteID {
		err = fmt.Errorf("%w: site mismatch", ErrInvalidState)
	}
	if err != nil {
		// Without a verified cookie the only origin hint is this request.
		return fail(ctx, params.Provider, TrustOrigin(params.SiteID, params.Referer), err), nil
	}

	if params.Error != "" {
		return fail(ctx, params.Provider, fs.TrustOrigin, &ProviderError{Code: params.Error, Description: params.ErrorDescription}), nil
	}
	if params.Code == "" {
		return fail(ctx, params.Provider, fs.TrustOrigin, fmt.Errorf("%w: missing", ErrInvalidCode)), nil
	}

	tok, err := client.ExchangeCode(ctx, params.Code, ExchangeOptions{
		PKCEVerifier: fs.PKCEVerifier,
		Nonce:        fs.Nonce,
	})
	if err != nil {
		return fail(ctx, params.Provider, fs.TrustOrigin, err), nil
	}
	return Success(params.Provider, fs.TrustOrigin, tok.AccessToken), nil
}

// reject answers a request that failed site, referer or provider checks.
// The body does not say which check failed.
func reject(ctx context.Context, err error) error {
	middleware.AddLogAttrs(ctx, slog.String("error_kind", errorKind(err)))
	return endpoint.Error(http.StatusBadRequest, "invalid request", err)
}

func internal(ctx context.Context, err error) error {
	middleware.AddLogAttrs(ctx, slog.String("error_kind", errorKind(err)))
	return endpoint.Error(http.StatusInternalServerError, "internal error", err)
}

// fail renders a flow failure through the completion page so the opener
// learns the outcome.
func fail(ctx context.Context, provider, targetOrigin string, err error) *CompletionRenderer {
	middleware.AddLogAttrs(ctx,
		slog.String("error_kind", errorKind(err)),
		slog.String("error", err.Error()),
	)
	status, message := completionStatus(err)
	return Failure(status, provider, targetOrigin, message)
}

// completionStatus maps a callback error to the page status and the message
// delivered to the opener.
func completionStatus(err error) (int, string) {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest, "invalid state"
	case errors.As(err, &pe):
		return http.StatusBadRequest, pe.Message()
	case errors.Is(err, ErrInvalidCode):
		return http.StatusBadRequest, "invalid code"
	case errors.Is(err, ErrNetwork):
		return http.StatusInternalServerError, "provider unreachable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
