package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/gitlab"
)

// Supported providers.
const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

// CallbackPath is where providers redirect back to.
const CallbackPath = "/callback"

// DefaultProviderTimeout bounds each token exchange.
const DefaultProviderTimeout = 10 * time.Second

// ProviderConfig holds the credentials for one provider. A provider with an
// empty ClientID is not configured and is rejected like an unknown one.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string

	// Hostname selects a GitHub Enterprise or self-managed GitLab instance,
	// reached over https. Empty means the public service.
	Hostname string
}

// AuthorizationOptions are the per-flow parameters of an authorization URL.
type AuthorizationOptions struct {
	State        string
	Scopes       []string
	PKCEVerifier string
	Nonce        string
}

// ExchangeOptions carry the per-flow values recovered from the state cookie.
type ExchangeOptions struct {
	PKCEVerifier string

	// Nonce, when set, requires the token response to carry an ID token
	// with a matching nonce.
	Nonce string
}

// Token is the result of a successful code exchange.
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
}

// Client talks to one provider on behalf of one flow.
type Client interface {
	// Provider returns the provider name.
	Provider() string

	// WantsNonce reports whether a flow with scopes should send an OIDC
	// nonce.
	WantsNonce(scopes []string) bool

	// AuthorizationURL returns the provider URL the browser is sent to.
	AuthorizationURL(opts AuthorizationOptions) string

	// ExchangeCode redeems code for a token. Failures are ErrNetwork,
	// errors matching ErrInvalidCode, or *ProviderError.
	ExchangeCode(ctx context.Context, code string, opts ExchangeOptions) (*Token, error)
}

type providerEntry struct {
	name     string
	cfg      ProviderConfig
	endpoint oauth2.Endpoint
	verifier *oidc.IDTokenVerifier
}

// ClientFactory produces a Client per request for the configured providers.
type ClientFactory struct {
	publicURL  *url.URL
	providers  map[string]*providerEntry
	httpClient *http.Client
}

// FactoryOption configures a ClientFactory.
type FactoryOption func(*ClientFactory)

// WithHTTPClient sets the client used for token exchanges and key fetches.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *ClientFactory) { f.httpClient = c }
}

// WithProviderTimeout sets the timeout of the default HTTP client.
func WithProviderTimeout(d time.Duration) FactoryOption {
	return func(f *ClientFactory) { f.httpClient = &http.Client{Timeout: d} }
}

// NewClientFactory returns a ClientFactory that builds redirect URLs under
// publicURL. Unknown provider names are an error; providers without a
// client id are skipped.
func NewClientFactory(publicURL string, providers map[string]ProviderConfig, opts ...FactoryOption) (*ClientFactory, error) {
	u, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("public url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("public url %q must be an absolute http(s) URL", publicURL)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("public url %q must not have a path", publicURL)
	}
	f := &ClientFactory{
		publicURL:  &url.URL{Scheme: u.Scheme, Host: u.Host},
		providers:  make(map[string]*providerEntry),
		httpClient: &http.Client{Timeout: DefaultProviderTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}

	for name, cfg := range providers {
		if cfg.ClientID == "" {
			continue
		}
		entry := &providerEntry{name: name, cfg: cfg}
		switch name {
		case ProviderGitHub:
			entry.endpoint = github.Endpoint
			if cfg.Hostname != "" {
				base := "https://" + cfg.Hostname
				entry.endpoint = oauth2.Endpoint{
					AuthURL:   base + "/login/oauth/authorize",
					TokenURL:  base + "/login/oauth/access_token",
					AuthStyle: oauth2.AuthStyleInParams,
				}
			}
		case ProviderGitLab:
			base := "https://gitlab.com"
			entry.endpoint = gitlab.Endpoint
			if cfg.Hostname != "" {
				base = "https://" + cfg.Hostname
				entry.endpoint = oauth2.Endpoint{
					AuthURL:  base + "/oauth/authorize",
					TokenURL: base + "/oauth/token",
				}
			}
			keyCtx := oidc.ClientContext(context.Background(), f.httpClient)
			keySet := oidc.NewRemoteKeySet(keyCtx, base+"/oauth/discovery/keys")
			entry.verifier = oidc.NewVerifier(base, keySet, &oidc.Config{ClientID: cfg.ClientID})
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, name)
		}
		f.providers[name] = entry
	}
	return f, nil
}

// Providers returns the configured provider names, sorted.
func (f *ClientFactory) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RedirectURL returns the callback URL for a flow. It embeds provider and
// siteID so the callback can rebuild the flow without server-side state.
func (f *ClientFactory) RedirectURL(provider, siteID string) string {
	u := *f.publicURL
	u.Path = CallbackPath
	u.RawQuery = url.Values{"provider": {provider}, "site_id": {siteID}}.Encode()
	return u.String()
}

// Create returns a Client for provider and siteID.
func (f *ClientFactory) Create(provider, siteID string) (Client, error) {
	entry, ok := f.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}
	return &oauthClient{
		entry: entry,
		config: oauth2.Config{
			ClientID:     entry.cfg.ClientID,
			ClientSecret: entry.cfg.ClientSecret,
			Endpoint:     entry.endpoint,
			RedirectURL:  f.RedirectURL(provider, siteID),
		},
		httpClient: f.httpClient,
	}, nil
}

// oauthClient is the Client for both providers. GitLab differs only in
// having an ID token verifier.
type oauthClient struct {
	entry      *providerEntry
	config     oauth2.Config
	httpClient *http.Client
}

func (c *oauthClient) Provider() string {
	return c.entry.name
}

func (c *oauthClient) WantsNonce(scopes []string) bool {
	return c.entry.verifier != nil && slices.Contains(scopes, oidc.ScopeOpenID)
}

func (c *oauthClient) AuthorizationURL(opts AuthorizationOptions) string {
	cfg := c.config
	cfg.Scopes = opts.Scopes
	var params []oauth2.AuthCodeOption
	if opts.PKCEVerifier != "" {
		params = append(params, oauth2.S256ChallengeOption(opts.PKCEVerifier))
	}
	if opts.Nonce != "" {
		params = append(params, oidc.Nonce(opts.Nonce))
	}
	return cfg.AuthCodeURL(opts.State, params...)
}

func (c *oauthClient) ExchangeCode(ctx context.Context, code string, opts ExchangeOptions) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidCode)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var params []oauth2.AuthCodeOption
	if opts.PKCEVerifier != "" {
		params = append(params, oauth2.VerifierOption(opts.PKCEVerifier))
	}
	tok, err := c.config.Exchange(ctx, code, params...)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	if opts.Nonce != "" {
		if err := c.verifyIDToken(ctx, tok, opts.Nonce); err != nil {
			return nil, err
		}
	}
	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
	}, nil
}

func (c *oauthClient) verifyIDToken(ctx context.Context, tok *oauth2.Token, nonce string) error {
	if c.entry.verifier == nil {
		return &ProviderError{Code: "invalid_id_token", Description: "provider does not issue ID tokens"}
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return &ProviderError{Code: "invalid_id_token", Description: "missing id_token"}
	}
	idToken, err := c.entry.verifier.Verify(oidc.ClientContext(ctx, c.httpClient), raw)
	if err != nil {
		if isNetworkError(err) {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return &ProviderError{Code: "invalid_id_token", Description: "id_token verification failed"}
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return &ProviderError{Code: "invalid_id_token", Description: "nonce mismatch"}
	}
	return nil
}

// classifyExchangeError maps an oauth2 Exchange error onto the flow errors.
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint returned %d", ErrNetwork, re.Response.StatusCode)
		}
		code := re.ErrorCode
		if code == "" {
			code = "token_exchange_failed"
		}
		return &ProviderError{Code: code, Description: re.ErrorDescription}
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return &ProviderError{Code: "token_exchange_failed", Description: "token exchange failed"}
}

func isNetworkError(err error) bool {
	var ue *url.Error
	var ne net.Error
	return errors.As(err, &ue) || errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}
