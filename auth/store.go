package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mnehpets/popauth/middleware"
)

// FlowState is the per-flow data sealed into the state cookie between /auth
// and /callback.
type FlowState struct {
	// State is the value sent to the provider as the state parameter.
	State string `cbor:"1,keyasint"`

	// SiteID is the allow-listed site that started the flow.
	SiteID string `cbor:"2,keyasint"`

	// TrustOrigin is the verified origin of the opener window, if the
	// /auth request carried a referer matching SiteID.
	TrustOrigin string `cbor:"3,keyasint,omitempty"`

	// PKCEVerifier is the RFC 7636 code verifier.
	PKCEVerifier string `cbor:"4,keyasint,omitempty"`

	// Nonce is the OIDC nonce, set when an ID token is expected.
	Nonce string `cbor:"5,keyasint,omitempty"`

	// ExpiresAt is a Unix timestamp; the cookie's Max-Age matches it.
	ExpiresAt int64 `cbor:"6,keyasint"`
}

// CookieName returns the state cookie name for provider. Secure cookies
// carry the __Secure- prefix so browsers only accept them over HTTPS.
func CookieName(provider string, secure bool) string {
	name := provider + "-state"
	if secure {
		name = middleware.SecurePrefix + name
	}
	return name
}

// CookieStateStore keeps a FlowState client-side in a sealed cookie, one
// cookie name per provider, scoped to the callback path.
type CookieStateStore struct {
	cookies map[string]*middleware.SecureCookie[FlowState]
	now     func() time.Time
}

// NewCookieStateStore builds the per-provider cookies. callbackPath scopes
// them so the browser sends them to the callback endpoint only.
func NewCookieStateStore(providers []string, callbackPath string, secure bool, keyID string, keys map[string][]byte, opts ...middleware.SecureCookieOption) (*CookieStateStore, error) {
	s := &CookieStateStore{
		cookies: make(map[string]*middleware.SecureCookie[FlowState], len(providers)),
		now:     time.Now,
	}
	base := []middleware.SecureCookieOption{
		middleware.WithPath(callbackPath),
		middleware.WithSecure(secure),
		middleware.WithSameSite(http.SameSiteLaxMode),
		middleware.WithMaxAge(StateTTL),
	}
	for _, p := range providers {
		sc, err := middleware.NewSecureCookie[FlowState](CookieName(p, secure), keyID, keys, append(base, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("state cookie for %s: %w", p, err)
		}
		s.cookies[p] = sc
	}
	return s, nil
}

// Store seals fs into the provider's state cookie, replacing any earlier one.
func (s *CookieStateStore) Store(w http.ResponseWriter, provider string, fs FlowState) error {
	sc, ok := s.cookies[provider]
	if !ok {
		return ErrInvalidProvider
	}
	fs.ExpiresAt = s.now().Add(sc.MaxAge()).Unix()
	c, err := sc.Encode(fs)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// RetrieveAndClear reads the provider's state cookie and always writes its
// deletion first, so a state cookie is usable at most once whatever the
// outcome.
func (s *CookieStateStore) RetrieveAndClear(w http.ResponseWriter, r *http.Request, provider string) (FlowState, error) {
	sc, ok := s.cookies[provider]
	if !ok {
		return FlowState{}, ErrInvalidProvider
	}
	http.SetCookie(w, sc.Clear())

	var lastErr error = http.ErrNoCookie
	for _, c := range r.CookiesNamed(sc.Name()) {
		fs, err := sc.Decode(c)
		if err != nil {
			lastErr = err
			continue
		}
		if s.now().Unix() > fs.ExpiresAt {
			return FlowState{}, fmt.Errorf("%w: expired", ErrInvalidState)
		}
		return fs, nil
	}
	if errors.Is(lastErr, http.ErrNoCookie) {
		return FlowState{}, fmt.Errorf("%w: no state cookie", ErrInvalidState)
	}
	return FlowState{}, fmt.Errorf("%w: %v", ErrInvalidState, lastErr)
}

// Clear writes the deletion cookie for provider without reading it.
func (s *CookieStateStore) Clear(w http.ResponseWriter, provider string) {
	if sc, ok := s.cookies[provider]; ok {
		http.SetCookie(w, sc.Clear())
	}
}
