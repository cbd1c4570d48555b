package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// StateMode selects how state values are minted and checked.
type StateMode string

const (
	// StateModeRandom issues 256-bit random values. The sealed cookie is
	// the only source of truth; verification is an equality check.
	StateModeRandom StateMode = "random"
	// StateModeSigned issues HS256-signed tokens bound to the provider and
	// site, with their own expiry. Verification checks the signature and
	// claims in addition to equality with the cookie.
	StateModeSigned StateMode = "signed"
)

// StateTTL is the lifetime of a state value and of the cookie that carries
// it.
const StateTTL = 3 * time.Minute

// stateLength is the number of random bytes behind each state value, nonce
// and PKCE verifier: 32 bytes is 256 bits, 43 characters in base64url.
const stateLength = 32

// stateLeeway absorbs clock skew between instances behind a load balancer.
const stateLeeway = 5 * time.Second

// randomString returns stateLength random bytes, base64url encoded.
func randomString() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StateManager generates and verifies anti-CSRF state values.
type StateManager struct {
	mode   StateMode
	key    []byte
	signer jose.Signer
	ttl    time.Duration
	now    func() time.Time
}

// StateOption configures a StateManager.
type StateOption func(*StateManager)

// WithStateClock overrides the time source.
func WithStateClock(now func() time.Time) StateOption {
	return func(m *StateManager) { m.now = now }
}

// WithStateTTL overrides StateTTL for signed tokens.
func WithStateTTL(ttl time.Duration) StateOption {
	return func(m *StateManager) { m.ttl = ttl }
}

// NewStateManager returns a StateManager. key is required in signed mode and
// must be at least 32 bytes.
func NewStateManager(mode StateMode, key []byte, opts ...StateOption) (*StateManager, error) {
	m := &StateManager{mode: mode, key: key, ttl: StateTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	switch mode {
	case StateModeRandom:
	case StateModeSigned:
		if len(key) < 32 {
			return nil, fmt.Errorf("state signing key must be at least 32 bytes, got %d", len(key))
		}
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
		if err != nil {
			return nil, fmt.Errorf("state signer: %w", err)
		}
		m.signer = signer
	default:
		return nil, fmt.Errorf("unknown state mode %q", mode)
	}
	return m, nil
}

// Generate returns a fresh state value for a flow with provider and siteID.
func (m *StateManager) Generate(provider, siteID string) (string, error) {
	nonce, err := randomString()
	if err != nil {
		return "", err
	}
	if m.mode == StateModeRandom {
		return nonce, nil
	}

	now := m.now()
	claims := jwt.Claims{
		ID:       nonce,
		Subject:  siteID,
		Audience: jwt.Audience{provider},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.Signed(m.signer).Claims(claims).Serialize()
}

// Verify checks the state returned by the provider against the value stored
// in the flow cookie. Any failure is reported as ErrInvalidState.
func (m *StateManager) Verify(candidate, stored, provider, siteID string) error {
	if candidate == "" || stored == "" {
		return fmt.Errorf("%w: missing", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) != 1 {
		return fmt.Errorf("%w: mismatch", ErrInvalidState)
	}
	if m.mode == StateModeRandom {
		return nil
	}

	tok, err := jwt.ParseSigned(candidate, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var claims jwt.Claims
	if err := tok.Claims(m.key, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.ID == "" || claims.Expiry == nil {
		return fmt.Errorf("%w: incomplete claims", ErrInvalidState)
	}
	expected := jwt.Expected{
		Subject:     siteID,
		AnyAudience: jwt.Audience{provider},
		Time:        m.now(),
	}
	if err := claims.ValidateWithLeeway(expected, stateLeeway); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
