package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the attacker-controlled data we will decode for a
// single cookie value.
const maxCookieLen = 4096

// DefaultAEADKeysize is the key size (in bytes) of the default AEAD,
// XChaCha20-Poly1305.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecurePrefix is the cookie name prefix that makes browsers refuse the
// cookie unless it is set with the Secure attribute from a secure origin.
const SecurePrefix = "__Secure-"

// SecureCookieCodec seals and opens byte values with a keyed AEAD.
//
// Format: keyID "." base64url(nonce || AEAD.Seal(nil, nonce, plain, aad))
//
// Keys holds every accepted key so that older cookies still open during a
// rotation; KeyID selects the key used for sealing.
type SecureCookieCodec struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSecureCookieCodec validates the key set and returns a codec.
func NewSecureCookieCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD factory", ErrCookieConfig)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &SecureCookieCodec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain under the current key. aad binds the ciphertext to its
// context (cookie name, domain, path, secure flag).
func (sc *SecureCookieCodec) Seal(plain, aad []byte) (string, error) {
	if sc == nil {
		return "", ErrCookieConfig
	}
	key, ok := sc.Keys[sc.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return sc.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any malformed or unauthenticated value yields
// ErrCookieFormat or ErrCookieInvalid.
func (sc *SecureCookieCodec) Open(value string, aad []byte) ([]byte, error) {
	if sc == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrCookieFormat
	}
	key, ok := sc.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := sc.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookie is a typed, sealed cookie. Values of T are marshaled (CBOR by
// default), sealed with the codec, and written with fixed attributes:
// HttpOnly always, and Secure/SameSite/Path/Domain/Max-Age as configured.
type SecureCookie[T any] struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	maxAge   time.Duration

	codec     *SecureCookieCodec
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	now       func() time.Time
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*cookieSettings)

// cookieSettings holds options independent of the cookie's value type.
type cookieSettings struct {
	path      string
	domain    string
	secure    bool
	sameSite  http.SameSite
	maxAge    time.Duration
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
	now       func() time.Time
}

// WithPath scopes the cookie to path.
func WithPath(path string) SecureCookieOption {
	return func(s *cookieSettings) { s.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(s *cookieSettings) { s.domain = domain }
}

// WithSecure sets the Secure attribute.
func WithSecure(secure bool) SecureCookieOption {
	return func(s *cookieSettings) { s.secure = secure }
}

// WithSameSite sets the SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(s *cookieSettings) { s.sameSite = sameSite }
}

// WithMaxAge sets the cookie lifetime. It must be at least one second.
func WithMaxAge(d time.Duration) SecureCookieOption {
	return func(s *cookieSettings) { s.maxAge = d }
}

// WithMarshalUnmarshal replaces the CBOR encoding.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(s *cookieSettings) {
		s.marshal = marshal
		s.unmarshal = unmarshal
	}
}

// WithAEAD replaces the AEAD factory (e.g. with AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(s *cookieSettings) { s.newAEAD = f }
}

// WithClock overrides the time source used for the Expires attribute.
func WithClock(now func() time.Time) SecureCookieOption {
	return func(s *cookieSettings) { s.now = now }
}

// NewSecureCookie creates a SecureCookie for values of type T.
//
// Defaults:
//   - Path: /
//   - HttpOnly: true
//   - Secure: true
//   - SameSite: Lax
//   - Max-Age: 1 hour
//   - Encoding: CBOR, sealed with XChaCha20-Poly1305
func NewSecureCookie[T any](name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	s := cookieSettings{
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		maxAge:    time.Hour,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		newAEAD:   chacha20poly1305.NewX,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.path == "" {
		s.path = "/"
	}
	if s.maxAge < time.Second {
		return nil, fmt.Errorf("%w: max age %v", ErrCookieConfig, s.maxAge)
	}
	if strings.HasPrefix(name, SecurePrefix) && !s.secure {
		return nil, fmt.Errorf("%w: %s cookie must be secure", ErrCookieConfig, SecurePrefix)
	}

	codec, err := NewSecureCookieCodec(keyID, keys, s.newAEAD)
	if err != nil {
		return nil, err
	}
	return &SecureCookie[T]{
		name:      name,
		path:      s.path,
		domain:    s.domain,
		secure:    s.secure,
		sameSite:  s.sameSite,
		maxAge:    s.maxAge,
		codec:     codec,
		marshal:   s.marshal,
		unmarshal: s.unmarshal,
		now:       s.now,
	}, nil
}

// Name returns the cookie name.
func (sc *SecureCookie[T]) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// MaxAge returns the configured cookie lifetime.
func (sc *SecureCookie[T]) MaxAge() time.Duration {
	return sc.maxAge
}

// aad binds the cookie name, domain, path and secure flag to the sealed
// value, so a value lifted from one cookie does not open as another.
func (sc *SecureCookie[T]) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

// Encode marshals and seals v and returns the cookie carrying it.
func (sc *SecureCookie[T]) Encode(v T) (*http.Cookie, error) {
	if sc == nil || sc.codec == nil || sc.marshal == nil {
		return nil, ErrCookieConfig
	}
	plain, err := sc.marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   int(sc.maxAge / time.Second),
		Expires:  sc.now().Add(sc.maxAge),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// Decode opens the cookie and unmarshals its value.
func (sc *SecureCookie[T]) Decode(cookie *http.Cookie) (T, error) {
	var v T
	if cookie == nil {
		return v, ErrCookieFormat
	}
	if sc == nil || sc.codec == nil || sc.unmarshal == nil {
		return v, ErrCookieConfig
	}
	if cookie.Name != sc.name {
		return v, ErrCookieFormat
	}
	plain, err := sc.codec.Open(cookie.Value, sc.aad())
	if err != nil {
		return v, err
	}
	if err := sc.unmarshal(plain, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return v, nil
}

// Clear returns a cookie that deletes this cookie in the client. Its
// attributes match Encode's so the browser replaces the same entry.
func (sc *SecureCookie[T]) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    "",
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}
