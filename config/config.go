// Package config loads the popauth process configuration from the
// environment.
package config

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinSecretLength is the minimum length of POPAUTH_SECRET in bytes.
const MinSecretLength = 32

// Provider holds one provider's credentials.
type Provider struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
	Hostname     string `env:"HOSTNAME"`
}

// Configured reports whether the provider has a client id.
func (p Provider) Configured() bool {
	return p.ClientID != ""
}

// Config is the process configuration. It is read once at start-up.
type Config struct {
	ListenAddr            string        `env:"POPAUTH_LISTEN_ADDR" envDefault:":8080"`
	PublicURL             string        `env:"POPAUTH_PUBLIC_URL" envDefault:"http://localhost:8080"`
	AllowedSiteIDs        []string      `env:"POPAUTH_ALLOWED_SITE_IDS" envSeparator:","`
	Secret                string        `env:"POPAUTH_SECRET,required,notEmpty,unset"`
	StateMode             string        `env:"POPAUTH_STATE_MODE" envDefault:"signed"`
	CookieSecure          bool          `env:"POPAUTH_COOKIE_SECURE" envDefault:"true"`
	RequireTrustedReferer bool          `env:"POPAUTH_REQUIRE_TRUSTED_REFERER" envDefault:"false"`
	ProviderTimeout       time.Duration `env:"POPAUTH_PROVIDER_TIMEOUT" envDefault:"10s"`

	GitHub Provider `envPrefix:"GITHUB_"`
	GitLab Provider `envPrefix:"GITLAB_"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment. Variables
// the environment does not set are taken from dotenvFiles, earlier files
// first. Missing files are skipped.
func Load(dotenvFiles ...string) (*Config, error) {
	environ := make(map[string]string)
	for _, name := range dotenvFiles {
		vals, err := godotenv.Read(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range vals {
			if _, ok := environ[k]; !ok {
				environ[k] = v
			}
		}
	}
	for k, v := range env.ToMap(os.Environ()) {
		environ[k] = v
	}
	return Parse(environ)
}

// Parse builds a Config from environ and validates it.
func Parse(environ map[string]string) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	c.AllowedSiteIDs = trimAll(c.AllowedSiteIDs)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("POPAUTH_SECRET must be at least %d bytes", MinSecretLength))
	}
	switch c.StateMode {
	case "signed", "random":
	default:
		errs = append(errs, fmt.Errorf("POPAUTH_STATE_MODE must be signed or random, got %q", c.StateMode))
	}
	if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("POPAUTH_PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL))
	} else if u.Scheme == "http" && c.CookieSecure && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		errs = append(errs, errors.New("POPAUTH_PUBLIC_URL is plain http but POPAUTH_COOKIE_SECURE is true"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("POPAUTH_PROVIDER_TIMEOUT must be positive"))
	}
	if !c.GitHub.Configured() && !c.GitLab.Configured() {
		errs = append(errs, errors.New("no provider configured: set GITHUB_CLIENT_ID or GITLAB_CLIENT_ID"))
	}
	for name, p := range map[string]Provider{"GITHUB": c.GitHub, "GITLAB": c.GitLab} {
		if p.Configured() && p.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("%s_CLIENT_SECRET is required with %s_CLIENT_ID", name, name))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level returns LogLevel as a slog.Level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// HKDF info strings. Each derived key has its own so that no two purposes
// share key material.
const (
	cookieKeyInfo = "popauth:state-cookie"
	stateKeyInfo  = "popauth:state-token"
	keyIDInfo     = "popauth:key-id"
)

// CookieKeys derives the state cookie AEAD key from Secret. The key id is a
// fingerprint of the secret.
func (c *Config) CookieKeys() (string, map[string][]byte, error) {
	key, err := hkdf.Key(sha256.New, []byte(c.Secret), nil, cookieKeyInfo, 32)
	if err != nil {
		return "", nil, fmt.Errorf("derive cookie key: %w", err)
	}
	id, err := hkdf.Key(sha256.New, []byte(c.Secret), nil, keyIDInfo, 4)
	if err != nil {
		return "", nil, fmt.Errorf("derive key id: %w", err)
	}
	keyID := hex.EncodeToString(id)
	return keyID, map[string][]byte{keyID: key}, nil
}

// StateKey derives the state token signing key from Secret.
func (c *Config) StateKey() ([]byte, error) {
	key, err := hkdf.Key(sha256.New, []byte(c.Secret), nil, stateKeyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("derive state key: %w", err)
	}
	return key, nil
}
