package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/popauth/endpoint"
)

// NoncePlaceholder is replaced in ContentSecurityPolicy by a fresh random
// nonce on every request. The nonce is available to renderers through
// CSPNonce.
const NoncePlaceholder = "{nonce}"

// cspNonceBytes is the number of random bytes in a CSP nonce.
const cspNonceBytes = 16

// SecurityHeadersProcessor sets response security headers before the
// endpoint runs.
//
// NewSecurityHeadersProcessor is meant for plain-text responses that are
// never part of the popup (health checks, the catch-all). Responses the popup
// navigates through must keep window.opener intact: /auth uses
// NewRedirectSecurityHeadersProcessor and the completion page uses
// NewCompletionPageSecurityHeadersProcessor, which also allows exactly one
// nonce-bearing inline script.
type SecurityHeadersProcessor struct {
	// HSTS configures Strict-Transport-Security. Nil disables it.
	HSTS *HSTSConfig

	// ReferrerPolicy sets Referrer-Policy. Empty disables it.
	ReferrerPolicy string

	// FrameOptions sets X-Frame-Options. Empty disables it.
	FrameOptions string

	// ContentTypeOptions enables X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// ContentSecurityPolicy sets Content-Security-Policy. It may contain
	// NoncePlaceholder. Empty disables it.
	ContentSecurityPolicy string

	// CrossOriginOpenerPolicy sets Cross-Origin-Opener-Policy. Empty
	// disables it.
	CrossOriginOpenerPolicy string

	// CrossOriginResourcePolicy sets Cross-Origin-Resource-Policy. Empty
	// disables it.
	CrossOriginResourcePolicy string

	// CacheControl sets Cache-Control. Empty disables it.
	CacheControl string
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewSecurityHeadersProcessor returns a processor with strict defaults for
// responses that carry no active content.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS:                      &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true},
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
		CacheControl:              "no-store",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewRedirectSecurityHeadersProcessor returns a processor for the popup's
// first hop, which redirects to the provider. It matches the strict preset
// except for COOP: a same-origin policy on any document of the popup puts it
// in a new browsing context group and window.opener is lost for good.
func NewRedirectSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := NewSecurityHeadersProcessor()
	p.CrossOriginOpenerPolicy = "unsafe-none"
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewCompletionPageSecurityHeadersProcessor returns a processor for the page
// that hands the OAuth result back to the opener window.
//
// COOP is unsafe-none: any stricter value severs window.opener for a popup
// that navigated through a cross-origin provider. Framing is allowed so the
// flow also works from an iframe.
func NewCompletionPageSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS:                      &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true},
		ReferrerPolicy:            "no-referrer",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'none'; script-src 'nonce-" + NoncePlaceholder + "'; base-uri 'none'; form-action 'none'",
		CrossOriginOpenerPolicy:   "unsafe-none",
		CrossOriginResourcePolicy: "same-origin",
		CacheControl:              "no-store",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS configures HSTS settings.
func WithHSTS(maxAge int, includeSubDomains, preload bool) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = &HSTSConfig{MaxAge: maxAge, IncludeSubDomains: includeSubDomains, Preload: preload}
	}
}

// WithoutHSTS disables HSTS, e.g. for plain-http local development.
func WithoutHSTS() SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = nil
	}
}

// WithReferrerPolicy sets the Referrer-Policy header.
func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ReferrerPolicy = policy
	}
}

// WithFrameOptions sets the X-Frame-Options header.
func WithFrameOptions(options string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.FrameOptions = options
	}
}

// WithCSP sets the Content-Security-Policy header.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.ContentSecurityPolicy = policy
	}
}

// WithCrossOriginOpenerPolicy sets the Cross-Origin-Opener-Policy header.
func WithCrossOriginOpenerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.CrossOriginOpenerPolicy = policy
	}
}

type cspNonceKey struct{}

// CSPNonce returns the nonce the processor placed in the request's
// Content-Security-Policy, if any.
func CSPNonce(ctx context.Context) (string, bool) {
	n, ok := ctx.Value(cspNonceKey{}).(string)
	return n, ok && n != ""
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if hsts := formatHSTS(p.HSTS); hsts != "" {
		h.Set("Strict-Transport-Security", hsts)
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if p.CrossOriginOpenerPolicy != "" {
		h.Set("Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	}
	if p.CrossOriginResourcePolicy != "" {
		h.Set("Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)
	}
	if p.CacheControl != "" {
		h.Set("Cache-Control", p.CacheControl)
	}

	if csp := p.ContentSecurityPolicy; csp != "" {
		if strings.Contains(csp, NoncePlaceholder) {
			b := make([]byte, cspNonceBytes)
			if _, err := rand.Read(b); err != nil {
				return endpoint.Error(http.StatusInternalServerError, "", err)
			}
			nonce := base64.RawURLEncoding.EncodeToString(b)
			csp = strings.ReplaceAll(csp, NoncePlaceholder, nonce)
			r = r.WithContext(context.WithValue(r.Context(), cspNonceKey{}, nonce))
		}
		h.Set("Content-Security-Policy", csp)
	}

	return next(w, r)
}

// formatHSTS formats the HSTS header value.
func formatHSTS(config *HSTSConfig) string {
	if config == nil || config.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(config.MaxAge)}
	if config.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if config.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
