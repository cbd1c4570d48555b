package auth

import (
	"fmt"
	"net/url"
)

// defaultSiteIDs are always allowed so local development works without
// configuration.
var defaultSiteIDs = []string{"localhost", "127.0.0.1"}

// Site is an allow-listed site that may start a flow.
type Site struct {
	ID string

	// TrustOrigin is the scheme://host[:port] the completion result may be
	// posted to. Empty means it could not be established from the referer.
	TrustOrigin string
}

// SiteAuthorizer checks site ids against an allow list and derives the
// origin the completion result is delivered to.
type SiteAuthorizer struct {
	allowed        map[string]bool
	requireReferer bool
}

// SiteOption configures a SiteAuthorizer.
type SiteOption func(*SiteAuthorizer)

// WithRequireReferer makes Authorize fail with ErrInvalidReferer instead of
// returning an empty TrustOrigin.
func WithRequireReferer(require bool) SiteOption {
	return func(a *SiteAuthorizer) { a.requireReferer = require }
}

// NewSiteAuthorizer returns a SiteAuthorizer for siteIDs plus the defaults.
// Empty entries are ignored.
func NewSiteAuthorizer(siteIDs []string, opts ...SiteOption) *SiteAuthorizer {
	a := &SiteAuthorizer{allowed: make(map[string]bool, len(siteIDs)+len(defaultSiteIDs))}
	for _, id := range defaultSiteIDs {
		a.allowed[id] = true
	}
	for _, id := range siteIDs {
		if id != "" {
			a.allowed[id] = true
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allowed reports whether siteID is in the allow list. Matching is exact and
// case-sensitive.
func (a *SiteAuthorizer) Allowed(siteID string) bool {
	return a.allowed[siteID]
}

// Authorize checks siteID and derives the trust origin from referer.
func (a *SiteAuthorizer) Authorize(siteID, referer string) (Site, error) {
	if !a.Allowed(siteID) {
		return Site{}, fmt.Errorf("%w: %q", ErrInvalidSiteID, siteID)
	}
	site := Site{ID: siteID, TrustOrigin: TrustOrigin(siteID, referer)}
	if site.TrustOrigin == "" && a.requireReferer {
		return Site{}, ErrInvalidReferer
	}
	return site, nil
}

// TrustOrigin returns the origin of referer when it is an absolute http(s)
// URL whose hostname is siteID, and "" otherwise.
func TrustOrigin(siteID, referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Hostname() != siteID {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
