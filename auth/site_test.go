package auth

import (
	"errors"
	"testing"
)

func TestSiteAuthorizer_Authorize(t *testing.T) {
	a := NewSiteAuthorizer([]string{"example.com", ""})

	tests := []struct {
		name       string
		siteID     string
		referer    string
		wantErr    error
		wantOrigin string
	}{
		{"default localhost", "localhost", "", nil, ""},
		{"default loopback", "127.0.0.1", "http://127.0.0.1:5173/app", nil, "http://127.0.0.1:5173"},
		{"configured with referer", "example.com", "https://example.com/login?x=1", nil, "https://example.com"},
		{"referer keeps port", "example.com", "https://example.com:8443/", nil, "https://example.com:8443"},
		{"referer other host", "example.com", "https://evil.com/", nil, ""},
		{"referer subdomain", "example.com", "https://a.example.com/", nil, ""},
		{"referer relative", "example.com", "/path", nil, ""},
		{"referer other scheme", "example.com", "ftp://example.com/", nil, ""},
		{"referer malformed", "example.com", "https://exa mple.com/%zz", nil, ""},
		{"not allowed", "evil.com", "https://evil.com/", ErrInvalidSiteID, ""},
		{"case sensitive", "Example.com", "", ErrInvalidSiteID, ""},
		{"empty", "", "", ErrInvalidSiteID, ""},
		{"empty entry is not a site", "", "https://example.com/", ErrInvalidSiteID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site, err := a.Authorize(tt.siteID, tt.referer)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authorize: got %v want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if site.ID != tt.siteID {
				t.Errorf("ID: got %q want %q", site.ID, tt.siteID)
			}
			if site.TrustOrigin != tt.wantOrigin {
				t.Errorf("TrustOrigin: got %q want %q", site.TrustOrigin, tt.wantOrigin)
			}
		})
	}
}

func TestSiteAuthorizer_RequireReferer(t *testing.T) {
	a := NewSiteAuthorizer([]string{"example.com"}, WithRequireReferer(true))

	if _, err := a.Authorize("example.com", ""); !errors.Is(err, ErrInvalidReferer) {
		t.Errorf("no referer: got %v want ErrInvalidReferer", err)
	}
	if _, err := a.Authorize("example.com", "https://other.com/"); !errors.Is(err, ErrInvalidReferer) {
		t.Errorf("foreign referer: got %v want ErrInvalidReferer", err)
	}
	site, err := a.Authorize("example.com", "https://example.com/")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if site.TrustOrigin != "https://example.com" {
		t.Errorf("TrustOrigin: got %q", site.TrustOrigin)
	}
}
