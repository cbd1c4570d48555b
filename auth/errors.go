package auth

import (
	"errors"
	"fmt"
)

// Flow errors. Handlers match them with errors.Is to pick the response.
var (
	ErrInvalidSiteID   = errors.New("invalid site_id")
	ErrInvalidReferer  = errors.New("invalid referer")
	ErrInvalidProvider = errors.New("invalid provider")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidCode     = errors.New("invalid code")
	ErrNetwork         = errors.New("provider unreachable")
)

// invalidCodeErrors are provider error codes that mean the authorization
// code itself was malformed, expired or already redeemed.
var invalidCodeErrors = map[string]bool{
	"bad_verification_code": true, // GitHub
	"invalid_grant":         true,
	"invalid_request":       true,
}

// ProviderError is an error reported by the OAuth provider, either on the
// callback redirect (error, error_description) or from the token endpoint.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// Is reports whether the provider rejected the authorization code, so that
// errors.Is(err, ErrInvalidCode) holds for those provider errors.
func (e *ProviderError) Is(target error) bool {
	return target == ErrInvalidCode && invalidCodeErrors[e.Code]
}

// Message returns the text shown to the opener window.
func (e *ProviderError) Message() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// errorKind names the flow error class of err for logs.
func errorKind(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSiteID):
		return "invalid_site_id"
	case errors.Is(err, ErrInvalidReferer):
		return "invalid_referer"
	case errors.Is(err, ErrInvalidProvider):
		return "invalid_provider"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.As(err, &pe):
		return "provider_error"
	default:
		return "internal"
	}
}
