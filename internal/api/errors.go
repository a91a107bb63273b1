package api

import (
	"errors"
)

// Provider failure modes. Providers wrap these with %w so callers classify
// failures with errors.Is.
var (
	ErrSessionExpired     = errors.New("api: session expired")
	ErrCloudflareBlocked  = errors.New("api: blocked by cloudflare")
	ErrRateLimited        = errors.New("api: rate limited by provider")
	ErrHTTP               = errors.New("api: http error")
	ErrParse              = errors.New("api: parse error")
	ErrMissingCredentials = errors.New("api: missing credentials")
	ErrInvalidCredentials = errors.New("api: invalid credentials")
	ErrUnknownProvider    = errors.New("api: unknown provider")
)

// IsAuthError reports whether err means the stored credential is no longer
// usable. These failures count toward pausing an account; everything else is
// transient and retried on the next cycle.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrInvalidCredentials)
}
