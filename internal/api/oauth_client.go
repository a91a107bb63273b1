package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
)

// ClaudeCodeProviderID is the registry key of the Claude Code OAuth provider.
const ClaudeCodeProviderID = "claude-code"

const oauthUsageURL = "https://api.anthropic.com/api/oauth/usage"

// OAuthClient fetches plan usage with a Claude Code OAuth access token.
// The token lives in Credentials.APIKey.
type OAuthClient struct {
	httpClient *http.Client
	baseURL    string
	clock      quartz.Clock
	logger     *slog.Logger
}

// OAuthOption configures an OAuthClient.
type OAuthOption func(*OAuthClient)

// WithOAuthBaseURL sets a custom usage URL (for testing).
func WithOAuthBaseURL(url string) OAuthOption {
	return func(c *OAuthClient) {
		c.baseURL = url
	}
}

// WithOAuthTimeout sets a custom timeout (for testing).
func WithOAuthTimeout(timeout time.Duration) OAuthOption {
	return func(c *OAuthClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithOAuthClock sets the clock used to timestamp snapshots.
func WithOAuthClock(clock quartz.Clock) OAuthOption {
	return func(c *OAuthClient) {
		c.clock = clock
	}
}

// NewOAuthClient creates a Claude Code usage client.
func NewOAuthClient(logger *slog.Logger, opts ...OAuthOption) *OAuthClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := &OAuthClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		baseURL: oauthUsageURL,
		clock:   quartz.NewReal(),
		logger:  logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ID implements Provider.
func (c *OAuthClient) ID() string { return ClaudeCodeProviderID }

// Name implements Provider.
func (c *OAuthClient) Name() string { return "Claude Code" }

// ValidateCredentials reports whether an access token is set.
func (c *OAuthClient) ValidateCredentials(creds Credentials) bool {
	return creds.APIKey != ""
}

// FetchUsage retrieves the plan limits for the token in creds.APIKey.
func (c *OAuthClient) FetchUsage(ctx context.Context, creds Credentials) (*UsageSnapshot, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key", ErrMissingCredentials)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrHTTP, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("User-Agent", "aipulse/1.0")

	c.logger.Debug("fetching Claude Code usage",
		"url", c.baseURL,
		"token", redactSecret(creds.APIKey),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrHTTP, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Claude Code usage response received", "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: token lacks usage scope", ErrInvalidCredentials)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrHTTP, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrHTTP, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrParse)
	}

	var usage OAuthUsageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	limits, err := usage.Readings()
	if err != nil {
		return nil, err
	}

	if names := usage.ActiveQuotaNames(); len(names) > 0 {
		c.logger.Debug("Claude Code usage fetched successfully", "active_quotas", names)
	}

	return &UsageSnapshot{
		Provider:  ClaudeCodeProviderID,
		Timestamp: c.clock.Now().UTC(),
		Limits:    limits,
	}, nil
}
