// Package api provides the usage providers polled by the scheduler.
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

// ClaudeProviderID is the registry key of the claude.ai provider.
const ClaudeProviderID = "claude"

const claudeAPIBase = "https://claude.ai/api"

// claudeUserAgent mimics a desktop browser; the endpoint sits behind Cloudflare.
const claudeUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ClaudeClient fetches web-session usage limits from claude.ai.
type ClaudeClient struct {
	httpClient *http.Client
	baseURL    string
	clock      quartz.Clock
	logger     *slog.Logger
}

// ClaudeOption configures a ClaudeClient.
type ClaudeOption func(*ClaudeClient)

// WithClaudeBaseURL sets a custom base URL (for testing).
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithClaudeTimeout sets a custom timeout (for testing).
func WithClaudeTimeout(timeout time.Duration) ClaudeOption {
	return func(c *ClaudeClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithClaudeClock sets the clock used to timestamp snapshots.
func WithClaudeClock(clock quartz.Clock) ClaudeOption {
	return func(c *ClaudeClient) {
		c.clock = clock
	}
}

// NewClaudeClient creates a new claude.ai usage client.
func NewClaudeClient(logger *slog.Logger, opts ...ClaudeOption) *ClaudeClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := &ClaudeClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          1,
				MaxIdleConnsPerHost:   1,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		baseURL: claudeAPIBase,
		clock:   quartz.NewReal(),
		logger:  logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ID implements Provider.
func (c *ClaudeClient) ID() string { return ClaudeProviderID }

// Name implements Provider.
func (c *ClaudeClient) Name() string { return "Claude" }

// ValidateCredentials reports whether both the organization id and session key are set.
func (c *ClaudeClient) ValidateCredentials(creds Credentials) bool {
	return creds.OrgID != "" && creds.SessionKey != ""
}

// FetchUsage retrieves the current usage limits for the organization in creds.
// The returned snapshot has no account fields set; the caller owns that mapping.
func (c *ClaudeClient) FetchUsage(ctx context.Context, creds Credentials) (*UsageSnapshot, error) {
	if creds.OrgID == "" {
		return nil, fmt.Errorf("%w: org_id", ErrMissingCredentials)
	}
	if creds.SessionKey == "" {
		return nil, fmt.Errorf("%w: session_key", ErrMissingCredentials)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/organizations/%s/usage", c.baseURL, creds.OrgID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrHTTP, err)
	}
	setClaudeHeaders(req, creds.SessionKey)

	c.logger.Debug("fetching Claude usage",
		"url", url,
		"session_key", redactSecret(creds.SessionKey),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrHTTP, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Claude usage response received", "status", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case http.StatusForbidden:
		return nil, ErrCloudflareBlocked
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrHTTP, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrHTTP, err)
	}

	var usage ClaudeUsageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	limits, err := usage.Readings()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Claude usage fetched successfully", "limits", len(limits))

	return &UsageSnapshot{
		Provider:  ClaudeProviderID,
		Timestamp: c.clock.Now().UTC(),
		Limits:    limits,
	}, nil
}

func setClaudeHeaders(req *http.Request, sessionKey string) {
	req.Header.Set("Cookie", "sessionKey="+sessionKey)
	req.Header.Set("User-Agent", claudeUserAgent)
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Referer", "https://claude.ai/")
	req.Header.Set("anthropic-client-platform", "web_claude_ai")
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "same-origin")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

// redactSecret masks a secret for logging.
func redactSecret(key string) string {
	if key == "" {
		return "(empty)"
	}

	if len(key) < 8 {
		return "***...***"
	}

	// Show first 4 chars and last 3 chars
	return key[:4] + "***...***" + key[len(key)-3:]
}
