package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onllm-dev/aipulse/internal/agent"
)

// ErrDaemonUnreachable is returned when no daemon answers at the address.
var ErrDaemonUnreachable = errors.New("web: daemon not reachable")

// Client talks to a running daemon's control endpoints.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string
}

// NewClient creates a client for the daemon listening on addr (host:port).
func NewClient(addr, username, password string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/"),
		http:     &http.Client{Timeout: 60 * time.Second},
		username: username,
		password: password,
	}
}

// Status fetches GET /api/status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh asks the daemon to run a fetch cycle now.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/refresh", nil, nil)
}

// Resume asks the daemon to clear paused sessions and refresh.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/resume", nil, nil)
}

// Start asks the daemon to start its poll loop.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/start", nil, nil)
}

// Stop asks the daemon to stop polling without exiting.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil)
}

// SetInterval changes the running poll interval and returns the effective
// value.
func (c *Client) SetInterval(ctx context.Context, secs int) (int, error) {
	var out IntervalResponse
	if err := c.do(ctx, http.MethodPost, "/api/interval", IntervalRequest{Seconds: secs}, &out); err != nil {
		return 0, err
	}
	return out.IntervalSecs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("web.Client: encode %s: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("web.Client: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrDaemonUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("web.Client: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return agent.ErrRateLimited
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("web.Client: %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("web.Client: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("web.Client: decode %s: %w", path, err)
	}
	return nil
}
