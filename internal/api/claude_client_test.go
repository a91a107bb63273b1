package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/testutil"
)

var testCreds = api.Credentials{OrgID: "org-123", SessionKey: "sk-ant-sid01-test"}

func TestClaudeClient_FetchUsage_Success(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithSessionKey(testCreds.SessionKey), testutil.WithOrgID(testCreds.OrgID))
	fiveReset := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	weekReset := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ms.SetResponses([]string{testutil.ClaudeUsageJSON(45.5, 12.0, 3.25, fiveReset, weekReset)})

	clk := quartz.NewMock(t)
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	client := api.NewClaudeClient(testutil.DiscardLogger(),
		api.WithClaudeBaseURL(ms.APIBase()+"/"),
		api.WithClaudeClock(clk),
	)

	snap, err := client.FetchUsage(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Provider != api.ClaudeProviderID {
		t.Errorf("Provider = %q", snap.Provider)
	}
	if !snap.Timestamp.Equal(clk.Now()) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, clk.Now())
	}
	if snap.AccountID != "" || snap.AccountName != "" {
		t.Error("client must not set account fields")
	}

	// oauth_apps has a null resets_at and opus is null; both are skipped.
	wantIDs := []string{"five_hour", "seven_day", "seven_day_sonnet"}
	if len(snap.Limits) != len(wantIDs) {
		t.Fatalf("limits = %+v, want ids %v", snap.Limits, wantIDs)
	}
	for i, id := range wantIDs {
		if snap.Limits[i].ID != id {
			t.Errorf("Limits[%d].ID = %q, want %q", i, snap.Limits[i].ID, id)
		}
	}

	five, ok := snap.Limit("five_hour")
	if !ok {
		t.Fatal("five_hour missing")
	}
	if five.Utilization != 45.5 || five.Label != "5-Hour Limit" || !five.ResetsAt.Equal(fiveReset) {
		t.Errorf("five_hour = %+v", five)
	}
	sonnet, _ := snap.Limit("seven_day_sonnet")
	if sonnet.Category != "sonnet" || sonnet.Label != "Weekly Sonnet" {
		t.Errorf("sonnet = %+v", sonnet)
	}
	if snap.MaxUtilization() != 45.5 {
		t.Errorf("MaxUtilization = %v", snap.MaxUtilization())
	}
}

func TestClaudeClient_SendsBrowserHeaders(t *testing.T) {
	reqs := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(server.URL))
	snap, err := client.FetchUsage(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Limits) != 0 {
		t.Errorf("empty body produced limits: %+v", snap.Limits)
	}
	got := <-reqs

	if got.URL.Path != "/organizations/org-123/usage" {
		t.Errorf("path = %q", got.URL.Path)
	}
	cookie, err := got.Cookie("sessionKey")
	if err != nil || cookie.Value != testCreds.SessionKey {
		t.Errorf("sessionKey cookie = %v, %v", cookie, err)
	}
	if !strings.Contains(got.Header.Get("User-Agent"), "Mozilla/5.0") {
		t.Errorf("User-Agent = %q", got.Header.Get("User-Agent"))
	}
	if got.Header.Get("Origin") != "https://claude.ai" {
		t.Errorf("Origin = %q", got.Header.Get("Origin"))
	}
	if got.Header.Get("anthropic-client-platform") != "web_claude_ai" {
		t.Errorf("anthropic-client-platform = %q", got.Header.Get("anthropic-client-platform"))
	}
}

func TestClaudeClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, api.ErrSessionExpired},
		{http.StatusForbidden, api.ErrCloudflareBlocked},
		{http.StatusTooManyRequests, api.ErrRateLimited},
		{http.StatusInternalServerError, api.ErrHTTP},
		{http.StatusBadGateway, api.ErrHTTP},
	}
	ms := testutil.NewMockServer(t)
	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(ms.APIBase()))

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ms.SetError(tt.status)
			_, err := client.FetchUsage(context.Background(), testCreds)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClaudeClient_HTTPErrorIncludesBody(t *testing.T) {
	ms := testutil.NewMockServer(t)
	ms.SetError(http.StatusServiceUnavailable)
	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(ms.APIBase()))

	_, err := client.FetchUsage(context.Background(), testCreds)
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "injected error") {
		t.Fatalf("err = %v", err)
	}
}

func TestClaudeClient_WrongSessionKeyIsExpired(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithSessionKey("other"))
	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(ms.APIBase()))

	_, err := client.FetchUsage(context.Background(), testCreds)
	if !errors.Is(err, api.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if !api.IsAuthError(err) {
		t.Error("session expiry must be an auth error")
	}
}

func TestClaudeClient_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"five_hour":`},
		{"bad date", testutil.ClaudeResponseBadDate()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := testutil.NewMockServer(t, testutil.WithResponses([]string{tt.body}))
			client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(ms.APIBase()))
			_, err := client.FetchUsage(context.Background(), testCreds)
			if !errors.Is(err, api.ErrParse) {
				t.Fatalf("err = %v, want ErrParse", err)
			}
			if api.IsAuthError(err) {
				t.Error("parse error must not count as auth error")
			}
		})
	}
}

func TestClaudeClient_MissingCredentials(t *testing.T) {
	ms := testutil.NewMockServer(t)
	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(ms.APIBase()))

	for _, creds := range []api.Credentials{
		{SessionKey: "sk"},
		{OrgID: "org"},
	} {
		_, err := client.FetchUsage(context.Background(), creds)
		if !errors.Is(err, api.ErrMissingCredentials) {
			t.Errorf("creds %+v: err = %v", creds, err)
		}
	}
	if ms.RequestCount() != 0 {
		t.Errorf("requests = %d, want none", ms.RequestCount())
	}
	if client.ValidateCredentials(api.Credentials{OrgID: "org"}) {
		t.Error("ValidateCredentials accepted incomplete credentials")
	}
	if !client.ValidateCredentials(testCreds) {
		t.Error("ValidateCredentials rejected complete credentials")
	}
}

func TestClaudeClient_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	client := api.NewClaudeClient(testutil.DiscardLogger(), api.WithClaudeBaseURL(server.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchUsage(ctx, testCreds)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClaudeClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	client := api.NewClaudeClient(testutil.DiscardLogger(),
		api.WithClaudeBaseURL(server.URL),
		api.WithClaudeTimeout(50*time.Millisecond),
	)
	_, err := client.FetchUsage(context.Background(), testCreds)
	if !errors.Is(err, api.ErrHTTP) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := api.NewRegistry(api.NewClaudeClient(nil), testutil.NewFakeProvider("zeta"))

	if got := reg.IDs(); len(got) != 2 || got[0] != "claude" || got[1] != "zeta" {
		t.Fatalf("IDs = %v", got)
	}
	p, err := reg.Get("claude")
	if err != nil || p.Name() != "Claude" {
		t.Fatalf("Get(claude) = %v, %v", p, err)
	}
	if _, err := reg.Get("nope"); !errors.Is(err, api.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}
