package api_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/testutil"
)

var oauthCreds = api.Credentials{APIKey: "sk-ant-oat01-secret"}

func oauthServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var gotHeaders atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders.Store(r.Header.Clone())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &gotHeaders
}

func TestOAuthClient_FetchUsage_Success(t *testing.T) {
	fiveReset := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	weekReset := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	srv, headers := oauthServer(t, http.StatusOK, testutil.ClaudeUsageJSON(61, 20, 4, fiveReset, weekReset))

	clk := quartz.NewMock(t)
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	client := api.NewOAuthClient(testutil.DiscardLogger(),
		api.WithOAuthBaseURL(srv.URL),
		api.WithOAuthClock(clk),
	)

	snap, err := client.FetchUsage(context.Background(), oauthCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Provider != api.ClaudeCodeProviderID {
		t.Errorf("Provider = %q", snap.Provider)
	}
	if !snap.Timestamp.Equal(clk.Now()) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, clk.Now())
	}

	wantIDs := []string{"five_hour", "seven_day", "seven_day_sonnet"}
	if len(snap.Limits) != len(wantIDs) {
		t.Fatalf("limits = %+v, want ids %v", snap.Limits, wantIDs)
	}
	for i, id := range wantIDs {
		if snap.Limits[i].ID != id {
			t.Errorf("Limits[%d].ID = %q, want %q", i, snap.Limits[i].ID, id)
		}
	}
	five, _ := snap.Limit("five_hour")
	if five.Utilization != 61 || !five.ResetsAt.Equal(fiveReset) || five.Label != "5-Hour Limit" {
		t.Errorf("five_hour = %+v", five)
	}
	sonnet, _ := snap.Limit("seven_day_sonnet")
	if sonnet.Category != "sonnet" {
		t.Errorf("sonnet category = %q", sonnet.Category)
	}

	h := headers.Load().(http.Header)
	if got := h.Get("Authorization"); got != "Bearer "+oauthCreds.APIKey {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("anthropic-beta"); got != "oauth-2025-04-20" {
		t.Errorf("anthropic-beta = %q", got)
	}
}

func TestOAuthClient_FetchUsage_SkipsDisabledQuotas(t *testing.T) {
	body := `{
		"five_hour": {"utilization": 10, "resets_at": "2026-03-10T15:00:00Z"},
		"extra_usage": {"utilization": 50, "resets_at": "2026-03-10T15:00:00Z", "is_enabled": false},
		"seven_day": null
	}`
	srv, _ := oauthServer(t, http.StatusOK, body)
	client := api.NewOAuthClient(testutil.DiscardLogger(), api.WithOAuthBaseURL(srv.URL))

	snap, err := client.FetchUsage(context.Background(), oauthCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Limits) != 1 || snap.Limits[0].ID != "five_hour" {
		t.Errorf("limits = %+v", snap.Limits)
	}
}

func TestOAuthClient_FetchUsage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		auth   bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, api.ErrSessionExpired, true},
		{"forbidden", http.StatusForbidden, `{}`, api.ErrInvalidCredentials, true},
		{"rate limited", http.StatusTooManyRequests, `{}`, api.ErrRateLimited, false},
		{"server error", http.StatusBadGateway, `oops`, api.ErrHTTP, false},
		{"bad json", http.StatusOK, `{not json`, api.ErrParse, false},
		{"empty body", http.StatusOK, ``, api.ErrParse, false},
		{"bad date", http.StatusOK, `{"five_hour":{"utilization":1,"resets_at":"tomorrow"}}`, api.ErrParse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := oauthServer(t, tt.status, tt.body)
			client := api.NewOAuthClient(testutil.DiscardLogger(), api.WithOAuthBaseURL(srv.URL))

			_, err := client.FetchUsage(context.Background(), oauthCreds)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if api.IsAuthError(err) != tt.auth {
				t.Errorf("IsAuthError = %v, want %v", api.IsAuthError(err), tt.auth)
			}
		})
	}
}

func TestOAuthClient_MissingToken(t *testing.T) {
	client := api.NewOAuthClient(testutil.DiscardLogger())
	if client.ValidateCredentials(api.Credentials{OrgID: "org"}) {
		t.Error("credentials without a token must be invalid")
	}
	_, err := client.FetchUsage(context.Background(), api.Credentials{})
	if !errors.Is(err, api.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestOAuthClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	client := api.NewOAuthClient(testutil.DiscardLogger(), api.WithOAuthBaseURL(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.FetchUsage(ctx, oauthCreds)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDetectClaudeCodeToken_FromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	creds := `{"claudeAiOauth":{"accessToken":" sk-ant-oat01-file ","refreshToken":"r","expiresAt":1}}`
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(creds), 0o600); err != nil {
		t.Fatal(err)
	}

	got := api.DetectClaudeCodeToken(testutil.DiscardLogger())
	// A keyring entry on the test machine wins over the file.
	if got == "" {
		t.Errorf("token = %q", got)
	}
}
