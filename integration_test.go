//go:build integration

package main

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/history"
	"github.com/onllm-dev/aipulse/internal/store"
	"github.com/onllm-dev/aipulse/internal/testutil"
	"github.com/onllm-dev/aipulse/internal/web"
)

// daemonConfig builds a config pointing at the mock provider and a free port.
func daemonConfig(t *testing.T, apiBase string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DBPath:         filepath.Join(t.TempDir(), "aipulse.db"),
		LogLevel:       "debug",
		ClaudeBaseURL:  apiBase,
		ClaudeTimeout:  5 * time.Second,
		OAuthUsageURL:  apiBase + "/oauth/usage",
		Host:           "127.0.0.1",
		Port:           freePort(t),
		MetricsEnabled: true,
		DebugMode:      true,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func seedAccount(t *testing.T, cfg *config.Config) {
	t.Helper()
	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	testutil.SeedAccount(t, st, "a", "Work", "claude")
}

func startDaemon(t *testing.T, cfg *config.Config) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runDaemon(ctx, cfg, testutil.DiscardLogger()) }()
	require.Eventually(t, func() bool { return portInUse(cfg.Port) }, 5*time.Second, 20*time.Millisecond)
	return func() error {
		stop()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("daemon did not stop")
			return nil
		}
	}
}

func TestIntegration_FullCycle(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithSessionKey("sk-ant-sid01-a"), testutil.WithOrgID("org-a"))
	cfg := daemonConfig(t, ms.APIBase())

	seedAccount(t, cfg)

	stop := startDaemon(t, cfg)
	client := web.NewClient(cfg.ListenAddr(), "", "")

	// The scheduler fetches on start.
	require.Eventually(t, func() bool {
		s, err := client.Status(context.Background())
		return err == nil && s.LastFetch != nil
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + cfg.ListenAddr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "aipulse_")
	require.Contains(t, string(body), "go_goroutines")

	require.NoError(t, stop())

	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	entries, err := history.New(st, testutil.DiscardLogger()).Query(context.Background(), history.Query{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "Work", entries[0].AccountName)
}

func TestIntegration_ClaudeCodeAccount(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithSessionKey("sk-ant-oat01-cc"))
	cfg := daemonConfig(t, ms.APIBase())

	st, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(&store.Account{
		ID:          "cc",
		Name:        "Laptop",
		Provider:    api.ClaudeCodeProviderID,
		Credentials: api.Credentials{APIKey: "sk-ant-oat01-cc"},
		CreatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, st.Close())

	stop := startDaemon(t, cfg)
	client := web.NewClient(cfg.ListenAddr(), "", "")
	require.Eventually(t, func() bool {
		s, err := client.Status(context.Background())
		return err == nil && s.LastFetch != nil
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, stop())

	st, err = openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	entries, err := history.New(st, testutil.DiscardLogger()).Query(context.Background(),
		history.Query{Provider: api.ClaudeCodeProviderID})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "cc", entries[0].AccountID)
	require.NotEmpty(t, entries[0].Limits)
}

func TestIntegration_AuthFailuresPauseAccount(t *testing.T) {
	ms := testutil.NewMockServer(t, testutil.WithSessionKey("sk-ant-sid01-other"), testutil.WithOrgID("org-a"))
	cfg := daemonConfig(t, ms.APIBase())

	seedAccount(t, cfg)

	stop := startDaemon(t, cfg)
	defer stop()
	client := web.NewClient(cfg.ListenAddr(), "", "")

	// One failure at start; the minimum refresh gap paces the rest.
	for i := 0; i < 2; i++ {
		time.Sleep(11 * time.Second)
		require.NoError(t, client.Refresh(context.Background()))
	}
	s, err := client.Status(context.Background())
	require.NoError(t, err)
	require.True(t, s.AnyPaused)
	require.True(t, s.Accounts["a"].Paused)
}

func TestIntegration_GracefulShutdown(t *testing.T) {
	ms := testutil.NewMockServer(t)
	cfg := daemonConfig(t, ms.APIBase())
	seedAccount(t, cfg)

	stop := startDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- web.NewClient(cfg.ListenAddr(), "", "").Watch(ctx, func(web.StreamEvent) {})
	}()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, stop())
	select {
	case err := <-watchDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream was not closed by shutdown")
	}
	require.False(t, portInUse(cfg.Port))

	// The database is intact.
	st, err := store.New(cfg.DBPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestIntegration_CLIAgainstDaemon(t *testing.T) {
	ms := testutil.NewMockServer(t)
	cfg := daemonConfig(t, ms.APIBase())
	cliEnvFor(t)
	seedAccount(t, cfg)

	stop := startDaemon(t, cfg)
	defer stop()

	out, err := runCLI(t, cfg.DBPath, "--port", strconv.Itoa(cfg.Port), "status")
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "running"), out)
}
