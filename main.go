package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/store"
)

//go:embed VERSION
var embeddedVersion string

var version = "dev"

func init() {
	if version == "dev" {
		version = strings.TrimSpace(embeddedVersion)
	}
}

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags every subcommand shares.
type globalFlags struct {
	db    string
	port  int
	debug bool
	test  bool
}

func (g *globalFlags) config() config.Flags {
	return config.Flags{Port: g.port, DB: g.db, Debug: g.debug, Test: g.test}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "aipulse",
		Short:         "Poll AI usage limits, alert on thresholds and keep history",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.test {
				pidFile = filepath.Join(pidDir, "aipulse-test.pid")
			}
		},
	}
	root.PersistentFlags().StringVar(&g.db, "db", "", "path to the SQLite database (env AIPULSE_DB_PATH)")
	root.PersistentFlags().IntVar(&g.port, "port", 0, "control and metrics port (env AIPULSE_PORT)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "run in the foreground and log to stdout")
	root.PersistentFlags().BoolVar(&g.test, "test", false, "isolate PID and log files for testing")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newStopCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newRefreshCmd(g))
	root.AddCommand(newResumeCmd(g))
	root.AddCommand(newSchedulerCmd(g))
	root.AddCommand(newWatchCmd(g))
	root.AddCommand(newAccountsCmd(g))
	root.AddCommand(newHistoryCmd(g))
	root.AddCommand(newSettingsCmd(g))
	root.AddCommand(newNotifyCmd(g))
	return root
}

// loadConfig loads configuration with the command's flag overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.config())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// cliLogger is used by one-shot commands: warnings and errors to stderr.
func cliLogger(cfg *config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if level < slog.LevelWarn && !cfg.DebugMode {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the database, creating its directory, with credential
// encryption when a secret is configured.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	var opts []store.Option
	if cfg.Secret != "" {
		key, err := store.DeriveKey(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		opts = append(opts, store.WithEncryptionKey(key))
	}
	st, err := store.New(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

// withStore runs fn against an opened store and closes it afterwards.
func withStore(g *globalFlags, fn func(cfg *config.Config, st *store.Store) error) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}
