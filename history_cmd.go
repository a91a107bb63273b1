package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/history"
	"github.com/onllm-dev/aipulse/internal/store"
)

// withHistory opens the store and runs fn against a history service.
func withHistory(g *globalFlags, fn func(cfg *config.Config, h *history.Service) error) error {
	return withStore(g, func(cfg *config.Config, st *store.Store) error {
		return fn(cfg, history.New(st, cliLogger(cfg)))
	})
}

// queryFlags are the filters shared by list, export and stats.
type queryFlags struct {
	provider string
	account  string
	since    time.Duration
	limit    int
}

func (f *queryFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "filter by provider id")
	cmd.Flags().StringVar(&f.account, "account", "", "filter by account id")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&f.limit, "limit", defaultLimit, "maximum entries (negative for all)")
}

func (f *queryFlags) query() history.Query {
	q := history.Query{Provider: f.provider, AccountID: f.account, Limit: f.limit}
	if f.since > 0 {
		start := time.Now().Add(-f.since)
		q.Start = &start
	}
	return q
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage stored usage history",
	}
	cmd.AddCommand(
		newHistoryListCmd(g),
		newHistoryExportCmd(g),
		newHistoryStatsCmd(g),
		newHistoryInfoCmd(g),
		newHistoryCleanupCmd(g),
		newHistoryRetentionCmd(g),
		newHistoryClearCmd(g),
	)
	return cmd
}

func newHistoryListCmd(g *globalFlags) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				entries, err := h.Query(cmd.Context(), qf.query())
				if err != nil {
					return err
				}
				renderHistory(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	qf.register(cmd, 20)
	return cmd
}

func newHistoryExportCmd(g *globalFlags) *cobra.Command {
	var (
		qf     queryFlags
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entries as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				var (
					data []byte
					err  error
				)
				switch format {
				case "json":
					data, err = h.ExportJSON(cmd.Context(), qf.query())
				case "csv":
					data, err = h.ExportCSV(cmd.Context(), qf.query())
				default:
					return fmt.Errorf("unknown format %q (want json or csv)", format)
				}
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s)\n", out, humanSize(int64(len(data))))
				return nil
			})
		},
	}
	qf.register(cmd, -1)
	cmd.Flags().StringVar(&format, "format", "json", "json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newHistoryStatsCmd(g *globalFlags) *cobra.Command {
	var (
		provider string
		limitID  string
		period   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize one limit's utilization over a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				end := time.Now()
				st, err := h.Stats(cmd.Context(), provider, limitID, end.Add(-period), end)
				if errors.Is(err, history.ErrNoData) {
					fmt.Fprintln(cmd.OutOrStdout(), "No data for this period.")
					return nil
				}
				if err != nil {
					return err
				}
				renderStats(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", api.ClaudeProviderID, "provider id")
	cmd.Flags().StringVar(&limitID, "limit-id", "five_hour", "limit id")
	cmd.Flags().DurationVar(&period, "period", 7*24*time.Hour, "period ending now")
	return cmd
}

func newHistoryInfoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show entry count, range and retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				md, err := h.Metadata(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Entries:       %d\n", md.EntryCount)
				fmt.Fprintf(w, "Oldest:        %s\n", formatWhen(md.OldestEntry))
				fmt.Fprintf(w, "Newest:        %s\n", formatWhen(md.NewestEntry))
				fmt.Fprintf(w, "Last cleanup:  %s\n", formatWhen(md.LastCleanup))
				fmt.Fprintf(w, "Retention:     %d days\n", md.RetentionDays)
				return nil
			})
		},
	}
}

func newHistoryCleanupCmd(g *globalFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				var (
					removed int
					err     error
				)
				if cmd.Flags().Changed("days") {
					removed, err = h.Cleanup(cmd.Context(), history.RetentionPolicy{RetentionDays: days})
				} else {
					removed, err = h.CleanupWithStoredPolicy(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "override the stored retention period")
	return cmd
}

func newHistoryRetentionCmd(g *globalFlags) *cobra.Command {
	var (
		days int
		auto bool
	)
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Show or change the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				policy, err := h.RetentionPolicy()
				if err != nil {
					return err
				}
				changed := false
				if cmd.Flags().Changed("days") {
					policy.RetentionDays = days
					changed = true
				}
				if cmd.Flags().Changed("auto") {
					policy.AutoCleanup = auto
					changed = true
				}
				if changed {
					if err := h.SetRetentionPolicy(policy); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retention: %d days, auto cleanup: %t\n", policy.RetentionDays, policy.AutoCleanup)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (0 keeps everything)")
	cmd.Flags().BoolVar(&auto, "auto", true, "run cleanup daily in the daemon")
	return cmd
}

func newHistoryClearCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete all history without --yes")
			}
			return withHistory(g, func(_ *config.Config, h *history.Service) error {
				n, err := h.ClearAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
