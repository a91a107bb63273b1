package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/agent"
	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/store"
	"github.com/onllm-dev/aipulse/internal/web"
)

// daemonClient returns a control client for the configured daemon address.
// A port in the PID file wins over the configured one.
func daemonClient(cfg *config.Config) *web.Client {
	addr := cfg.ListenAddr()
	if _, port, ok := readPIDFile(); ok && port > 0 && port != cfg.Port {
		addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	}
	return web.NewClient(addr, cfg.AdminUser, cfg.AdminPass)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler and account session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			label := "aipulse"
			if cfg.TestMode {
				label = "aipulse (test)"
			}

			st, err := daemonClient(cfg).Status(cmd.Context())
			if err != nil {
				if !errors.Is(err, web.ErrDaemonUnreachable) {
					return err
				}
				if pid, _, ok := readPIDFile(); ok && processAlive(pid) {
					fmt.Fprintf(out, "%s is running (PID %d) but its control port does not answer\n", label, pid)
					return nil
				}
				fmt.Fprintf(out, "%s is not running\n", label)
				return nil
			}

			names := map[string]string{}
			if s, err := openStore(cfg); err == nil {
				names = accountNames(s)
				s.Close()
			}
			renderStatus(out, st, names)

			if pid, _, ok := readPIDFile(); ok {
				fmt.Fprintf(out, "  PID:       %d (%s)\n", pid, pidFile)
			}
			if info, err := os.Stat(cfg.LogPath()); err == nil {
				fmt.Fprintf(out, "  Log file:  %s (%s)\n", cfg.LogPath(), humanSize(info.Size()))
			}
			if info, err := os.Stat(cfg.DBPath); err == nil {
				fmt.Fprintf(out, "  Database:  %s (%s)\n", cfg.DBPath, humanSize(info.Size()))
			}
			return nil
		},
	}
}

func newRefreshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch usage now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := daemonClient(cfg).Refresh(cmd.Context()); err != nil {
				if errors.Is(err, agent.ErrRateLimited) {
					return fmt.Errorf("refreshed less than %ds ago, try again shortly", agent.MinIntervalSecs)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Refresh complete")
			return nil
		},
	}
}

func newSchedulerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Start or stop polling in the running daemon",
	}
	cmd.AddCommand(
		schedulerActionCmd(g, "start", "Start background polling", (*web.Client).Start, "Polling started"),
		schedulerActionCmd(g, "stop", "Stop background polling; the daemon keeps running", (*web.Client).Stop, "Polling stopped"),
	)
	return cmd
}

func schedulerActionCmd(g *globalFlags, use, short string, action func(*web.Client, context.Context) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := action(daemonClient(cfg), cmd.Context()); err != nil {
				if errors.Is(err, web.ErrDaemonUnreachable) {
					return errors.New("aipulse is not running; start it with `aipulse run`")
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear paused sessions and fetch immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			err = daemonClient(cfg).Resume(cmd.Context())
			switch {
			case errors.Is(err, agent.ErrRateLimited):
				// Sessions were cleared; only the fetch was skipped.
				fmt.Fprintln(cmd.OutOrStdout(), "Sessions resumed, next poll will fetch")
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sessions resumed")
			return nil
		},
	}
}

type watchedEvent struct {
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			s := stylesFor(out)
			return daemonClient(cfg).Watch(cmd.Context(), func(e web.StreamEvent) {
				var ev watchedEvent
				if err := json.Unmarshal(e.Data, &ev); err != nil {
					fmt.Fprintf(out, "%s %s\n", s.label.Render(e.Kind), e.Data)
					return
				}
				fmt.Fprintf(out, "%s  %s  %s\n",
					s.dim.Render(ev.Time.Local().Format("15:04:05")),
					s.label.Render(fmt.Sprintf("%-16s", e.Kind)),
					ev.Payload)
			})
		},
	}
}

// accountNames maps account ids to display names.
func accountNames(st *store.Store) map[string]string {
	names := map[string]string{}
	accounts, err := st.ListAccounts("")
	if err != nil {
		return names
	}
	for _, a := range accounts {
		names[a.ID] = a.Name
	}
	return names
}
