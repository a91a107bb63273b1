package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/settings"
	"github.com/onllm-dev/aipulse/internal/store"
	"github.com/onllm-dev/aipulse/internal/web"
)

// updateSettings applies fn through the settings service and prints the
// result. A running daemon picks the change up on its next cycle.
func updateSettings(cmd *cobra.Command, g *globalFlags, fn func(*settings.Settings) error) error {
	return withStore(g, func(cfg *config.Config, st *store.Store) error {
		svc := settings.NewService(st, cliLogger(cfg))
		var fnErr error
		updated, err := svc.Update(func(s *settings.Settings) {
			fnErr = fn(s)
		})
		if fnErr != nil {
			return fnErr
		}
		if err != nil {
			return err
		}
		return printSettings(cmd, updated)
	})
}

// pushInterval applies the interval to a running daemon. A daemon that is
// not running reads the stored value when it starts.
func pushInterval(cmd *cobra.Command, g *globalFlags, secs int) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	applied, err := daemonClient(cfg).SetInterval(ctx, secs)
	if errors.Is(err, web.ErrDaemonUnreachable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("saved, but the running daemon rejected it: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Running daemon now polls every %ds\n", applied)
	return nil
}

func printSettings(cmd *cobra.Command, s settings.Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newSettingsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change polling and notification settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print current settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(g, func(cfg *config.Config, st *store.Store) error {
					s, err := settings.NewService(st, cliLogger(cfg)).Get()
					if err != nil {
						return err
					}
					return printSettings(cmd, s)
				})
			},
		},
		&cobra.Command{
			Use:   "set-interval <seconds>",
			Short: "Set the base refresh interval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				secs, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid interval %q", args[0])
				}
				if err := updateSettings(cmd, g, func(s *settings.Settings) error {
					s.RefreshInterval = secs
					return nil
				}); err != nil {
					return err
				}
				return pushInterval(cmd, g, secs)
			},
		},
		&cobra.Command{
			Use:       "set-mode <adaptive|fixed>",
			Short:     "Choose adaptive or fixed refresh",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{settings.ModeAdaptive, settings.ModeFixed},
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateSettings(cmd, g, func(s *settings.Settings) error {
					s.RefreshMode = strings.ToLower(args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set-thresholds <pct,...>",
			Short: "Set alert thresholds, e.g. 50,75,90",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				thresholds, err := parseThresholds(args[0])
				if err != nil {
					return err
				}
				return updateSettings(cmd, g, func(s *settings.Settings) error {
					s.Notifications.Thresholds = thresholds
					return nil
				})
			},
		},
		newSettingsNotifyCmd(g),
		newSettingsDNDCmd(g),
		newSettingsProviderCmd(g),
	)
	return cmd
}

func parseThresholds(raw string) ([]int, error) {
	parts := lo.Compact(lo.Map(strings.Split(raw, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSuffix(p, "%"))
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func newSettingsNotifyCmd(g *globalFlags) *cobra.Command {
	var enabled, onReset, onExpiry bool
	cmd := &cobra.Command{
		Use:   "set-notify",
		Short: "Toggle notifications and their kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateSettings(cmd, g, func(s *settings.Settings) error {
				if cmd.Flags().Changed("enabled") {
					s.Notifications.Enabled = enabled
				}
				if cmd.Flags().Changed("reset") {
					s.Notifications.NotifyOnReset = onReset
				}
				if cmd.Flags().Changed("expiry") {
					s.Notifications.NotifyOnExpiry = onExpiry
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "deliver notifications at all")
	cmd.Flags().BoolVar(&onReset, "reset", true, "notify when a limit resets")
	cmd.Flags().BoolVar(&onExpiry, "expiry", true, "notify when a session expires")
	return cmd
}

func newSettingsDNDCmd(g *globalFlags) *cobra.Command {
	var (
		enabled    bool
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "set-dnd",
		Short: "Configure the do-not-disturb window (local time, HH:MM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateSettings(cmd, g, func(s *settings.Settings) error {
				if cmd.Flags().Changed("enabled") {
					s.Notifications.DND.Enabled = enabled
				}
				if start != "" {
					s.Notifications.DND.Start = start
				}
				if end != "" {
					s.Notifications.DND.End = end
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable the window")
	cmd.Flags().StringVar(&start, "start", "", "window start, e.g. 22:00")
	cmd.Flags().StringVar(&end, "end", "", "window end, e.g. 08:00")
	return cmd
}

func newSettingsProviderCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "provider <id> <on|off>",
		Short: "Enable or disable polling for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "enable":
				enabled = true
			case "off", "false", "disable":
				enabled = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return updateSettings(cmd, g, func(s *settings.Settings) error {
				s.SetProviderEnabled(args[0], enabled)
				return nil
			})
		},
	}
}
