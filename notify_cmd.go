package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/notify"
	"github.com/onllm-dev/aipulse/internal/settings"
	"github.com/onllm-dev/aipulse/internal/store"
)

func newNotifyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Notification channel tools",
	}
	cmd.AddCommand(newNotifyTestCmd(g))
	return cmd
}

func newNotifyTestCmd(g *globalFlags) *cobra.Command {
	var smtpOnly bool
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test notification through every configured channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(cfg *config.Config, st *store.Store) error {
				logger := cliLogger(cfg)
				out := cmd.OutOrStdout()
				channels := []notify.Channel{notify.NewLogChannel(logger)}

				smtpCfg := cfg.SMTP()
				if smtpCfg.Enabled() {
					mailer := notify.NewSMTPChannel(smtpCfg, logger)
					if err := mailer.TestConnection(cmd.Context()); err != nil {
						return fmt.Errorf("SMTP check failed: %w", err)
					}
					fmt.Fprintf(out, "SMTP connection to %s OK\n", smtpCfg.Host)
					channels = append(channels, mailer)
				} else if smtpOnly {
					return errors.New("SMTP is not configured (set AIPULSE_SMTP_HOST, _FROM and _TO)")
				}
				if smtpOnly {
					return nil
				}

				engine := notify.New(settings.NewService(st, logger), logger, notify.WithChannels(channels...))
				if err := engine.SendTest(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(out, "Test notification sent via %d channel(s)\n", len(channels))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&smtpOnly, "smtp-only", false, "only check the SMTP connection")
	return cmd
}
