package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/store"
)

func newAccountsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage monitored accounts",
	}
	cmd.AddCommand(newAccountsAddCmd(g), newAccountsListCmd(g), newAccountsRemoveCmd(g))
	return cmd
}

func newAccountsAddCmd(g *globalFlags) *cobra.Command {
	var (
		provider   string
		name       string
		orgID      string
		sessionKey string
		token      string
		detect     bool
		verify     bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(cfg *config.Config, st *store.Store) error {
				logger := cliLogger(cfg)
				p, err := newProviderRegistry(cfg, logger).Get(provider)
				if err != nil {
					return err
				}
				if detect && token == "" {
					if token = api.DetectClaudeCodeToken(logger); token == "" {
						return errors.New("no Claude Code credentials found in the keyring or ~/.claude/.credentials.json")
					}
				}
				creds := api.Credentials{OrgID: orgID, SessionKey: sessionKey, APIKey: token}
				if !p.ValidateCredentials(creds) {
					if p.ID() == api.ClaudeCodeProviderID {
						return fmt.Errorf("%s requires --token or --detect-token", p.Name())
					}
					return fmt.Errorf("%s requires --org and --session-key", p.Name())
				}
				if name == "" {
					name = p.Name()
				}

				if verify {
					ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ClaudeTimeout)
					defer cancel()
					snap, err := p.FetchUsage(ctx, creds)
					if err != nil {
						return fmt.Errorf("credentials rejected: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Verified: %d limits reported\n", len(snap.Limits))
				}

				acct := &store.Account{
					ID:          uuid.NewString(),
					Name:        name,
					Provider:    p.ID(),
					Credentials: creds,
					CreatedAt:   time.Now().UTC(),
				}
				if err := st.SaveAccount(acct); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (%s)\n", acct.Name, acct.ID)
				if cfg.Secret == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "Warning: AIPULSE_SECRET is not set, credentials are stored unencrypted")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", api.ClaudeProviderID, "provider id (claude or claude-code)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "session key")
	cmd.Flags().StringVar(&token, "token", "", "OAuth access token (claude-code provider)")
	cmd.Flags().BoolVar(&detect, "detect-token", false, "read the Claude Code token from this machine")
	cmd.Flags().BoolVar(&verify, "verify", false, "fetch usage once before saving")
	return cmd
}

func newAccountsListCmd(g *globalFlags) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(_ *config.Config, st *store.Store) error {
				accounts, err := st.ListAccounts(provider)
				if err != nil {
					return err
				}
				renderAccounts(cmd.OutOrStdout(), accounts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "only list accounts of this provider")
	return cmd
}

func newAccountsRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(g, func(_ *config.Config, st *store.Store) error {
				if err := st.DeleteAccount(args[0]); err != nil {
					if errors.Is(err, store.ErrAccountNotFound) {
						return fmt.Errorf("no account with id %q", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", args[0])
				return nil
			})
		},
	}
}
