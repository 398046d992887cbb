package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sungwon/inventory-notify/internal/auth"
)

// subscriber is implemented by sinks with a managed subscriber list.
type subscriber interface {
	Subscribe(ctx context.Context, email string) (string, error)
}

func newSubscribeCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe EMAIL...",
		Short: "Subscribe email addresses to the SNS notification topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				sub, ok := a.sink.(subscriber)
				if !ok {
					return fmt.Errorf("sink %q does not manage subscriptions", a.sink.Name())
				}
				var errs []error
				for _, email := range args {
					arn, err := sub.Subscribe(ctx, email)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s (confirmation pending)\n", email, arn)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newArchivedCommand(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archived",
		Short: "Inspect and replay archived notifications",
	}

	var reason string
	list := &cobra.Command{
		Use:   "list",
		Short: "List archive keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				keys, err := a.service.ListArchived(ctx, reason)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&reason, "reason", "", "malformed or exhausted")

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Print an archived record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				rec, err := a.service.LoadArchived(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	replay := &cobra.Command{
		Use:   "replay KEY...",
		Short: "Queue archived notifications again and remove them from the archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				var errs []error
				for _, key := range args {
					if err := a.service.ReplayArchived(ctx, key); err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", key)
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.AddCommand(list, show, replay)
	return cmd
}

func newTokenCommand(configDir *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, ttl).Generate(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func newAPIKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apikey",
		Short: "Generate an admin API key; put the hash in auth.api_key_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, hash, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:  %s\nhash: %s\n", key, hash)
			return nil
		},
	}
}
