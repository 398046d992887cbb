package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sungwon/inventory-notify/internal/notification"
	"github.com/sungwon/inventory-notify/internal/queue"
)

// withApp runs fn with a wired app bound to an interruptible context.
func withApp(configDir string, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configDir)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireQueueing(a *app) error {
	if !a.service.Enabled() {
		return errors.New("notification queueing is disabled (notifications.enabled=false)")
	}
	return nil
}

func newSetupCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the live and dead-letter queues and print their stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				if err := requireQueueing(a); err != nil {
					return err
				}
				if err := a.service.EnsureQueues(ctx); err != nil {
					return fmt.Errorf("setup queues: %w", err)
				}
				cfg := a.service.Config()
				fmt.Fprintf(cmd.OutOrStdout(), "queue %s ready (dead-letter %s, max receives %d)\n",
					cfg.QueueName, cfg.DeadLetterQueueName, cfg.MaxReceiveCount)
				return printJSON(cmd.OutOrStdout(), a.service.GetQueueStats(ctx))
			})
		},
	}
}

func newStatsCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print live and dead-letter queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				snap := a.service.GetQueueStats(ctx)
				if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
					return err
				}
				if snap.Status == notification.StatusError {
					return fmt.Errorf("stats: %s", snap.Error)
				}
				return nil
			})
		},
	}
}

func newProcessCommand(configDir *string) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain one batch from the live queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize < 1 || batchSize > queue.MaxReceiveBatch {
				return fmt.Errorf("--batch-size must be between 1 and %d", queue.MaxReceiveBatch)
			}
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				if err := requireQueueing(a); err != nil {
					return err
				}
				res := a.service.ProcessQueuedNotifications(ctx, batchSize)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Status == notification.StatusError {
					return errors.New("process: batch failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", queue.MaxReceiveBatch, "messages to receive (1-10)")
	return cmd
}

func newRequeueCommand(configDir *string) *cobra.Command {
	var maxMessages int

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move dead-lettered messages back to the live queue with fresh retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxMessages < 1 {
				return errors.New("--max-messages must be positive")
			}
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				if err := requireQueueing(a); err != nil {
					return err
				}
				res := a.service.RequeueFailedMessages(ctx, maxMessages)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Status == notification.StatusError {
					return errors.New("requeue failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxMessages, "max-messages", 10, "maximum messages to move")
	return cmd
}

func newPurgeCommand(configDir *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:       "purge live|dead_letter",
		Short:     "Drop every message in the selected queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(notification.QueueLive), string(notification.QueueDeadLetter)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := notification.QueueKind(args[0])
			if kind != notification.QueueLive && kind != notification.QueueDeadLetter {
				return fmt.Errorf("unknown queue %q (want live or dead_letter)", args[0])
			}
			if !yes {
				return errors.New("purge is irreversible; pass --yes to confirm")
			}
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				if err := a.service.PurgeQueue(ctx, kind); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s queue\n", kind)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func newQueuesCommand(configDir *string) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "queues",
		Short: "List queues known to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configDir, func(ctx context.Context, a *app) error {
				names, err := a.service.ListQueues(ctx, prefix)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list queues with this name prefix")
	return cmd
}
