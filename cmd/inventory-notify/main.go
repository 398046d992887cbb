package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:   "inventory-notify",
		Short: "Reliable notification delivery for inventory changes",
		Long: `inventory-notify queues inventory change notifications, delivers them
through the configured sink, retries failures with exponential backoff and
parks exhausted messages in a dead-letter queue.

Runtime:
  serve     Admin API with an in-process worker
  worker    Background worker only

Operations:
  setup     Create the notification queues and print their stats
  stats     Print queue statistics
  process   Drain one batch now
  requeue   Move dead-lettered messages back to the live queue
  purge     Drop every message in a queue
  queues    List queues known to the store
  subscribe Add an email subscriber to the SNS topic
  archived  Inspect archived notifications
  token     Issue an admin API token
  apikey    Generate an admin API key and its bcrypt hash`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "config", "directory containing config.yaml and .env")

	root.AddCommand(
		newServeCommand(&configDir),
		newWorkerCommand(&configDir),
		newSetupCommand(&configDir),
		newStatsCommand(&configDir),
		newProcessCommand(&configDir),
		newRequeueCommand(&configDir),
		newPurgeCommand(&configDir),
		newQueuesCommand(&configDir),
		newSubscribeCommand(&configDir),
		newArchivedCommand(&configDir),
		newTokenCommand(&configDir),
		newAPIKeyCommand(),
	)
	return root
}
