package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cobaltbit/cobalt/node"
)

// RunSyncCmd starts the node and syncs the chain.
var RunSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the node and download the chain from the network",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(config, logger)
	if err != nil {
		return err
	}

	if err := n.Start(ctx); err != nil {
		return err
	}

	logger.Info("node started", "moniker", config.Moniker)
	n.Wait()
	return nil
}
