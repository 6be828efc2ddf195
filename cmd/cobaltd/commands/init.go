package commands

import (
	"github.com/spf13/cobra"

	cfg "github.com/cobaltbit/cobalt/config"
)

// InitFilesCmd initializes the node's root directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the root directory with a default config file",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	if err := cfg.EnsureRoot(config.RootDir); err != nil {
		return err
	}
	logger.Info("initialized root directory", "root", config.RootDir)
	return nil
}
