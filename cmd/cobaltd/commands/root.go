package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/cobaltbit/cobalt/config"
	"github.com/cobaltbit/cobalt/libs/log"
)

// HomeFlag is the flag naming the node's root directory.
const HomeFlag = "home"

var (
	config = cfg.DefaultConfig()
	logger = log.NewNopLogger()
)

func init() {
	RootCmd.PersistentFlags().String(HomeFlag,
		os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultCobaltDir)),
		"directory for config and data")
	RootCmd.PersistentFlags().String("log-level", config.LogLevel, "log level")

	RootCmd.AddCommand(
		InitFilesCmd,
		RunSyncCmd,
		VersionCmd,
	)
}

// ParseConfig retrieves the default environment configuration, overlays the
// config file under the home directory and any bound flags, and validates
// the result.
func ParseConfig(cmd *cobra.Command) (*cfg.Config, error) {
	conf := cfg.DefaultConfig()

	home, err := cmd.Flags().GetString(HomeFlag)
	if err != nil {
		return nil, err
	}

	viper.SetEnvPrefix("COBALT")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	viper.SetConfigName("config")
	viper.AddConfigPath(filepath.Join(home, "config"))
	if err := viper.ReadInConfig(); err != nil {
		// the config file is optional; flags and defaults suffice
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(home)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for the Cobalt daemon.
var RootCmd = &cobra.Command{
	Use:   "cobaltd",
	Short: "Proof-of-work full node for the Cobalt network",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		var err error
		config, err = ParseConfig(cmd)
		if err != nil {
			return err
		}

		level := config.LogLevel
		if flagLevel, err := cmd.Flags().GetString("log-level"); err == nil && cmd.Flags().Changed("log-level") {
			level = flagLevel
		}

		logger, err = log.NewDefaultLogger(config.LogFormat, level)
		if err != nil {
			return err
		}
		logger = logger.With("module", "main")

		return nil
	},
}
