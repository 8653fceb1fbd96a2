package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/crucible/internal/cli"
	"github.com/aretw0/crucible/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible runs resumable multi-actor analysis workflows",
	Long: `Crucible drives long-lived tasks through a dispatcher and a set of workers,
suspending whenever a human has to choose a plan or report experiment results.

Settings are read from crucible.yaml (or --config) and CRUCIBLE_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file (default ./crucible.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
}

// loadConfig reads the config file named by --config with flag overrides applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	v := viper.New()
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		if err := v.BindPFlag("log.level", f); err != nil {
			return nil, err
		}
	}
	return config.Load(v, path)
}

// loadRuntime builds the engine for commands that need one. A nil logger
// means the configured one.
func loadRuntime(cmd *cobra.Command, logger *slog.Logger) (*cli.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return cli.NewRuntime(cfg, logger)
}
