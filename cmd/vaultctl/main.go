package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/metastore"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Operator tool for a chunkvault deployment",
		Long: `vaultctl manages the metadata store and backend accounts of a chunkvault
deployment. It reads the same configuration file as the server.

Examples:
  # Apply database migrations (PostgreSQL only)
  vaultctl migrate

  # Register the backends listed in the config file
  vaultctl accounts import

  # Show placement accounts and their usage
  vaultctl accounts list

  # Mint a bearer token for a user
  vaultctl token 7c2a1f0e-user --ttl 1h

  # Reclaim uploads that never finished
  vaultctl sweep --older-than 24h`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $CONFIG_PATH or config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vaultctl %s (%s)\n", version, commit)
		},
	})
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newBenchCmd())

	return rootCmd
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.GetLevel())
	return logger
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (metastore.Store, error) {
	store, err := metastore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return store, nil
}
