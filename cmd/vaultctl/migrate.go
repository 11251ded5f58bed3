package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kenneth/chunkvault/internal/metastore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply metadata store migrations",
		Long: `Apply pending schema migrations to the PostgreSQL metadata store.

The embedded bolt store creates its buckets on open and has nothing to migrate.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if cfg.Database.Driver != "postgres" {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		_ = store.Close()
		fmt.Fprintf(out, "%s store at %s is ready, nothing to migrate\n", cfg.Database.Driver, cfg.Database.BoltPath)
		return nil
	}

	store, err := metastore.OpenPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Migrations applied")
	return nil
}
