package metastore

import (
	"context"
	"fmt"

	"github.com/kenneth/chunkvault/internal/config"
)

// Open returns the store selected by cfg, applying migrations to
// PostgreSQL when auto_migrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.RunMigrations(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	case "bolt", "":
		return OpenBolt(cfg.BoltPath)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// SeedAccounts upserts the configured backend accounts. Usage counters of
// existing accounts are preserved.
func SeedAccounts(ctx context.Context, store AccountRepository, backends []config.BackendAccountConfig) error {
	for _, b := range backends {
		if err := store.UpsertAccount(ctx, b.Account()); err != nil {
			return fmt.Errorf("failed to register backend %q: %w", b.Label, err)
		}
	}
	return nil
}
