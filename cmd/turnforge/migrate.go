package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/turnforge/turnforge/internal/storage"
)

// runMigrate applies the repository DDL directly with plain SQL, no
// migration-framework dependency introduced.
func runMigrate(ctx context.Context, cfg *AppConfig) error {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, storage.Schema); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
		return nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, storage.SQLiteSchema); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
		return nil
	case "memory", "":
		return fmt.Errorf("memory driver has no schema to migrate")
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
