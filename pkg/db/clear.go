package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearCatalog removes every catalog row. Schema and migration history are preserved;
// RESTART IDENTITY resets the row id sequence.
func ClearCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing worktree catalog", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE worktree_catalog RESTART IDENTITY`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Worktree catalog cleared", clearLogPrefix))
	return nil
}
