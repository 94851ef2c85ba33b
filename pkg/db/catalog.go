package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const catalogLogPrefix = "db:catalog"

// Catalog records the worktrees opened by one server process. Each process gets a fresh
// server id, so worktree ids (which restart at 1) stay unambiguous across restarts.
type Catalog struct {
	pool     *pgxpool.Pool
	serverID uuid.UUID
}

// NewCatalog creates a Catalog for a new server process.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool, serverID: uuid.New()}
}

// ServerID identifies this process in the catalog.
func (c *Catalog) ServerID() string {
	return c.serverID.String()
}

// RecordWorktree inserts an open worktree.
func (c *Catalog) RecordWorktree(ctx context.Context, id uint64, absPath, rootName string) error {
	slog.Debug(fmt.Sprintf("%s - RecordWorktree id=%d path=%s", catalogLogPrefix, id, absPath))

	_, err := c.pool.Exec(ctx,
		`INSERT INTO worktree_catalog (server_id, worktree_id, abs_path, root_name, added_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (server_id, worktree_id) DO NOTHING`,
		c.serverID, int64(id), absPath, rootName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - failed to record worktree %d: %w", catalogLogPrefix, id, err)
	}
	return nil
}

// CloseWorktree stamps closed_at on an open worktree of this process.
func (c *Catalog) CloseWorktree(ctx context.Context, id uint64) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE worktree_catalog SET closed_at = $3
		 WHERE server_id = $1 AND worktree_id = $2 AND closed_at IS NULL`,
		c.serverID, int64(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%s - failed to close worktree %d: %w", catalogLogPrefix, id, err)
	}
	return nil
}

// ListParams filters ListWorktrees.
type ListParams struct {
	// ServerID limits results to one process; empty lists every process.
	ServerID string
	OpenOnly bool
	Limit    int
}

// ListWorktrees returns catalog rows, newest first.
func (c *Catalog) ListWorktrees(ctx context.Context, params ListParams) ([]*WorktreeRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, server_id, worktree_id, abs_path, root_name, added_at, closed_at
		 FROM worktree_catalog
		 WHERE ($1 = '' OR server_id::text = $1)
		   AND (NOT $2 OR closed_at IS NULL)
		 ORDER BY added_at DESC, id DESC
		 LIMIT $3`
	rows, err := c.pool.Query(ctx, query, params.ServerID, params.OpenOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list worktrees: %w", catalogLogPrefix, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorktreeRecord, error) {
		var r WorktreeRecord
		var serverID uuid.UUID
		var worktreeID int64
		if err := row.Scan(&r.ID, &serverID, &worktreeID, &r.AbsPath, &r.RootName, &r.AddedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		r.ServerID = serverID.String()
		r.WorktreeID = uint64(worktreeID)
		return &r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan worktrees: %w", catalogLogPrefix, err)
	}
	return records, nil
}

// Ping checks database connectivity for health reporting.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}
