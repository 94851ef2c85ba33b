// Package db persists the worktree catalog in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// applicationName tags catalog connections in pg_stat_activity.
const applicationName = "remote-server"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// poolConfig parses databaseURL and sizes the pool for the catalog, which sees one write per
// added or closed worktree. Settings given in the URL win.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	u, _ := url.Parse(databaseURL)
	query := url.Values{}
	if u != nil {
		query = u.Query()
	}
	if !query.Has("pool_max_conns") {
		config.MaxConns = 4
	}
	if !query.Has("pool_min_conns") {
		config.MinConns = 1
	}
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return config, nil
}

// RunMigrations applies every migration not yet recorded in schema_migrations, in order, each
// in its own transaction. It returns the names it applied.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]string, error) {
	slog.Info(fmt.Sprintf("%s - Checking %d migrations", logPrefix, len(migrations)))

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, fmt.Errorf("%s - failed to create schema_migrations: %w", logPrefix, err)
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range pending(migrations, applied) {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied migration %s", logPrefix, m.Name))
		ran = append(ran, m.Name)
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete (%d applied)", logPrefix, len(ran)))
	return ran, nil
}

// MigrationState summarizes which migrations a database has applied.
type MigrationState struct {
	Applied []string
	Pending []string
}

// MigrationStatus compares the migrations in migrationPath with those recorded in the database.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (*MigrationState, error) {
	const statusLogPrefix = "db:MigrationStatus"

	migrations, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return nil, fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'schema_migrations')`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}

	applied := map[string]bool{}
	if exists {
		if applied, err = appliedMigrations(ctx, pool); err != nil {
			return nil, err
		}
	}

	state := &MigrationState{}
	for _, m := range migrations {
		if applied[m.Name] {
			state.Applied = append(state.Applied, m.Name)
		}
	}
	for _, m := range pending(migrations, applied) {
		state.Pending = append(state.Pending, m.Name)
	}
	return state, nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read applied migrations: %w", logPrefix, err)
	}
	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

func pending(migrations []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range migrations {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}
