package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/morezero/remote-server/internal/config"
	"github.com/morezero/remote-server/pkg/db"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the worktree catalog database (requires DATABASE_URL)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			createDB, _ := cmd.Flags().GetBool("create-db")
			return runMigrateUp(cmd, createDB)
		},
	}
	upCmd.Flags().Bool("create-db", false, "create the database first if it does not exist")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every catalog row; schema is preserved",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				return db.ClearCatalog(ctx, pool)
			})
		},
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure-db [name]",
		Short: "Create a database on the DATABASE_URL host if it is missing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runEnsureDB(cmd, name)
		},
	}

	migrateCmd.AddCommand(upCmd, statusCmd, clearCmd, ensureCmd)
	return migrateCmd
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withPool runs fn with a connection pool to DATABASE_URL.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(cmd *cobra.Command, createDB bool) error {
	if createDB {
		cfg, err := loadDBConfig()
		if err != nil {
			return err
		}
		if err := db.EnsureDatabase(context.Background(), cfg.DatabaseURL); err != nil {
			return err
		}
	}
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		ran, err := db.RunMigrations(ctx, pool, migrations)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", len(ran))
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command) error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		state, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range state.Applied {
			fmt.Fprintf(out, "  [applied] %s\n", name)
		}
		for _, name := range state.Pending {
			fmt.Fprintf(out, "  [pending] %s\n", name)
		}
		fmt.Fprintf(out, "%d applied, %d pending\n", len(state.Applied), len(state.Pending))
		return nil
	})
}

func runEnsureDB(cmd *cobra.Command, name string) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	target, err := databaseURLFor(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Database is ready.")
	return nil
}

// databaseURLFor swaps the database name of databaseURL; an empty name keeps it.
func databaseURLFor(databaseURL, name string) (string, error) {
	if name == "" {
		return databaseURL, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
