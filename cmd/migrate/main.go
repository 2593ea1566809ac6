// Command migrate applies or inspects the orchestrator's database
// schema (spec.md §6 "Persisted state layout") via goose, wrapped in a
// small cobra CLI the way the teacher's own cmd/migrate wraps its
// migration manager.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/streamforge/orchestrator/internal/config"
)

const migrationsDir = "migrations"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the orchestrator's database schema",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(
		upCommand(),
		downCommand(),
		statusCommand(),
		versionCommand(),
		redoCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.DatabaseURL()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	return db, nil
}

func upCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.UpContext(cmd.Context(), db, migrationsDir)
		},
	}
}

func downCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.DownContext(cmd.Context(), db, migrationsDir)
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of each migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.StatusContext(cmd.Context(), db, migrationsDir)
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.VersionContext(cmd.Context(), db, migrationsDir)
		},
	}
}

func redoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redo",
		Short: "Roll back and reapply the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return goose.RedoContext(cmd.Context(), db, migrationsDir)
		},
	}
}
