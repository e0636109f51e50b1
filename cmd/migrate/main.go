// Command migrate applies the embedded schema migrations to the
// leadwatch database.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"leadwatch/internal/config"
	"leadwatch/migrations"
)

func main() {
	var configPath, dbPath string
	var db *sql.DB

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the leadwatch database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if dbPath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.DatabasePath
			}
			var err error
			db, err = sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			goose.SetBaseFS(migrations.FS)
			return goose.SetDialect(migrations.Dialect)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEADWATCH_CONFIG"), "path to the YAML configuration")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite database, overrides the configuration")

	step := func(use, short string, fn func(*sql.DB) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				if err := fn(db); err != nil {
					return fmt.Errorf("%s: %w", use, err)
				}
				return nil
			},
		}
	}
	root.AddCommand(
		step("up", "Migrate to the latest version", func(db *sql.DB) error { return goose.Up(db, ".") }),
		step("up-one", "Migrate one version up", func(db *sql.DB) error { return goose.UpByOne(db, ".") }),
		step("down", "Roll back one version", func(db *sql.DB) error { return goose.Down(db, ".") }),
		step("status", "Show migration status", func(db *sql.DB) error { return goose.Status(db, ".") }),
		step("version", "Show current version", func(db *sql.DB) error { return goose.Version(db, ".") }),
		step("reset", "Roll back all migrations", func(db *sql.DB) error { return goose.Reset(db, ".") }),
	)

	err := root.Execute()
	if db != nil {
		_ = db.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
