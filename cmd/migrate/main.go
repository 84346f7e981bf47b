// Package main applies the ledger schema migrations.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forem/forem-sub087/internal/config"
)

func main() {
	_ = godotenv.Load()

	var source string
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply delivery ledger migrations",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&source, "source", "file://migrations", "migration source URL")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(source, func(m *migrate.Migrate) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (one step by default)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				return run(source, func(m *migrate.Migrate) error { return m.Steps(-steps) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(source, func(m *migrate.Migrate) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Println("no migrations applied")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Printf("version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println("[ERROR]", err)
		os.Exit(1)
	}
}

func run(source string, step func(m *migrate.Migrate) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	m, err := migrate.New(source, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
