package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/internal/config"
	"github.com/jmcleod/gatehouse/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the credential database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.GormStore) error {
			if err := st.Migrate(ctx); err != nil {
				return err
			}
			return printVersion(ctx, cmd, st)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.GormStore) error {
			if err := st.MigrateDown(ctx); err != nil {
				return fmt.Errorf("rolling back migration: %w", err)
			}
			return printVersion(ctx, cmd, st)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.GormStore) error {
			return printVersion(ctx, cmd, st)
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withStore opens the credential store from the environment. Only the
// database settings are needed, so the rest of the configuration is not
// validated.
func withStore(ctx context.Context, fn func(context.Context, *store.GormStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       newLogger(),
	})
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func printVersion(ctx context.Context, cmd *cobra.Command, st *store.GormStore) error {
	v, err := st.MigrationVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
