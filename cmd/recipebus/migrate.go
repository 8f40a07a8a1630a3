package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.Store.DSN = dsn
			}
			if cfg.Store.Driver != store.DriverSQLite && cfg.Store.Driver != store.DriverPostgres {
				return fmt.Errorf("migrate: store.driver %q has no schema", cfg.Store.Driver)
			}

			ctx := cmd.Context()
			st, err := store.OpenSQL(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			switch args[0] {
			case "up":
				if err := st.MigrateUp(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Migrations applied successfully")
			case "down":
				if err := st.MigrateDown(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Migrations rolled back")
			case "version":
				v, dirty, err := st.MigrationVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version %d (dirty: %t)\n", v, dirty)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Database DSN (overrides store.dsn)")
	return cmd
}
