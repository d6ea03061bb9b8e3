package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pawnx/db"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage pawnx database",
	Long: sym.DB + ` db — Manage the pawnx database

One SQLite file holds the job queue, recurring schedules and the vault
(tokens, listings, balances, failure records, prices).

Examples:
  pawnx db migrate                 # Apply pending migrations
  pawnx db stats                   # Show row counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg, dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.AppliedVersions(database)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Database is at %d migrations", len(applied))
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg, dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Printf("%s Database Statistics\n", sym.DB)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		fmt.Printf("Database Path:  %s\n\n", cfg.Database.Path)

		data := pterm.TableData{{"Table", "Rows"}}
		for _, table := range []string{"tokens", "listings", "accounts", "settlement_failures", "settlement_payouts", "asset_prices", "pulse_jobs", "pulse_schedules", "pulse_executions"} {
			var n int
			// table names are fixed above
			if err := database.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				return errors.Wrapf(err, "failed to count %s", table)
			}
			data = append(data, []string{table, fmt.Sprint(n)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
