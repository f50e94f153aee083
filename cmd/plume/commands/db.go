package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/stint"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage Plume database",
	Long: `db — Manage Plume database operations

Manage database operations including migrations, statistics, and diagnostics.

Examples:
  plume db migrate                # Apply pending schema migrations
  plume db status                 # Show database statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  "Open the database and apply any pending schema migrations in filename order",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database statistics",
	Long:  "Display database statistics including stint job counts, run history, destination table sizes, and held stage locks",
	RunE:  runDbStatus,
}

var dbPathFlag string

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as part of opening
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	var version string
	err = database.QueryRow(`SELECT COALESCE(MAX(version), 'none') FROM schema_migrations`).Scan(&version)
	if err != nil {
		return errors.Wrap(err, "failed to read schema version")
	}

	pterm.Success.Printf("Database migrated to schema version %s\n", version)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	ctx := context.Background()

	dbPath := dbPathFlag
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}

	fmt.Printf("Database Statistics\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:      %s\n", dbPath)
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("Size on Disk:       %.1f MB\n", float64(info.Size())/(1024*1024))
	}

	var version string
	if err := database.QueryRow(`SELECT COALESCE(MAX(version), 'none') FROM schema_migrations`).Scan(&version); err == nil {
		fmt.Printf("Schema Version:     %s\n", version)
	}
	fmt.Println()

	// Stint job counts by status
	counts, err := stint.NewStore(database).JobCounts(ctx, "")
	if err != nil {
		return errors.Wrap(err, "failed to count stint jobs")
	}
	fmt.Printf("Stint Jobs:\n")
	if len(counts) == 0 {
		fmt.Printf("  No jobs recorded yet\n")
	} else {
		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Printf("  %-12s %d\n", status+":", counts[stint.Status(status)])
		}
	}
	fmt.Println()

	// Run history and lock holders
	var totalRuns int
	if err := database.QueryRow(`SELECT COUNT(*) FROM stint_runs`).Scan(&totalRuns); err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to count runs")
	}
	activeLocks, err := stint.NewLockManager(database).ActiveCount(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count stage locks")
	}
	fmt.Printf("Recorded Runs:      %d\n", totalRuns)
	fmt.Printf("Held Stage Locks:   %d\n", activeLocks)
	fmt.Println()

	// Destination tables
	fmt.Printf("Destination Tables:\n")
	for _, table := range []string{"messages", "site_pages", "mailbox_accounts"} {
		var total, pending int
		if err := database.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&total); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		line := fmt.Sprintf("  %-18s %d", table+":", total)
		if table != "mailbox_accounts" {
			if err := database.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE status = 'pending'`).Scan(&pending); err == nil && pending > 0 {
				line += fmt.Sprintf(" (%d pending)", pending)
			}
		}
		fmt.Println(line)
	}

	return nil
}
