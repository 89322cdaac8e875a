package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbCleanupCmd)

	dbResetCmd.Flags().BoolVarP(&dbResetForce, "force", "f", false, "Skip confirmation prompt")

	dbCleanupCmd.Flags().DurationVar(&dbCleanupMeetings, "meetings-age", 24*time.Hour, "Drop unconfirmed meetings older than this")
	dbCleanupCmd.Flags().DurationVar(&dbCleanupCallbacks, "callbacks-age", 7*24*time.Hour, "Drop callback registrations older than this")
	dbCleanupCmd.Flags().DurationVar(&dbCleanupStats, "stats-age", 7*24*time.Hour, "Drop meeting stats samples older than this")
}

var (
	dbResetForce       bool
	dbCleanupMeetings  time.Duration
	dbCleanupCallbacks time.Duration
	dbCleanupStats     time.Duration
)

// dbConfig loads the configuration and resolves the database settings,
// without opening a store. migrate and reset manage the schema themselves.
func dbConfig() (*store.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupCLILogging(cfg)
	return store.ParseURI(cfg.DBURI)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Bring the database schema up to date by running the embedded versioned
migrations. serve migrates on startup by itself; use this when the schema
should change before the new binary starts, or from CI.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbCfg, err := dbConfig()
		if err != nil {
			return err
		}
		log := logging.WithComponent("db")

		if err := store.RunMigrations(cmd.Context(), dbCfg, log); err != nil {
			return err
		}
		version, dirty, err := store.MigrationVersion(cmd.Context(), dbCfg)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("schema version %d is marked dirty, resolve manually", version)
		}
		fmt.Printf("Database schema at version %d\n", version)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all tables",
	Long: `Drop every table and re-run all migrations from scratch. This destroys all
tenants, servers, meetings and recording rows; recording files on disk are
not touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupCLILogging(cfg)
		dbCfg, err := store.ParseURI(cfg.DBURI)
		if err != nil {
			return err
		}

		ok, err := confirmDangerOrAbort(dbResetForce,
			fmt.Sprintf("Drop ALL data in the %s database", dbCfg.Type), "reset")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		log := logging.WithComponent("db")
		if err := store.ResetDatabase(cmd.Context(), dbCfg, log); err != nil {
			return err
		}
		fmt.Println("Database reset")
		return nil
	},
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune stale meetings, callbacks and stats",
	Long: `Run the same housekeeping the poller does between rounds: drop meetings
that never confirmed on their backend, expired callback registrations and
old stats samples. Useful on deployments where serve is not running
continuously.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error {
			meetings, err := st.CleanupStaleMeetings(ctx, dbCleanupMeetings)
			if err != nil {
				return err
			}
			callbacks, err := st.CleanupOldCallbacks(ctx, dbCleanupCallbacks)
			if err != nil {
				return err
			}
			stats, err := st.PruneMeetingStats(ctx, time.Now().UTC().Add(-dbCleanupStats))
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d stale meetings, %d old callbacks, %d stats samples\n",
				meetings, callbacks, stats)
			return nil
		})
	},
}
