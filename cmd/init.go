package cmd

import (
	"log"

	"github.com/KSIUJ/KSI-Bot/ksibot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and run migrations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}
		db, err := ksibot.CreateDB(ctx, cfg)
		if err != nil {
			log.Fatalf("error initializing database: %s", err.Error())
		}
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
		log.Printf(
			"initialized %s database at %s",
			cfg.DatabaseType,
			cfg.Database,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
