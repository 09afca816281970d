package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"partnerhub/internal/models"
	"partnerhub/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := server.OpenDatabase(cfg, logrus.StandardLogger())
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := models.Migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
