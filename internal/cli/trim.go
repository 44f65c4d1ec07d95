package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/portatel/porttrack/internal/repo"
	"github.com/portatel/porttrack/internal/services"
)

var (
	trimMaxAge time.Duration
	trimKeep   int
)

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Delete old historical versions",
	Long:  "Deletes historical record versions past the retention window. The current version of every entity is always preserved.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := repo.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		if err := repo.AutoMigrate(db); err != nil {
			return err
		}

		maxAge := cfg.Retention.MaxAge
		if trimMaxAge > 0 {
			maxAge = trimMaxAge
		}
		keep := cfg.Retention.KeepVersions
		if trimKeep > 0 {
			keep = trimKeep
		}

		svc := &services.RecordService{DB: db}
		deleted, err := svc.Trim(cmd.Context(), maxAge, keep)
		if err != nil {
			return err
		}
		fmt.Printf("deleted=%d\n", deleted)
		return nil
	},
}

func init() {
	trimCmd.Flags().DurationVar(&trimMaxAge, "max-age", 0, "override RETENTION_MAX_AGE")
	trimCmd.Flags().IntVar(&trimKeep, "keep", 0, "override RETENTION_KEEP_VERSIONS")
	rootCmd.AddCommand(trimCmd)
}
