package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portatel/porttrack/internal/engine"
	"github.com/portatel/porttrack/internal/ingest"
	"github.com/portatel/porttrack/internal/repo"
	"github.com/portatel/porttrack/internal/services"
)

var runCmd = &cobra.Command{
	Use:   "run <export-file>",
	Short: "Process one export file as a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		db, err := repo.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		if err := repo.AutoMigrate(db); err != nil {
			return err
		}

		table, n, err := loadRules(cfg.RulesPath)
		if err != nil {
			return err
		}
		log.Info().Int("rules", n).Msg("rule table loaded")

		parsed, err := ingest.ParseFile(path)
		if err != nil {
			return err
		}
		for _, re := range parsed.Errors {
			log.Warn().Str("file", path).Msg(re.Error())
		}
		if len(parsed.Records) == 0 {
			return fmt.Errorf("%s: no parseable records", path)
		}

		svc := &services.BatchService{
			DB:      db,
			Engine:  engine.New(table),
			Locks:   repo.NewKeyLock(),
			Workers: cfg.Batch.Workers,
			Origin:  cfg.Batch.Origin,
		}
		stats, err := svc.Run(cmd.Context(), path, parsed.Records)
		if err != nil {
			return err
		}

		fmt.Printf("processed=%d inserted=%d new_versions=%d unchanged=%d errors=%d\n",
			stats.Processed, stats.Inserted, stats.NewVersions, stats.Unchanged,
			stats.Errors+len(parsed.Errors))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
