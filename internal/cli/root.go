// Package cli defines the porttrack command tree. The root command loads the
// environment (including an optional .env file), validates the configuration
// and configures global logging; subcommands share that state.
package cli

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/portatel/porttrack/internal/config"
	"github.com/portatel/porttrack/internal/sysutil"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "porttrack",
	Short:         "Number portability tracking service",
	Long:          "porttrack ingests portability exports, classifies records through a rule engine and keeps a versioned history of every tracked case.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real deployments set the environment directly.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		sysutil.SetLogLevel(cfg.LogLevel)
		zerolog.TimeFieldFormat = time.RFC3339
		if cfg.LogPretty {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		}
		return nil
	},
}

// Execute runs the command tree. Errors are logged here so main stays a
// one-liner.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}
