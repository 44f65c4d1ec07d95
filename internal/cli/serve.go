package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/portatel/porttrack/internal/http"
	"github.com/portatel/porttrack/internal/observability"
	"github.com/portatel/porttrack/internal/repo"
	"github.com/portatel/porttrack/internal/rules"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOTel(sctx); err != nil {
				log.Warn().Err(err).Msg("otel shutdown")
			}
		}()

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
		log.Info().Int("rules", n).Str("path", cfg.RulesPath).Msg("rule table loaded")

		gin.SetMode(cfg.GinMode)
		r := gin.New()
		r.Use(gzip.Gzip(gzip.DefaultCompression))
		httpapi.RegisterRoutes(r, db, table, cfg)

		srv := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           r,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("http server listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return err
			}
		}
		return nil
	},
}

// loadRules builds the initial rule table from the configured file.
func loadRules(path string) (*rules.Table, int, error) {
	loaded, err := rules.LoadFile(path)
	if err != nil {
		return nil, 0, err
	}
	ix, err := rules.NewIndex(loaded)
	if err != nil {
		return nil, 0, err
	}
	return rules.NewTable(ix), ix.Len(), nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
