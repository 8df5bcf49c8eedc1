package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/avaplatform/ava/internal/interfaces/http"
	"github.com/avaplatform/ava/internal/interfaces/ws"
)

func newServeCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full platform: ingest, evaluation, API, and jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, inMemory)
			if err != nil {
				return err
			}
			defer a.Close()

			a.jobs.Start(ctx)
			defer a.jobs.Stop()

			wsServer := ws.NewServer(a.repo, a.evaluator, a.hub, a.outcomes)
			api := httpapi.NewAPI(a.repo, a.loader, a.rollouts, a.drift, a.jobs)

			router := api.Router()
			router.HandleFunc("/ws/widget", wsServer.HandleWidget)
			router.HandleFunc("/ws/dashboard", wsServer.HandleDashboard)
			router.HandleFunc("/ws/demo", wsServer.HandleDemo)

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-process store instead of PostgreSQL")
	return cmd
}
