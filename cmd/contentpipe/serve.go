package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/contentpipe/internal/brief"
	"github.com/MimeLyc/contentpipe/internal/config"
	"github.com/MimeLyc/contentpipe/internal/httpapi"
	"github.com/MimeLyc/contentpipe/internal/service"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

const shutdownTimeout = 10 * time.Second

type backgroundService interface {
	Start()
	Stop()
}

type recoveryScheduler interface {
	Start(ctx context.Context) error
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job workers and the recovery sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx := cmd.Context()
			c, err := openComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					log.Warn("Closing components: %v", err)
				}
			}()

			gen, err := newGenerator(cfg)
			if err != nil {
				return err
			}
			svc, err := newService(cfg, c, gen, brief.NewFileReader(cfg.Pipeline.BriefDir), cfg.Pipeline.Workers)
			if err != nil {
				return err
			}
			sweeper, err := service.NewSweeper(cfg.Sweeper.CronExpr, svc.Recover)
			if err != nil {
				return err
			}
			srv := httpapi.NewServer(svc,
				httpapi.WithUI(cfg.HTTP.UIStaticDir, cfg.HTTP.UIEnabled),
				httpapi.WithSweeper(sweeper),
			)
			return runWithComponents(ctx, cfg, svc, sweeper, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

// runWithComponents starts the workers, the sweeper and the HTTP server and
// blocks until ctx is done or the server fails. Workers are stopped last so
// interrupted jobs stay in progress for the next start.
func runWithComponents(ctx context.Context, cfg *config.Config, svc backgroundService, sweeper recoveryScheduler, httpSrv httpServer) error {
	svc.Start()
	defer svc.Stop()

	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		errCh <- httpSrv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
