package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/claimrisk/internal/domain/episode"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
	"github.com/ehr/claimrisk/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run periodic pattern detection and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}
}

const opsRequestTimeout = 10 * time.Second

// episodeCounter is the part of the linker the ops server reports on.
type episodeCounter interface {
	CountByStatus(ctx context.Context) (map[episode.Status]int, error)
}

// newOpsServer exposes liveness, cache counters and episode counts. It is
// meant for an internal network; there is no authentication.
func newOpsServer(log zerolog.Logger, pool *pgxpool.Pool, deps map[string]db.Pinger, metrics *cache.Metrics, episodes episodeCounter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(log, "/healthz"))
	e.Use(middleware.RequestTimeout(opsRequestTimeout))

	e.GET("/healthz", db.HealthHandler(pool, deps))

	e.GET("/cache/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"namespaces": metrics.Snapshot()})
	})
	e.POST("/cache/stats/reset", func(c echo.Context) error {
		metrics.Reset()
		return c.NoContent(http.StatusNoContent)
	})

	e.GET("/episodes/counts", func(c echo.Context) error {
		counts, err := episodes.CountByStatus(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to count episodes")
		}
		return c.JSON(http.StatusOK, counts)
	})

	return e
}

// runDetectLoop calls detect every interval until ctx is done. A failed run
// is logged and retried on the next tick.
func runDetectLoop(ctx context.Context, log zerolog.Logger, interval time.Duration, detect func(ctx context.Context) error) {
	if interval <= 0 {
		log.Info().Msg("periodic pattern detection disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := detect(ctx); err != nil {
				log.Error().Err(err).Msg("pattern detection run failed")
				continue
			}
			log.Info().Dur("took", time.Since(start)).Msg("pattern detection run finished")
		}
	}
}

func runServer(a *app) error {
	log := a.log

	e := newOpsServer(log, a.pool,
		map[string]db.Pinger{"database": a.pool, "cache": a.store},
		a.cache.Metrics(), a.linker)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runDetectLoop(ctx, log, a.cfg.DetectInterval, func(ctx context.Context) error {
			_, err := a.detector.DetectAll(ctx, a.cfg.DetectDaysBack)
			return err
		})
	}()

	go func() {
		addr := ":" + a.cfg.OpsPort
		log.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stop()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
