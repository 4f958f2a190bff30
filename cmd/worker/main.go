// The worker binary drains the build queue and runs the periodic sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/packwright/packwright/internal/app"
	"github.com/packwright/packwright/internal/config"
	"github.com/packwright/packwright/internal/logging"
	"github.com/packwright/packwright/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logging.New("worker", "info")
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "worker", cfg)
	if err != nil {
		log := logging.New("worker", cfg.LogLevel)
		log.Fatal().Err(err).Msg("wire services")
	}
	defer a.Close()

	a.Watchdog.Start(ctx)

	// Backstop schedules: the expiry sweep purges builds nobody reads, the
	// watchdog sweep rescues CI builds nobody polls.
	c := cron.New()
	if _, err := c.AddFunc("@every 10m", func() {
		if err := a.Expiry.SweepExpired(ctx); err != nil {
			a.Log.Error().Err(err).Msg("expiry sweep failed")
		}
	}); err != nil {
		a.Log.Fatal().Err(err).Msg("schedule expiry sweep")
	}
	if _, err := c.AddFunc("@every 1m", func() {
		if err := a.Watchdog.Sweep(ctx); err != nil {
			a.Log.Error().Err(err).Msg("watchdog sweep failed")
		}
	}); err != nil {
		a.Log.Fatal().Err(err).Msg("schedule watchdog sweep")
	}
	c.Start()
	defer c.Stop()

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})

	w := worker.New(a.Orchestrator, a.Expiry, a.Log)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	a.Log.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker running")
	if err := srv.Run(w.Mux()); err != nil {
		a.Log.Fatal().Err(err).Msg("worker server")
	}
	a.Watchdog.Wait()
	a.Log.Info().Msg("worker stopped")
}
