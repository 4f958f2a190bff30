// The api binary serves the build pipeline's HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packwright/packwright/internal/api"
	"github.com/packwright/packwright/internal/app"
	"github.com/packwright/packwright/internal/config"
	"github.com/packwright/packwright/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logging.New("api", "info")
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "api", cfg)
	if err != nil {
		log := logging.New("api", cfg.LogLevel)
		log.Fatal().Err(err).Msg("wire services")
	}
	defer a.Close()

	// Status polls feed the watchdog; its pool runs alongside the server.
	a.Watchdog.Start(ctx)

	server := api.NewServer(a.Orchestrator, a.Builds, a.Shares, a.Ledger, a.Storage, a.Expiry, a.Watchdog, a.Signer, api.Options{
		APIToken:       cfg.APIToken,
		DownloadURLTTL: cfg.DownloadURLTTL,
		SyncStaleAfter: cfg.SyncStaleAfter,
	}, a.Log)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.Log.Error().Err(err).Msg("shutdown http server")
		}
	}()

	a.Log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Log.Fatal().Err(err).Msg("http server")
	}
	a.Watchdog.Wait()
	a.Log.Info().Msg("api stopped")
}
