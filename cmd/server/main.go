// Command server runs the Strava weather enrichment service: the webhook
// receiver, the OAuth connect flow and the manual processing endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stravaweather/server/pkg/auth"
	"github.com/stravaweather/server/pkg/bootstrap"
	infrasentry "github.com/stravaweather/server/pkg/infrastructure/sentry"
	"github.com/stravaweather/server/pkg/processor"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/subscription"
	"github.com/stravaweather/server/pkg/tokens"
	"github.com/stravaweather/server/pkg/vault"
	"github.com/stravaweather/server/pkg/weather"
	"github.com/stravaweather/server/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		return err
	}
	logger := svc.Logger

	err = infrasentry.Init(infrasentry.Config{
		DSN:         svc.Config.SentryDSN,
		Environment: svc.Config.Environment,
		ServerName:  "strava-weather",
	}, logger)
	if err != nil {
		return err
	}
	defer infrasentry.Flush(2 * time.Second)

	v, err := vault.New(svc.Config.EncryptionKey)
	if err != nil {
		return fmt.Errorf("vault init: %w", err)
	}

	stravaClient := strava.NewClient(strava.Config{
		ClientID:     svc.Config.StravaClientID,
		ClientSecret: svc.Config.StravaClientSecret,
		Vault:        v,
		Logger:       logger.With("component", "strava"),
	})

	tokenManager := tokens.NewManager(v, stravaClient, svc.Clock, logger.With("component", "tokens"))

	resolver := weather.NewResolver(weather.Config{
		APIKey: svc.Config.OpenWeatherAPIKey,
		Logger: logger.With("component", "weather"),
		Clock:  svc.Clock,
	})

	proc := processor.New(svc.DB, stravaClient, tokenManager, resolver, svc.Clock,
		logger.With("component", "processor"))
	controller := webhook.NewController(proc, logger.With("component", "webhook"))

	webhookHandler := webhook.NewHandler(svc.DB, controller, svc.Config.WebhookVerifyToken,
		svc.Clock, logger.With("component", "webhook"))
	authHandler := auth.NewHandler(svc.DB, stravaClient, v, tokenManager,
		svc.Config.AppURL+"/auth/strava/callback", svc.Clock, logger.With("component", "auth"))

	runner := subscription.NewRunner(stravaClient,
		svc.Config.AppURL+"/api/strava/webhook", svc.Config.WebhookVerifyToken,
		svc.Clock, logger.With("component", "subscription"))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	webhookHandler.SetSubscriptionStatus(runner)
	router.Route("/api/strava", webhookHandler.Routes)
	authHandler.Routes(router)

	runner.Start(ctx)

	server := &http.Server{
		Addr:              ":" + svc.Config.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "port", svc.Config.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}
