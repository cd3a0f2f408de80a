// Command gateway runs the moderation proxy: it loads configuration,
// wires every component, starts the background sweepers, and serves
// the gin router until an interrupt signal requests a graceful drain.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/breaker"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/config"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/httpapi"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/logging"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/moderation"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/provider"
	"github.com/AliZeynalov/langdock-moderation-gateway/internal/ratelimit"
)

const globalBurstThreshold = 500

func main() {
	logger := logging.New()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	httpClient := &http.Client{}

	primaryBreaker := breaker.NewProviderBreaker("primary", cfg.ServiceHealth.MaxErrors, cfg.ServiceHealth.ErrorWindow, logger)
	globalBreaker := breaker.NewGlobalBurstBreaker(globalBurstThreshold, logger)

	limiter := ratelimit.New(map[ratelimit.Route]int{
		ratelimit.RouteChat:   cfg.RateLimits.ChatRPM,
		ratelimit.RouteImages: cfg.RateLimits.ImagesRPM,
		ratelimit.RouteAudio:  cfg.RateLimits.AudioRPM,
		ratelimit.RouteModels: cfg.RateLimits.ModelsRPM,
	}, cfg.RateLimits.GlobalIPRPM)

	modEngine := moderation.NewEngine(httpClient, cfg.FirstProvider.URL, cfg.FirstProvider.Key, cfg.FirstProvider.Models, moderation.StrategyRoundRobin, primaryBreaker)
	modEngine.WhitelistedModels = cfg.WhitelistedModels

	providerClient := provider.New(httpClient, cfg.SecondProvider.URL, cfg.SecondProvider.Key, primaryBreaker)

	deps := &httpapi.Dependencies{
		Config:         cfg,
		Logger:         logger,
		RateLimiter:    limiter,
		PrimaryBreaker: primaryBreaker,
		GlobalBreaker:  globalBreaker,
		Moderation:     modEngine,
		Provider:       providerClient,
		HTTPClient:     httpClient,
	}

	router := httpapi.NewRouter(deps)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	stopLimiterSweep := limiter.StartSweeper()
	stopBreakerTick := primaryBreaker.StartTicker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("port", cfg.Port).Info("moderation gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stopLimiterSweep()
	stopBreakerTick()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
