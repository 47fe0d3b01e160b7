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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/batch"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/cache"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/client"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/config"
	httphandler "github.com/kjstillabower/seasonal-anomaly-service/internal/http"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/ingest"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/live"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/service"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	engine := seasonal.NewEngine(cfg.RollingWindow, cfg.AnomalyThreshold)
	orchestrator := batch.NewOrchestrator(engine, cfg.Workers, logger)
	store := batch.NewStore(nil)

	records, err := ingest.LoadFile(cfg.DataPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("historical data not found; starting empty", zap.String("path", cfg.DataPath))
	case err != nil:
		logger.Fatal("historical data", zap.Error(err))
	default:
		result := orchestrator.AnalyzeAll(context.Background(), records)
		store.Swap(result)
		for city, ferr := range result.Failures {
			logger.Warn("city analysis failed", zap.String("city", city), zap.Error(ferr))
		}
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	tracker := traffic.NewTracker()
	fetcher := live.NewFetcher(weatherClient, logger,
		live.WithThreshold(cfg.AnomalyThreshold),
		live.WithSeasonSource(live.SeasonSource(cfg.SeasonSource)),
	)
	readingService := service.NewLiveReadingService(fetcher, cacheSvc, service.Config{
		TTL:             cfg.CacheTTL,
		Coalesce:        cfg.Coalesce,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, tracker, logger)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Tracker:              tracker,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(readingService, store, orchestrator, cfg.WeatherAPIKey, healthConfig, logger)

	var warmer *cache.CacheWarmer
	if cfg.WarmingEnabled {
		cities := cfg.WarmingCities
		if len(cities) == 0 && cfg.DefaultCity != "" {
			cities = []string{cfg.DefaultCity}
		}
		if cfg.WeatherAPIKey == "" {
			logger.Warn("cache warming disabled: no default API key")
		} else {
			warmer = cache.NewCacheWarmer(service.NewWarmer(readingService, store.Baseline, cfg.WeatherAPIKey), cities, logger)
			// The first run starts immediately.
			if err := warmer.Schedule(cfg.WarmingInterval); err != nil {
				logger.Error("schedule cache warming", zap.Error(err))
			}
		}
	}

	inflight := httphandler.NewInFlightTracker()
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		InFlight:       inflight,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.Int("cities", len(store.Load().Cities())),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	if warmer != nil {
		warmer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if n := inflight.Count(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := inflight.WaitForZero(shutdownCtx, 50*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inflight.Count()))
		}
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
