package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/geosight/geosight/internal/cache"
	"github.com/geosight/geosight/internal/circuitbreaker"
	"github.com/geosight/geosight/internal/client"
	"github.com/geosight/geosight/internal/config"
	httphandler "github.com/geosight/geosight/internal/http"
	"github.com/geosight/geosight/internal/lifecycle"
	"github.com/geosight/geosight/internal/observability"
	"github.com/geosight/geosight/internal/service"
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

	fetcher, err := client.NewFetchClient(client.FetchConfig{
		GeocodeURL:     cfg.GeocodeURL,
		OverpassURL:    cfg.OverpassURL,
		WeatherURL:     cfg.WeatherURL,
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.FetchTimeout,
		MaxRadiusKm:    cfg.MaxRadiusKm,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("fetch client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "fetch_pipeline",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("fetch_pipeline", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("fetch_pipeline", float64(int(to)))
			},
		})
		fetcher.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("fetch_pipeline", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var store cache.Store
	var cachePing func() error
	var cacheCloser interface{ Close() error }
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached store", zap.Error(err))
		}
		store = mc
		cachePing = mc.Ping
		cacheCloser = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case "sqlite":
		sq, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("sqlite store", zap.Error(err))
		}
		store = sq
		cachePing = sq.Ping
		cacheCloser = sq
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
	default:
		store = cache.NewInMemoryStore()
		logger.Info("cache backend: in_memory")
	}

	geoCache := service.NewGeoCache(fetcher, store, cfg.StaleAfter, cfg.CityMinLength, cfg.CityMaxLength, cfg.CoalesceTimeout)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
		CachePing:              cachePing,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(geoCache, cfg.DefaultRadiusKm, healthConfig, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	// Warm the default city and the quick-select list so first paint is a hit.
	if cfg.WarmCache {
		var cities []string
		if cfg.DefaultCity != "" {
			cities = append(cities, cfg.DefaultCity)
		}
		cities = append(cities, cfg.QuickSelectCities...)
		if len(cities) > 0 {
			warmer := cache.NewWarmer(geoCache, logger)
			warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := warmer.Warm(warmCtx, cities, cfg.DefaultRadiusKm); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			warmCancel()
			if cfg.WarmInterval > 0 {
				go func() {
					if err := warmer.WarmPeriodic(context.Background(), cities, cfg.DefaultRadiusKm, cfg.WarmInterval); err != nil && err != context.Canceled {
						logger.Error("periodic cache warming stopped", zap.Error(err))
					}
				}()
			}
		}
	}

	router := handler.Router(cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if cacheCloser != nil {
		if err := cacheCloser.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
