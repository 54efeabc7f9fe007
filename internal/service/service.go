package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/geosight/geosight/internal/cache"
	"github.com/geosight/geosight/internal/client"
	"github.com/geosight/geosight/internal/models"
	"github.com/geosight/geosight/internal/observability"
	"github.com/geosight/geosight/internal/validation"
)

// ErrInvalidQuery classifies malformed queries: empty or invalid city name,
// non-positive radius. The cache is never touched for these.
var ErrInvalidQuery = errors.New("invalid query")

// GeoCache resolves (city, radius) queries through a fetch-on-miss cache.
// A non-stale entry is served directly; otherwise the fetch collaborator
// runs and, only on full success, the new bundle replaces any prior entry
// for that key. Fetch failures leave prior state untouched.
type GeoCache struct {
	fetcher         client.CityFetcher
	store           cache.Store
	staleAfter      time.Duration
	cityMinLen      int
	cityMaxLen      int
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil when coalescing disabled
}

// NewGeoCache creates a GeoCache. staleAfter is the staleness threshold: an
// entry older than this is treated as a miss. coalesceTimeout enables per-key
// coalescing of concurrent fetches when positive.
func NewGeoCache(fetcher client.CityFetcher, store cache.Store, staleAfter time.Duration, cityMinLen, cityMaxLen int, coalesceTimeout time.Duration) *GeoCache {
	var coalescer *requestCoalescer
	if coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &GeoCache{
		fetcher:         fetcher,
		store:           store,
		staleAfter:      staleAfter,
		cityMinLen:      cityMinLen,
		cityMaxLen:      cityMaxLen,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// validateQuery checks raw inputs and returns the normalized key.
func (g *GeoCache) validateQuery(city string, radiusKm float64) (models.QueryKey, error) {
	trimmed, err := validation.ValidateCity(city, g.cityMinLen, g.cityMaxLen)
	if err != nil {
		return models.QueryKey{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	if err := validation.ValidateRadius(radiusKm); err != nil {
		return models.QueryKey{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return models.NewQueryKey(trimmed, radiusKm), nil
}

// GetOrFetch returns the bundle for the query, fetching on miss or staleness.
func (g *GeoCache) GetOrFetch(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error) {
	key, err := g.validateQuery(city, radiusKm)
	if err != nil {
		return models.ResultBundle{}, err
	}
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordCityQuery(key.City)

	getStart := time.Now()
	cached, ok, err := g.store.Get(ctx, key.String())
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("bundle").Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("key", key.String()))
			logger.Debug("city data served", zap.String("key", key.String()), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}

	concurrentMisses := g.stampedeTracker.RecordMiss(key.String())
	defer g.stampedeTracker.RecordHit(key.String())
	cityLabel := observability.MetricCityLabel(key.City)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(cityLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(cityLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key.String()))
	}

	// Coalesce concurrent fetches for the same key so one upstream call
	// serves every waiting caller.
	var bundle models.ResultBundle
	var fetchErr error
	if g.coalescer != nil {
		coalesceStart := time.Now()
		bundle, fetchErr = g.coalescer.GetOrDo(ctx, key.String(), func() (models.ResultBundle, error) {
			return g.fetcher.FetchCityData(ctx, key.City, key.RadiusKm)
		})
		coalesceWait := time.Since(coalesceStart)
		if fetchErr == nil {
			// Heuristic: a non-trivial wait means we rode another caller's fetch.
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(cityLabel).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		bundle, fetchErr = g.fetcher.FetchCityData(ctx, key.City, key.RadiusKm)
	}
	if fetchErr != nil {
		// Prior entry, if any, stays untouched.
		return models.ResultBundle{}, fmt.Errorf("fetch city data for %s: %w", key.String(), fetchErr)
	}

	setStart := time.Now()
	if setErr := g.store.Set(ctx, key.String(), bundle, g.staleAfter); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key.String()), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("city data served", zap.String("key", key.String()), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return bundle, nil
}

// Cached returns the non-stale cached bundle for the query without ever
// fetching. ok is false on miss or staleness.
func (g *GeoCache) Cached(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, bool, error) {
	key, err := g.validateQuery(city, radiusKm)
	if err != nil {
		return models.ResultBundle{}, false, err
	}
	bundle, ok, err := g.store.Get(ctx, key.String())
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		return models.ResultBundle{}, false, err
	}
	if ok {
		observability.CacheHitsTotal.WithLabelValues("bundle").Inc()
	}
	return bundle, ok, nil
}

// Invalidate removes the entry for the query if present; no-op otherwise.
func (g *GeoCache) Invalidate(ctx context.Context, city string, radiusKm float64) error {
	key, err := g.validateQuery(city, radiusKm)
	if err != nil {
		return err
	}
	if err := g.store.Delete(ctx, key.String()); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("delete", categorizeCacheError(err)).Inc()
		return fmt.Errorf("invalidate %s: %w", key.String(), err)
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Info("cache entry invalidated", zap.String("key", key.String()))
	}
	return nil
}

// InvalidateAll clears the whole mapping.
func (g *GeoCache) InvalidateAll(ctx context.Context) error {
	if err := g.store.Flush(ctx); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("flush", categorizeCacheError(err)).Inc()
		return fmt.Errorf("invalidate all: %w", err)
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Info("cache cleared")
	}
	return nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
