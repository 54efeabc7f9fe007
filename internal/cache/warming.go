package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geosight/geosight/internal/models"
	"github.com/geosight/geosight/internal/observability"
)

// BundleFetcher is implemented by the service layer to resolve a city query.
// Used by Warmer to avoid a circular dependency on the service package.
type BundleFetcher interface {
	GetOrFetch(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error)
}

// Warmer preloads the cache for a list of cities at a fixed radius. Backs the
// default-city load on startup and the quick-select city list.
type Warmer struct {
	fetcher BundleFetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher BundleFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches each city concurrently and populates the cache via the fetcher.
// Returns an aggregated error if any city failed.
func (w *Warmer) Warm(ctx context.Context, cities []string, radiusKm float64) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("cities", len(cities)), zap.Float64("radius_km", radiusKm))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(cities))
	for _, city := range cities {
		city := city
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.fetcher.GetOrFetch(ctx, city, radiusKm)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", city, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("cities", len(cities)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval
// until ctx is done. Keeps the quick-select cities fresh across the
// staleness threshold.
func (w *Warmer) WarmPeriodic(ctx context.Context, cities []string, radiusKm float64, interval time.Duration) error {
	if err := w.Warm(ctx, cities, radiusKm); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cities, radiusKm); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
