package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/geosight/geosight/internal/circuitbreaker"
	"github.com/geosight/geosight/internal/geoindex"
	"github.com/geosight/geosight/internal/models"
	"github.com/geosight/geosight/internal/observability"
)

// CityFetcher is the fetch collaborator: given a city and radius it returns a
// complete ResultBundle or a provider error.
type CityFetcher interface {
	FetchCityData(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error)
}

var (
	ErrCityNotFound    = errors.New("city not found")
	ErrNoData          = errors.New("no points of interest found")
	ErrRadiusTooLarge  = errors.New("radius too large for provider")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// FetchClient composes the geocoding, POI, and weather providers into the
// fetch pipeline. A bundle is produced only when all three stages succeed, so
// the cache never installs partial data.
type FetchClient struct {
	geocoder *NominatimClient
	pois     *OverpassClient
	weather  *WttrClient

	maxRadiusKm    float64
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	breaker *circuitbreaker.CircuitBreaker
}

// FetchConfig holds pipeline parameters.
type FetchConfig struct {
	GeocodeURL  string
	OverpassURL string
	WeatherURL  string
	UserAgent   string
	Timeout     time.Duration

	MaxRadiusKm    float64
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// NewFetchClient creates the fetch pipeline with the given provider endpoints.
func NewFetchClient(cfg FetchConfig) (*FetchClient, error) {
	if cfg.GeocodeURL == "" || cfg.OverpassURL == "" || cfg.WeatherURL == "" {
		return nil, fmt.Errorf("all provider URLs are required")
	}
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = 50
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	return &FetchClient{
		geocoder:       NewNominatimClient(cfg.GeocodeURL, cfg.UserAgent, cfg.Timeout),
		pois:           NewOverpassClient(cfg.OverpassURL, cfg.UserAgent, cfg.Timeout),
		weather:        NewWttrClient(cfg.WeatherURL, cfg.UserAgent, cfg.Timeout),
		maxRadiusKm:    cfg.MaxRadiusKm,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}, nil
}

// SetCircuitBreaker wraps pipeline attempts in the given breaker.
func (c *FetchClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// FetchCityData runs the pipeline with retry on retryable errors. Terminal
// errors (unknown city, radius too large) fail immediately.
func (c *FetchClient) FetchCityData(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error) {
	if radiusKm > c.maxRadiusKm {
		return models.ResultBundle{}, fmt.Errorf("%w: %.1f km exceeds %.1f km", ErrRadiusTooLarge, radiusKm, c.maxRadiusKm)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.FetchRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.ResultBundle{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		var bundle models.ResultBundle
		run := func() error {
			var err error
			bundle, err = c.fetchOnce(ctx, city, radiusKm)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, run)
		} else {
			err = run()
		}
		if err == nil {
			return bundle, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return models.ResultBundle{}, err
		}
	}

	return models.ResultBundle{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// fetchOnce runs one pipeline attempt: geocode, POI query, weather.
func (c *FetchClient) fetchOnce(ctx context.Context, city string, radiusKm float64) (models.ResultBundle, error) {
	center, err := c.geocoder.Geocode(ctx, city)
	if err != nil {
		return models.ResultBundle{}, fmt.Errorf("geocode %s: %w", city, err)
	}

	pois, err := c.pois.NearbyPOIs(ctx, center, radiusKm)
	if err != nil {
		return models.ResultBundle{}, fmt.Errorf("points of interest for %s: %w", city, err)
	}
	if len(pois) == 0 {
		return models.ResultBundle{}, fmt.Errorf("%s within %.1f km: %w", city, radiusKm, ErrNoData)
	}

	// Overpass 'around' filters on a sphere approximation and can over-return
	// near the boundary; re-filter through the spatial index so every POI in
	// the bundle is inside the requested radius.
	idx := geoindex.New()
	idx.Insert(pois)
	pois = idx.WithinRadius(center, radiusKm)

	snapshot, err := c.weather.CurrentWeather(ctx, city)
	if err != nil {
		return models.ResultBundle{}, fmt.Errorf("weather for %s: %w", city, err)
	}

	return models.ResultBundle{
		City:      strings.ToLower(strings.TrimSpace(city)),
		RadiusKm:  radiusKm,
		Center:    center,
		POIs:      pois,
		Weather:   snapshot,
		FetchedAt: time.Now(),
	}, nil
}

// isRetryable reports whether the pipeline should retry after err.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCityNotFound) || errors.Is(err, ErrNoData) || errors.Is(err, ErrRadiusTooLarge) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "connection") {
		return true
	}

	return false
}

// calculateBackoff returns exponential backoff with 10% jitter, capped at retryMaxDelay.
func (c *FetchClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}
