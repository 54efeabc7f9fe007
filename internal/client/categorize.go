package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/geosight/geosight/internal/observability"
)

// checkStatus maps provider HTTP status codes to the fetch error taxonomy.
func checkStatus(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return ErrCityNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusBadRequest:
		// Overpass rejects oversized around-queries with 400.
		return fmt.Errorf("%w: provider rejected query", ErrRadiusTooLarge)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}

	return nil
}

// statusLabel buckets a status code into a stable metric label.
func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// recordFetch records one stage call for metrics.
func recordFetch(stage, status string, start time.Time) {
	observability.FetchCallsTotal.WithLabelValues(stage, status).Inc()
	observability.FetchDurationSeconds.WithLabelValues(stage, status).Observe(time.Since(start).Seconds())
}

// TroubleshootingHint maps a fetch error to the user-facing recovery advice.
func TroubleshootingHint(err error) string {
	switch {
	case errors.Is(err, ErrCityNotFound):
		return "verify city name spelling"
	case errors.Is(err, ErrRadiusTooLarge), errors.Is(err, ErrNoData):
		return "try reducing search radius"
	case errors.Is(err, ErrRateLimited):
		return "wait a moment and retry"
	default:
		return "check internet connection"
	}
}

// extractCorrelationID pulls the request correlation ID from context, if set
// by the HTTP middleware. Empty string when absent.
func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}
