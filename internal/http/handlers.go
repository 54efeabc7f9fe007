package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/geosight/geosight/internal/analysis"
	"github.com/geosight/geosight/internal/circuitbreaker"
	"github.com/geosight/geosight/internal/client"
	"github.com/geosight/geosight/internal/export"
	"github.com/geosight/geosight/internal/lifecycle"
	"github.com/geosight/geosight/internal/observability"
	"github.com/geosight/geosight/internal/service"
	"github.com/geosight/geosight/internal/traffic"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache backend reachability.
	// Used when the backend is memcached or sqlite.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	geoCache         *service.GeoCache
	defaultRadiusKm  float64
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	geoCache *service.GeoCache,
	defaultRadiusKm float64,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		geoCache:        geoCache,
		defaultRadiusKm: defaultRadiusKm,
		healthConfig:    healthConfig,
		logger:          logger,
		rateLimiter:     rateLimiter,
	}
}

// Router builds the service's route table with middleware applied.
func (h *Handler) Router(requestTimeout time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(h.logger))
	r.Use(MetricsMiddleware)
	r.Use(RateLimitMiddleware(h.rateLimiter))

	api := r.PathPrefix("/").Subrouter()
	api.Use(TimeoutMiddleware(requestTimeout))
	api.HandleFunc("/city/{name}", h.GetCity).Methods(http.MethodGet)
	api.HandleFunc("/city/{name}/cached", h.GetCityCached).Methods(http.MethodGet)
	api.HandleFunc("/city/{name}/analysis", h.GetCityAnalysis).Methods(http.MethodGet)
	api.HandleFunc("/city/{name}/export", h.ExportCity).Methods(http.MethodGet)
	api.HandleFunc("/city/{name}/cache", h.InvalidateCity).Methods(http.MethodDelete)
	api.HandleFunc("/cache", h.InvalidateAll).Methods(http.MethodDelete)

	r.HandleFunc("/columns", h.GetColumns).Methods(http.MethodGet)
	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return r
}

// queryParams pulls the city name and radius from the request. A missing
// radius_km falls back to the configured default; a malformed one is an error.
func (h *Handler) queryParams(r *http.Request) (string, float64, error) {
	city := strings.TrimSpace(mux.Vars(r)["name"])
	radiusStr := strings.TrimSpace(r.URL.Query().Get("radius_km"))
	if radiusStr == "" {
		return city, h.defaultRadiusKm, nil
	}
	radius, err := strconv.ParseFloat(radiusStr, 64)
	if err != nil {
		return "", 0, fmt.Errorf("radius_km must be a number")
	}
	return city, radius, nil
}

// GetCity handles GET /city/{name}?radius_km= with fetch-on-miss semantics.
func (h *Handler) GetCity(w http.ResponseWriter, r *http.Request) {
	city, radius, err := h.queryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	result, err := h.geoCache.GetOrFetch(r.Context(), city, radius)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// GetCityCached handles GET /city/{name}/cached?radius_km=. Never fetches;
// 404 when nothing non-stale is cached.
func (h *Handler) GetCityCached(w http.ResponseWriter, r *http.Request) {
	city, radius, err := h.queryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	result, ok, err := h.geoCache.Cached(r.Context(), city, radius)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_CACHED", "no cached data for this query")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetCityAnalysis handles GET /city/{name}/analysis?radius_km=&column=.
func (h *Handler) GetCityAnalysis(w http.ResponseWriter, r *http.Request) {
	city, radius, err := h.queryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	column := strings.TrimSpace(r.URL.Query().Get("column"))
	if column == "" {
		column = analysis.ColumnPopulation
	}

	bundle, err := h.geoCache.GetOrFetch(r.Context(), city, radius)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()

	report, err := analysis.Analyze(bundle, column)
	if err != nil {
		if errors.Is(err, analysis.ErrUnknownColumn) {
			writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
			return
		}
		writeError(w, r, http.StatusUnprocessableEntity, "NO_DATA", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExportCity handles GET /city/{name}/export?radius_km=&format=json|csv.
func (h *Handler) ExportCity(w http.ResponseWriter, r *http.Request) {
	city, radius, err := h.queryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "json"
	}

	bundle, err := h.geoCache.GetOrFetch(r.Context(), city, radius)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()

	filename := fmt.Sprintf("%s_%gkm", strings.ReplaceAll(bundle.City, " ", "_"), bundle.RadiusKm)
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".csv"))
		if err := export.WritePOIsCSV(w, bundle); err != nil && h.logger != nil {
			h.logger.Warn("csv export failed", zap.Error(err))
		}
	case "json":
		column := strings.TrimSpace(r.URL.Query().Get("column"))
		if column == "" {
			column = analysis.ColumnPopulation
		}
		report, err := analysis.Analyze(bundle, column)
		if err != nil {
			if errors.Is(err, analysis.ErrUnknownColumn) {
				writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
				return
			}
			writeError(w, r, http.StatusUnprocessableEntity, "NO_DATA", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+".json"))
		if err := export.WriteReportJSON(w, report); err != nil && h.logger != nil {
			h.logger.Warn("json export failed", zap.Error(err))
		}
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", "format must be json or csv")
	}
}

// GetColumns handles GET /columns: the analyzable column registry.
func (h *Handler) GetColumns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"columns": analysis.Columns()})
}

// InvalidateCity handles DELETE /city/{name}/cache?radius_km=.
func (h *Handler) InvalidateCity(w http.ResponseWriter, r *http.Request) {
	city, radius, err := h.queryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if err := h.geoCache.Invalidate(r.Context(), city, radius); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// InvalidateAll handles DELETE /cache.
func (h *Handler) InvalidateAll(w http.ResponseWriter, r *http.Request) {
	if err := h.geoCache.InvalidateAll(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["fetchPipeline"] = "unhealthy"
	} else {
		checks["fetchPipeline"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "geosight",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > overloaded > degraded >
// idle > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	if cfg.RateLimitBurst > 0 && cfg.OverloadWindow > 0 {
		total := traffic.RequestCount(cfg.OverloadWindow)
		denied := traffic.DenialCount(cfg.OverloadWindow)
		if total > 0 && denied*100/total >= cfg.OverloadThresholdPct {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "rate limit denials"}
		}
	}

	if cfg.DegradedWindow > 0 {
		errCount, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total >= 5 && errCount*100/total >= cfg.DegradedErrorPct {
			return healthResult{"degraded", http.StatusOK, "fetch error rate"}
		}
	}

	if cfg.IdleWindow > 0 && time.Since(cfg.StartTime) >= cfg.MinimumLifespan {
		perMin := float64(traffic.RequestCount(cfg.IdleWindow)) / cfg.IdleWindow.Minutes()
		if perMin < float64(cfg.IdleThresholdReqPerMin) {
			return healthResult{"idle", http.StatusOK, "low traffic"}
		}
	}

	return healthResult{"healthy", http.StatusOK, ""}
}

// writeServiceError maps service and fetch errors to HTTP responses with the
// documented troubleshooting hints.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuery):
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
	case errors.Is(err, client.ErrCityNotFound):
		writeErrorWithHint(w, r, http.StatusNotFound, "CITY_NOT_FOUND", err.Error(), client.TroubleshootingHint(err))
	case errors.Is(err, client.ErrRadiusTooLarge):
		writeErrorWithHint(w, r, http.StatusBadRequest, "RADIUS_TOO_LARGE", err.Error(), client.TroubleshootingHint(err))
	case errors.Is(err, client.ErrNoData):
		writeErrorWithHint(w, r, http.StatusNotFound, "NO_DATA", err.Error(), client.TroubleshootingHint(err))
	case errors.Is(err, client.ErrRateLimited):
		writeErrorWithHint(w, r, http.StatusTooManyRequests, "UPSTREAM_RATE_LIMITED", err.Error(), client.TroubleshootingHint(err))
	case errors.Is(err, circuitbreaker.ErrOpen):
		writeErrorWithHint(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", err.Error(), client.TroubleshootingHint(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorWithHint(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", client.TroubleshootingHint(err))
	default:
		writeErrorWithHint(w, r, http.StatusBadGateway, "UPSTREAM_FAILURE", err.Error(), client.TroubleshootingHint(err))
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorWithHint(w, r, status, code, message, "")
}

// writeErrorWithHint writes the error envelope including the troubleshooting hint.
func writeErrorWithHint(w http.ResponseWriter, r *http.Request, status int, code, message, hint string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		if s, ok := v.(string); ok {
			corrID = s
		}
	}
	body := map[string]string{
		"code":      code,
		"message":   message,
		"requestId": corrID,
	}
	if hint != "" {
		body["hint"] = hint
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
