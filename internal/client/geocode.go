package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/geosight/geosight/internal/models"
	"github.com/geosight/geosight/internal/observability"
)

// NominatimClient resolves a city name to its centroid coordinates via a
// Nominatim-compatible search endpoint.
type NominatimClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewNominatimClient creates a geocoding client. Nominatim requires a
// descriptive User-Agent; userAgent must not be empty in production use.
func NewNominatimClient(baseURL, userAgent string, timeout time.Duration) *NominatimClient {
	return &NominatimClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// nominatimResult is one entry of the search response array.
type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the centroid for the city. An empty result set maps to
// ErrCityNotFound.
func (c *NominatimClient) Geocode(ctx context.Context, city string) (models.Coordinates, error) {
	start := time.Now()

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("invalid geocode URL: %w", err)
	}
	params := url.Values{}
	params.Set("q", city)
	params.Set("format", "json")
	params.Set("limit", "1")
	base.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		observability.FetchCallsTotal.WithLabelValues("geocode", "error").Inc()
		return models.Coordinates{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		recordFetch("geocode", "error", start)
		return models.Coordinates{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	recordFetch("geocode", status, start)
	if err := checkStatus(resp.StatusCode); err != nil {
		return models.Coordinates{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("read response body: %w", err)
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return models.Coordinates{}, fmt.Errorf("parse response: %w", err)
	}
	if len(results) == 0 {
		return models.Coordinates{}, ErrCityNotFound
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}

	return models.Coordinates{Lat: lat, Lon: lon}, nil
}
