package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/geosight/geosight/internal/models"
)

// poiLimit caps the number of features requested per query, matching the
// Overpass quadtile-optimized result cap the providers tolerate well.
const poiLimit = 50

// OverpassClient queries an Overpass-compatible endpoint for amenity nodes
// around a center point.
type OverpassClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewOverpassClient creates a POI client for the given interpreter endpoint.
func NewOverpassClient(baseURL, userAgent string, timeout time.Duration) *OverpassClient {
	return &OverpassClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// overpassResponse is the interpreter's JSON output.
type overpassResponse struct {
	Elements []struct {
		Type string            `json:"type"`
		ID   int64             `json:"id"`
		Lat  float64           `json:"lat"`
		Lon  float64           `json:"lon"`
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

// NearbyPOIs returns amenity nodes within radiusKm of center. The amenity
// whitelist keeps the result set meaningful for statistics (restaurants,
// schools, hospitals, banks, cafes).
func (c *OverpassClient) NearbyPOIs(ctx context.Context, center models.Coordinates, radiusKm float64) ([]models.PointOfInterest, error) {
	start := time.Now()

	radiusM := radiusKm * 1000
	query := fmt.Sprintf(`[out:json][timeout:25];
(
  node["amenity"~"^(restaurant|school|hospital|bank|cafe)$"](around:%.0f,%.6f,%.6f);
);
out qt %d;`, radiusM, center.Lat, center.Lon, poiLimit)

	form := url.Values{}
	form.Set("data", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		recordFetch("poi", "error", start)
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	recordFetch("poi", status, start)
	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var out overpassResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	pois := make([]models.PointOfInterest, 0, len(out.Elements))
	for _, el := range out.Elements {
		if el.Type != "node" {
			continue
		}
		name := el.Tags["name"]
		if name == "" {
			name = fmt.Sprintf("Location %d", el.ID)
		}
		kind := el.Tags["amenity"]
		if kind == "" {
			kind = "building"
		}
		pois = append(pois, models.PointOfInterest{
			Name:       name,
			Kind:       kind,
			Lat:        el.Lat,
			Lon:        el.Lon,
			Population: parsePopulation(el.Tags["population"]),
		})
	}
	return pois, nil
}

// parsePopulation reads the OSM population tag; absent or malformed tags map to 0.
func parsePopulation(s string) int {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
