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
)

// WttrClient fetches current conditions from a wttr.in-compatible endpoint
// using the j1 JSON format.
type WttrClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewWttrClient creates a weather client for the given base URL.
func NewWttrClient(baseURL, userAgent string, timeout time.Duration) *WttrClient {
	return &WttrClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// wttrResponse mirrors the j1 format. All numeric fields arrive as strings.
type wttrResponse struct {
	CurrentCondition []struct {
		TempC         string `json:"temp_C"`
		FeelsLikeC    string `json:"FeelsLikeC"`
		Humidity      string `json:"humidity"`
		WindspeedKmph string `json:"windspeedKmph"`
		PrecipMM      string `json:"precipMM"`
		WeatherDesc   []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

// CurrentWeather returns the current snapshot for the city.
func (c *WttrClient) CurrentWeather(ctx context.Context, city string) (models.WeatherSnapshot, error) {
	start := time.Now()

	endpoint := fmt.Sprintf("%s/%s?format=j1", c.baseURL, url.PathEscape(city))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("create request: %w", err)
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
		recordFetch("weather", "error", start)
		return models.WeatherSnapshot{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	recordFetch("weather", status, start)
	if err := checkStatus(resp.StatusCode); err != nil {
		return models.WeatherSnapshot{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("read response body: %w", err)
	}

	var out wttrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("parse response: %w", err)
	}
	if len(out.CurrentCondition) == 0 {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: empty current_condition", ErrUpstreamFailure)
	}

	cur := out.CurrentCondition[0]
	desc := ""
	if len(cur.WeatherDesc) > 0 {
		desc = cur.WeatherDesc[0].Value
	}

	return models.WeatherSnapshot{
		TempC:       parseFloatOrZero(cur.TempC),
		FeelsLikeC:  parseFloatOrZero(cur.FeelsLikeC),
		Humidity:    int(parseFloatOrZero(cur.Humidity)),
		Description: desc,
		WindKmh:     parseFloatOrZero(cur.WindspeedKmph),
		PrecipMM:    parseFloatOrZero(cur.PrecipMM),
		FetchedAt:   time.Now(),
	}, nil
}

// parseFloatOrZero tolerates the j1 format's stringly-typed numerics.
func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
