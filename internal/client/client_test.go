package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geosight/geosight/internal/circuitbreaker"
)

const (
	geocodeParisJSON = `[{"lat":"48.8566","lon":"2.3522","display_name":"Paris, France"}]`

	overpassJSON = `{"elements":[
		{"type":"node","id":1,"lat":48.857,"lon":2.353,"tags":{"name":"Cafe de Flore","amenity":"cafe"}},
		{"type":"node","id":2,"lat":48.858,"lon":2.351,"tags":{"amenity":"school","population":"1,200"}},
		{"type":"way","id":3,"tags":{"name":"skip me","amenity":"bank"}}
	]}`

	wttrJSON = `{"current_condition":[{
		"temp_C":"18","FeelsLikeC":"17","humidity":"65",
		"windspeedKmph":"12","precipMM":"0.4",
		"weatherDesc":[{"value":"Partly cloudy"}]
	}]}`
)

// newPipelineServers starts one httptest server per provider and returns a
// FetchClient wired to them.
func newPipelineServers(t *testing.T, geocode, overpass, wttr http.HandlerFunc) *FetchClient {
	t.Helper()
	geoSrv := httptest.NewServer(geocode)
	poiSrv := httptest.NewServer(overpass)
	wttrSrv := httptest.NewServer(wttr)
	t.Cleanup(func() {
		geoSrv.Close()
		poiSrv.Close()
		wttrSrv.Close()
	})

	fc, err := NewFetchClient(FetchConfig{
		GeocodeURL:     geoSrv.URL,
		OverpassURL:    poiSrv.URL,
		WeatherURL:     wttrSrv.URL,
		UserAgent:      "geosight-test/1.0",
		Timeout:        5 * time.Second,
		MaxRadiusKm:    50,
		RetryAttempts:  3,
		RetryBaseDelay: 1 * time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFetchClient() error = %v", err)
	}
	return fc
}

func serveJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func serveStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

// TestFetchCityData_Success verifies the full pipeline produces a complete
// bundle from the three providers.
func TestFetchCityData_Success(t *testing.T) {
	fc := newPipelineServers(t, serveJSON(geocodeParisJSON), serveJSON(overpassJSON), serveJSON(wttrJSON))

	bundle, err := fc.FetchCityData(context.Background(), " Paris ", 10)
	if err != nil {
		t.Fatalf("FetchCityData() error = %v", err)
	}

	if bundle.City != "paris" {
		t.Errorf("City = %q, want paris (normalized)", bundle.City)
	}
	if bundle.RadiusKm != 10 {
		t.Errorf("RadiusKm = %v, want 10", bundle.RadiusKm)
	}
	if bundle.Center.Lat != 48.8566 || bundle.Center.Lon != 2.3522 {
		t.Errorf("Center = %+v, want parsed Nominatim coordinates", bundle.Center)
	}
	// The way element is skipped; both nodes are within radius. The spatial
	// re-filter does not guarantee order, so index by name.
	if len(bundle.POIs) != 2 {
		t.Fatalf("len(POIs) = %d, want 2 (only node elements)", len(bundle.POIs))
	}
	byName := make(map[string]int, len(bundle.POIs))
	for i, poi := range bundle.POIs {
		byName[poi.Name] = i
	}
	cafe, ok := byName["Cafe de Flore"]
	if !ok {
		t.Fatalf("POIs = %+v, want the named cafe present", bundle.POIs)
	}
	if bundle.POIs[cafe].Kind != "cafe" {
		t.Errorf("cafe Kind = %q, want cafe", bundle.POIs[cafe].Kind)
	}
	school, ok := byName["Location 2"]
	if !ok {
		t.Fatalf("POIs = %+v, want generated fallback name present", bundle.POIs)
	}
	if bundle.POIs[school].Population != 1200 {
		t.Errorf("school Population = %d, want 1200 (comma stripped)", bundle.POIs[school].Population)
	}
	if bundle.Weather.TempC != 18 || bundle.Weather.Humidity != 65 {
		t.Errorf("Weather = %+v, want parsed j1 values", bundle.Weather)
	}
	if bundle.Weather.Description != "Partly cloudy" {
		t.Errorf("Weather.Description = %q, want Partly cloudy", bundle.Weather.Description)
	}
	if bundle.FetchedAt.IsZero() {
		t.Error("FetchedAt is zero, want fetch timestamp")
	}
}

// TestFetchCityData_CityNotFound verifies an empty geocode result fails
// terminally without touching the later stages.
func TestFetchCityData_CityNotFound(t *testing.T) {
	var poiCalls atomic.Int32
	fc := newPipelineServers(t,
		serveJSON(`[]`),
		func(w http.ResponseWriter, r *http.Request) {
			poiCalls.Add(1)
			fmt.Fprint(w, overpassJSON)
		},
		serveJSON(wttrJSON),
	)

	_, err := fc.FetchCityData(context.Background(), "atlantis", 10)
	if !errors.Is(err, ErrCityNotFound) {
		t.Fatalf("FetchCityData() error = %v, want ErrCityNotFound", err)
	}
	if poiCalls.Load() != 0 {
		t.Errorf("POI provider called %d times, want 0 after geocode failure", poiCalls.Load())
	}
}

// TestFetchCityData_RadiusTooLarge verifies the client-side radius ceiling
// rejects before any provider call.
func TestFetchCityData_RadiusTooLarge(t *testing.T) {
	var calls atomic.Int32
	counting := func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, geocodeParisJSON)
	}
	fc := newPipelineServers(t, counting, counting, counting)

	_, err := fc.FetchCityData(context.Background(), "paris", 100)
	if !errors.Is(err, ErrRadiusTooLarge) {
		t.Fatalf("FetchCityData() error = %v, want ErrRadiusTooLarge", err)
	}
	if calls.Load() != 0 {
		t.Errorf("providers called %d times, want 0 for oversized radius", calls.Load())
	}
}

// TestFetchCityData_NoData verifies an empty POI result maps to ErrNoData
// terminally.
func TestFetchCityData_NoData(t *testing.T) {
	fc := newPipelineServers(t, serveJSON(geocodeParisJSON), serveJSON(`{"elements":[]}`), serveJSON(wttrJSON))

	_, err := fc.FetchCityData(context.Background(), "paris", 0.1)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("FetchCityData() error = %v, want ErrNoData", err)
	}
}

// TestFetchCityData_RetriesThenSucceeds verifies transient 5xx responses are
// retried and a later success completes the pipeline.
func TestFetchCityData_RetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, geocodeParisJSON)
	}
	fc := newPipelineServers(t, flaky, serveJSON(overpassJSON), serveJSON(wttrJSON))

	bundle, err := fc.FetchCityData(context.Background(), "paris", 10)
	if err != nil {
		t.Fatalf("FetchCityData() error = %v, want success after retries", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("geocode attempts = %d, want 3", attempts.Load())
	}
	if bundle.City != "paris" {
		t.Errorf("City = %q, want paris", bundle.City)
	}
}

// TestFetchCityData_ExhaustedRetries verifies persistent upstream failure
// surfaces ErrUpstreamFailure after all attempts.
func TestFetchCityData_ExhaustedRetries(t *testing.T) {
	var attempts atomic.Int32
	failing := func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}
	fc := newPipelineServers(t, failing, serveJSON(overpassJSON), serveJSON(wttrJSON))

	_, err := fc.FetchCityData(context.Background(), "paris", 10)
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("FetchCityData() error = %v, want ErrUpstreamFailure", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (max attempts)", attempts.Load())
	}
}

// TestFetchCityData_RateLimitRetried verifies 429 responses count as
// retryable.
func TestFetchCityData_RateLimitRetried(t *testing.T) {
	var attempts atomic.Int32
	limited := func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, geocodeParisJSON)
	}
	fc := newPipelineServers(t, limited, serveJSON(overpassJSON), serveJSON(wttrJSON))

	if _, err := fc.FetchCityData(context.Background(), "paris", 10); err != nil {
		t.Fatalf("FetchCityData() error = %v, want success after rate-limit retry", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

// TestFetchCityData_BreakerOpen verifies an open circuit breaker fails fast
// without retrying.
func TestFetchCityData_BreakerOpen(t *testing.T) {
	var attempts atomic.Int32
	failing := func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}
	fc := newPipelineServers(t, failing, serveJSON(overpassJSON), serveJSON(wttrJSON))

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		Component:        "test",
	})
	fc.SetCircuitBreaker(cb)

	// First call trips the breaker on its failures; subsequent calls fail fast.
	_, _ = fc.FetchCityData(context.Background(), "paris", 10)
	before := attempts.Load()

	_, err := fc.FetchCityData(context.Background(), "paris", 10)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("FetchCityData() error = %v, want ErrOpen", err)
	}
	if attempts.Load() != before {
		t.Errorf("provider called while breaker open, want fail-fast")
	}
}

// TestGeocode_UserAgentAndParams verifies the request the geocoder sends.
func TestGeocode_UserAgentAndParams(t *testing.T) {
	var gotUA, gotQuery, gotFormat, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotQuery = r.URL.Query().Get("q")
		gotFormat = r.URL.Query().Get("format")
		gotLimit = r.URL.Query().Get("limit")
		fmt.Fprint(w, geocodeParisJSON)
	}))
	defer srv.Close()

	gc := NewNominatimClient(srv.URL, "geosight-test/1.0", 5*time.Second)
	if _, err := gc.Geocode(context.Background(), "Paris"); err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}

	if gotUA != "geosight-test/1.0" {
		t.Errorf("User-Agent = %q, want geosight-test/1.0", gotUA)
	}
	if gotQuery != "Paris" || gotFormat != "json" || gotLimit != "1" {
		t.Errorf("query params q=%q format=%q limit=%q, want Paris/json/1", gotQuery, gotFormat, gotLimit)
	}
}

// TestGeocode_MalformedCoordinates verifies unparseable lat/lon is an error.
func TestGeocode_MalformedCoordinates(t *testing.T) {
	srv := httptest.NewServer(serveJSON(`[{"lat":"not-a-number","lon":"2.35"}]`))
	defer srv.Close()

	gc := NewNominatimClient(srv.URL, "", 5*time.Second)
	if _, err := gc.Geocode(context.Background(), "paris"); err == nil {
		t.Fatal("Geocode() error = nil, want parse error")
	}
}

// TestCurrentWeather_EmptyCondition verifies an empty current_condition array
// maps to ErrUpstreamFailure.
func TestCurrentWeather_EmptyCondition(t *testing.T) {
	srv := httptest.NewServer(serveJSON(`{"current_condition":[]}`))
	defer srv.Close()

	wc := NewWttrClient(srv.URL, "", 5*time.Second)
	_, err := wc.CurrentWeather(context.Background(), "paris")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("CurrentWeather() error = %v, want ErrUpstreamFailure", err)
	}
}

// TestCurrentWeather_StringlyNumerics verifies unparseable numerics degrade
// to zero instead of failing.
func TestCurrentWeather_StringlyNumerics(t *testing.T) {
	srv := httptest.NewServer(serveJSON(`{"current_condition":[{"temp_C":"","FeelsLikeC":"x","humidity":"65","windspeedKmph":"12","precipMM":"0.0","weatherDesc":[]}]}`))
	defer srv.Close()

	wc := NewWttrClient(srv.URL, "", 5*time.Second)
	got, err := wc.CurrentWeather(context.Background(), "paris")
	if err != nil {
		t.Fatalf("CurrentWeather() error = %v", err)
	}
	if got.TempC != 0 || got.FeelsLikeC != 0 {
		t.Errorf("TempC/FeelsLikeC = %v/%v, want 0/0 for malformed values", got.TempC, got.FeelsLikeC)
	}
	if got.Humidity != 65 || got.WindKmh != 12 {
		t.Errorf("Humidity/WindKmh = %v/%v, want 65/12", got.Humidity, got.WindKmh)
	}
	if got.Description != "" {
		t.Errorf("Description = %q, want empty for missing weatherDesc", got.Description)
	}
}

// TestParsePopulation verifies the OSM population tag parsing rules.
func TestParsePopulation(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{name: "plain", in: "1200", want: 1200},
		{name: "with commas", in: "1,234,567", want: 1234567},
		{name: "with whitespace", in: " 42 ", want: 42},
		{name: "empty", in: "", want: 0},
		{name: "malformed", in: "approx 5000", want: 0},
		{name: "negative", in: "-5", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parsePopulation(tc.in); got != tc.want {
				t.Errorf("parsePopulation(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

// TestIsRetryable verifies the terminal/retryable split of the error taxonomy.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "city not found", err: ErrCityNotFound, want: false},
		{name: "wrapped city not found", err: fmt.Errorf("geocode x: %w", ErrCityNotFound), want: false},
		{name: "no data", err: ErrNoData, want: false},
		{name: "radius too large", err: ErrRadiusTooLarge, want: false},
		{name: "breaker open", err: circuitbreaker.ErrOpen, want: false},
		{name: "rate limited", err: ErrRateLimited, want: true},
		{name: "upstream failure", err: ErrUpstreamFailure, want: true},
		{name: "timeout string", err: errors.New("dial tcp: i/o timeout"), want: true},
		{name: "connection string", err: errors.New("connection refused"), want: true},
		{name: "other", err: errors.New("something else"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// TestCalculateBackoff verifies exponential growth and the cap.
func TestCalculateBackoff(t *testing.T) {
	fc := &FetchClient{
		retryBaseDelay: 100 * time.Millisecond,
		retryMaxDelay:  2 * time.Second,
	}

	d1 := fc.calculateBackoff(1)
	if d1 < 100*time.Millisecond || d1 > 110*time.Millisecond {
		t.Errorf("backoff(1) = %v, want 100ms + up to 10%% jitter", d1)
	}
	d2 := fc.calculateBackoff(2)
	if d2 < 200*time.Millisecond || d2 > 220*time.Millisecond {
		t.Errorf("backoff(2) = %v, want 200ms + up to 10%% jitter", d2)
	}
	d10 := fc.calculateBackoff(10)
	if d10 > 2200*time.Millisecond {
		t.Errorf("backoff(10) = %v, want capped near 2s", d10)
	}
}

// TestNewFetchClient_RequiresURLs verifies configuration validation.
func TestNewFetchClient_RequiresURLs(t *testing.T) {
	_, err := NewFetchClient(FetchConfig{GeocodeURL: "http://x", OverpassURL: "", WeatherURL: "http://z"})
	if err == nil {
		t.Fatal("NewFetchClient() error = nil, want error for missing URL")
	}
}
