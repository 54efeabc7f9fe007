package models

import (
	"fmt"
	"strings"
	"time"
)

// QueryKey identifies a unique city lookup: normalized city name plus search
// radius in kilometers. Two queries that normalize to the same key share a
// cache entry.
type QueryKey struct {
	City     string  `json:"city"`
	RadiusKm float64 `json:"radiusKm"`
}

// NewQueryKey normalizes the city name (trim + lowercase) and returns the key.
// Validation of the raw inputs happens in the validation package; this only
// canonicalizes.
func NewQueryKey(city string, radiusKm float64) QueryKey {
	return QueryKey{
		City:     strings.ToLower(strings.TrimSpace(city)),
		RadiusKm: radiusKm,
	}
}

// String returns the store key, e.g. "paris:10".
func (k QueryKey) String() string {
	return fmt.Sprintf("%s:%g", k.City, k.RadiusKm)
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PointOfInterest is a named location inside the search radius.
// Population comes from the OSM population tag when present, else 0.
type PointOfInterest struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Population int     `json:"population"`
}

// WeatherSnapshot is the current weather at fetch time.
type WeatherSnapshot struct {
	TempC       float64   `json:"tempC"`
	FeelsLikeC  float64   `json:"feelsLikeC"`
	Humidity    int       `json:"humidity"`
	Description string    `json:"description"`
	WindKmh     float64   `json:"windKmh"`
	PrecipMM    float64   `json:"precipMM"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// ResultBundle holds everything fetched for one QueryKey. Bundles are
// immutable once stored; a re-fetch produces a new bundle, never an in-place
// mutation of a cached one.
type ResultBundle struct {
	City      string            `json:"city"`
	RadiusKm  float64           `json:"radiusKm"`
	Center    Coordinates       `json:"center"`
	POIs      []PointOfInterest `json:"pois"`
	Weather   WeatherSnapshot   `json:"weather"`
	FetchedAt time.Time         `json:"fetchedAt"`
}
