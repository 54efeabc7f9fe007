// Package analysis computes per-column statistics over a bundle's points of
// interest. Columns are a fixed registry, not reflection: the UI's analysis
// dropdown is populated from Columns and validated here.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/geosight/geosight/internal/geoindex"
	"github.com/geosight/geosight/internal/models"
)

// ErrUnknownColumn is returned for a column name outside the registry.
var ErrUnknownColumn = errors.New("unknown analysis column")

// ErrNoData is returned when the bundle has no points of interest to analyze.
var ErrNoData = errors.New("no data available for analysis")

const (
	ColumnPopulation = "population"
	ColumnLatitude   = "latitude"
	ColumnLongitude  = "longitude"
	ColumnDistanceKm = "distance_km"
)

const histogramBuckets = 10

// Columns returns the analyzable column registry in display order.
func Columns() []string {
	return []string{ColumnPopulation, ColumnLatitude, ColumnLongitude, ColumnDistanceKm}
}

// Stats holds the basic statistics for one column.
type Stats struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Mode     float64 `json:"mode"`
	StdDev   float64 `json:"stdDev"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Skewness float64 `json:"skewness"`
}

// HistogramBucket is one bar of the distribution graph.
type HistogramBucket struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// Report is a complete analysis of one column of one bundle.
type Report struct {
	City        string                 `json:"city"`
	RadiusKm    float64                `json:"radiusKm"`
	Column      string                 `json:"column"`
	Stats       Stats                  `json:"stats"`
	Histogram   []HistogramBucket      `json:"histogram"`
	Weather     models.WeatherSnapshot `json:"weather"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// Analyze computes the report for the given column over the bundle's POIs.
func Analyze(bundle models.ResultBundle, column string) (Report, error) {
	extract, err := columnExtractor(column, bundle.Center)
	if err != nil {
		return Report{}, err
	}
	if len(bundle.POIs) == 0 {
		return Report{}, ErrNoData
	}

	values := make([]float64, len(bundle.POIs))
	for i, poi := range bundle.POIs {
		values[i] = extract(poi)
	}

	return Report{
		City:        bundle.City,
		RadiusKm:    bundle.RadiusKm,
		Column:      column,
		Stats:       computeStats(values),
		Histogram:   computeHistogram(values),
		Weather:     bundle.Weather,
		GeneratedAt: time.Now(),
	}, nil
}

// columnExtractor maps a registry column to its value function.
func columnExtractor(column string, center models.Coordinates) (func(models.PointOfInterest) float64, error) {
	switch column {
	case ColumnPopulation:
		return func(p models.PointOfInterest) float64 { return float64(p.Population) }, nil
	case ColumnLatitude:
		return func(p models.PointOfInterest) float64 { return p.Lat }, nil
	case ColumnLongitude:
		return func(p models.PointOfInterest) float64 { return p.Lon }, nil
	case ColumnDistanceKm:
		return func(p models.PointOfInterest) float64 {
			return geoindex.HaversineKm(center.Lat, center.Lon, p.Lat, p.Lon)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q (valid: %v)", ErrUnknownColumn, column, Columns())
	}
}

// computeStats calculates the basic statistics over values. len(values) > 0.
func computeStats(values []float64) Stats {
	n := len(values)
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	skewSum := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
		skewSum += d * d * d
	}
	variance /= float64(n)
	stdDev := math.Sqrt(variance)

	skewness := 0.0
	if stdDev > 0 {
		skewness = (skewSum / float64(n)) / math.Pow(stdDev, 3)
	}

	return Stats{
		Count:    n,
		Mean:     mean,
		Median:   median(sorted),
		Mode:     mode(sorted),
		StdDev:   stdDev,
		Variance: variance,
		Min:      sorted[0],
		Max:      sorted[n-1],
		Skewness: skewness,
	}
}

// median expects sorted input.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mode returns the most frequent value; ties resolve to the smallest, which
// sorted input gives for free.
func mode(sorted []float64) float64 {
	best := sorted[0]
	bestCount := 0
	cur := sorted[0]
	curCount := 0
	for _, v := range sorted {
		if v == cur {
			curCount++
		} else {
			cur = v
			curCount = 1
		}
		if curCount > bestCount {
			best = cur
			bestCount = curCount
		}
	}
	return best
}

// computeHistogram buckets values into histogramBuckets equal-width bins.
// A degenerate range (all values equal) produces a single full bucket.
func computeHistogram(values []float64) []HistogramBucket {
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return []HistogramBucket{{Low: min, High: max, Count: len(values)}}
	}

	width := (max - min) / histogramBuckets
	buckets := make([]HistogramBucket, histogramBuckets)
	for i := range buckets {
		buckets[i].Low = min + float64(i)*width
		buckets[i].High = min + float64(i+1)*width
	}
	buckets[histogramBuckets-1].High = max

	for _, v := range values {
		i := int((v - min) / width)
		if i >= histogramBuckets {
			i = histogramBuckets - 1
		}
		buckets[i].Count++
	}
	return buckets
}
