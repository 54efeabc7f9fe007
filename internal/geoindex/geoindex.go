// Package geoindex provides an R-tree index over a bundle's points of
// interest for radius filtering and nearest-neighbor lookup.
package geoindex

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"github.com/geosight/geosight/internal/models"
)

const (
	tolerance   = 0.01
	minChildren = 2
	maxChildren = 16
	dimensions  = 2
	earthRadius = 6371.0 // km
)

// spatialItem wraps a PointOfInterest for R-tree indexing.
type spatialItem struct {
	poi  models.PointOfInterest
	rect *rtreego.Rect
}

func (si *spatialItem) Bounds() *rtreego.Rect {
	return si.rect
}

// Index is an R-tree over points of interest. Built once per bundle; not
// safe for concurrent mutation, which the immutable-bundle contract never
// needs.
type Index struct {
	tree *rtreego.Rtree
	size int
}

// New creates an empty index.
func New() *Index {
	return &Index{
		tree: rtreego.NewTree(dimensions, minChildren, maxChildren),
	}
}

// Insert indexes the given POIs.
func (idx *Index) Insert(pois []models.PointOfInterest) {
	for _, poi := range pois {
		pt := rtreego.Point{poi.Lat, poi.Lon}
		idx.tree.Insert(&spatialItem{poi: poi, rect: pt.ToRect(tolerance)})
		idx.size++
	}
}

// WithinRadius returns the POIs within radiusKm of center, verified by
// haversine distance after the bounding-box search.
func (idx *Index) WithinRadius(center models.Coordinates, radiusKm float64) []models.PointOfInterest {
	// Convert radius to degrees (approximation) for the bounding box.
	deg := (radiusKm / earthRadius) * (180 / math.Pi)

	bounds, err := rtreego.NewRect(
		rtreego.Point{center.Lat - deg, center.Lon - deg},
		[]float64{2 * deg, 2 * deg},
	)
	if err != nil {
		return nil
	}

	results := idx.tree.SearchIntersect(bounds)

	pois := make([]models.PointOfInterest, 0, len(results))
	for _, result := range results {
		item, ok := result.(*spatialItem)
		if !ok {
			continue
		}
		dist := HaversineKm(center.Lat, center.Lon, item.poi.Lat, item.poi.Lon)
		if dist <= radiusKm {
			pois = append(pois, item.poi)
		}
	}
	return pois
}

// Nearest returns up to n POIs closest to the given point.
func (idx *Index) Nearest(lat, lon float64, n int) []models.PointOfInterest {
	results := idx.tree.NearestNeighbors(n, rtreego.Point{lat, lon})

	pois := make([]models.PointOfInterest, 0, len(results))
	for _, result := range results {
		if item, ok := result.(*spatialItem); ok {
			pois = append(pois, item.poi)
		}
	}
	return pois
}

// Size returns the number of indexed POIs.
func (idx *Index) Size() int {
	return idx.size
}

// HaversineKm calculates the great-circle distance between two points in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
