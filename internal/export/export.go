// Package export serializes analysis results for offline use: a JSON report
// or a CSV table of the bundle's points of interest.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/geosight/geosight/internal/analysis"
	"github.com/geosight/geosight/internal/geoindex"
	"github.com/geosight/geosight/internal/models"
)

// WriteReportJSON writes the analysis report as indented JSON.
func WriteReportJSON(w io.Writer, report analysis.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WritePOIsCSV writes the bundle's points of interest as a CSV table with a
// header row, plus the distance of each POI from the city centroid.
func WritePOIsCSV(w io.Writer, bundle models.ResultBundle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "kind", "lat", "lon", "population", "distance_km"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, poi := range bundle.POIs {
		dist := geoindex.HaversineKm(bundle.Center.Lat, bundle.Center.Lon, poi.Lat, poi.Lon)
		row := []string{
			poi.Name,
			poi.Kind,
			strconv.FormatFloat(poi.Lat, 'f', 6, 64),
			strconv.FormatFloat(poi.Lon, 'f', 6, 64),
			strconv.Itoa(poi.Population),
			strconv.FormatFloat(dist, 'f', 3, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
