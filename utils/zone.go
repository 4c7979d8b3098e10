package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	geo "github.com/kellydunn/golang-geo"
	"go.uber.org/zap"
)

// DefaultStart is where the viewer opens when no zone is configured.
var DefaultStart = geo.NewPoint(6.26744, -75.5692)

// Zone is the labeling zone drawn by the viewer. Only the first polygon of
// the first feature is used for containment and the start position.
type Zone struct {
	GeoJSON json.RawMessage
	Polygon *geo.Polygon
	Start   *geo.Point
}

type geoJSONFeatureCollection struct {
	Features []struct {
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// LoadZone reads a GeoJSON feature collection. A missing file is not an
// error: it is logged and a nil zone is returned.
func LoadZone(path string) (*Zone, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("No zone found, the labeling zone will not be displayed", zap.String("zone_file", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read zone file: %w", err)
	}

	return ParseZone(data)
}

// ParseZone parses the polygon of the first feature in a GeoJSON feature collection.
func ParseZone(data []byte) (*Zone, error) {
	var fc geoJSONFeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse zone geojson: %w", err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("zone geojson has no features")
	}

	geom := fc.Features[0].Geometry
	var ring [][]float64
	switch geom.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(geom.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("invalid polygon coordinates: %w", err)
		}
		if len(rings) > 0 {
			ring = rings[0]
		}
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(geom.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("invalid multipolygon coordinates: %w", err)
		}
		if len(polys) > 0 && len(polys[0]) > 0 {
			ring = polys[0][0]
		}
	default:
		return nil, fmt.Errorf("unsupported zone geometry %q", geom.Type)
	}

	if len(ring) < 3 {
		return nil, fmt.Errorf("zone polygon needs at least 3 vertices, got %d", len(ring))
	}

	points := make([]*geo.Point, 0, len(ring))
	for i, pos := range ring {
		if len(pos) < 2 {
			return nil, fmt.Errorf("zone vertex %d has %d coordinates", i, len(pos))
		}
		// GeoJSON positions are [lon, lat].
		points = append(points, geo.NewPoint(pos[1], pos[0]))
	}

	var compact json.RawMessage
	if compacted, err := compactJSON(data); err == nil {
		compact = compacted
	} else {
		compact = data
	}

	return &Zone{
		GeoJSON: compact,
		Polygon: geo.NewPolygon(points),
		Start:   points[0],
	}, nil
}

// Contains reports whether the position lies inside the zone. A nil zone
// contains everything.
func (z *Zone) Contains(lat, lon float64) bool {
	if z == nil || z.Polygon == nil {
		return true
	}
	return z.Polygon.Contains(geo.NewPoint(lat, lon))
}

// StartPosition is the first zone vertex, or DefaultStart without a zone.
func (z *Zone) StartPosition() *geo.Point {
	if z == nil || z.Start == nil {
		return DefaultStart
	}
	return z.Start
}

func compactJSON(data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
