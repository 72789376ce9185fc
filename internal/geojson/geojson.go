// Package geojson holds the subset of GeoJSON the pipeline reads and writes.
package geojson

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Geometry types.
const (
	TypePoint        = "Point"
	TypeMultiPoint   = "MultiPoint"
	TypeLineString   = "LineString"
	TypePolygon      = "Polygon"
	TypeMultiPolygon = "MultiPolygon"
)

// FeatureCollection is a GeoJSON document.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection wraps features.
func NewFeatureCollection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// Feature is a single GeoJSON feature.
type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// Geometry keeps coordinates raw until they are needed.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// NewGeometry encodes coords as a geometry of type typ.
func NewGeometry(typ string, coords any) (*Geometry, error) {
	raw, err := json.Marshal(coords)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s coordinates", typ)
	}
	return &Geometry{Type: typ, Coordinates: raw}, nil
}

// Centroid returns the point for a geometry: the point itself, or the mean
// of the vertices of the points, line or outer ring.
func (g *Geometry) Centroid() (lon, lat float64, err error) {
	if g == nil {
		return 0, 0, errors.New("feature has no geometry")
	}
	var vertices [][]float64
	switch g.Type {
	case TypePoint:
		var pt []float64
		if err := json.Unmarshal(g.Coordinates, &pt); err != nil {
			return 0, 0, errors.Wrap(err, "decode point")
		}
		vertices = [][]float64{pt}
	case TypeMultiPoint, TypeLineString:
		if err := json.Unmarshal(g.Coordinates, &vertices); err != nil {
			return 0, 0, errors.Wrapf(err, "decode %s", g.Type)
		}
	case TypePolygon:
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return 0, 0, errors.Wrap(err, "decode polygon")
		}
		if len(rings) > 0 {
			vertices = rings[0]
		}
	case TypeMultiPolygon:
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return 0, 0, errors.Wrap(err, "decode multipolygon")
		}
		if len(polys) > 0 && len(polys[0]) > 0 {
			vertices = polys[0][0]
		}
	default:
		return 0, 0, errors.Newf("unsupported geometry type %q", g.Type)
	}

	var n int
	for _, v := range vertices {
		if len(v) < 2 {
			continue
		}
		lon += v[0]
		lat += v[1]
		n++
	}
	if n == 0 {
		return 0, 0, errors.Newf("%s has no coordinates", g.Type)
	}
	return lon / float64(n), lat / float64(n), nil
}
