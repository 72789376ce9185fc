package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/nucleus/source-pipeline/internal/geojson"
)

// EsriPageWidth is the object-id window requested per query.
const EsriPageWidth = 500

// EsriDownloader pages through an ArcGIS REST layer by object id and
// converts the features to a GeoJSON FeatureCollection.
type EsriDownloader struct {
	fetcher Fetcher
	width   int
}

// NewEsriDownloader creates a downloader using the default page width.
func NewEsriDownloader(fetcher Fetcher) *EsriDownloader {
	return &EsriDownloader{fetcher: fetcher, width: EsriPageWidth}
}

type esriResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	GeometryType string        `json:"geometryType"`
	Features     []esriFeature `json:"features"`
}

type esriFeature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   esriGeometry   `json:"geometry"`
}

type esriGeometry struct {
	X      float64       `json:"x"`
	Y      float64       `json:"y"`
	Points [][]float64   `json:"points"`
	Rings  [][][]float64 `json:"rings"`
}

func (d *EsriDownloader) Download(ctx context.Context, urls []string) ([]File, error) {
	files := make([]File, 0, len(urls))
	for _, raw := range urls {
		features, err := d.fetchLayer(ctx, raw)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(geojson.NewFeatureCollection(features))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode features of %s", raw)
		}
		files = append(files, File{Name: esriFileName(raw), Data: data})
	}
	return files, nil
}

func (d *EsriDownloader) fetchLayer(ctx context.Context, layerURL string) ([]geojson.Feature, error) {
	queryURL, err := queryEndpoint(layerURL)
	if err != nil {
		return nil, err
	}

	var features []geojson.Feature
	for start := 0; ; start += d.width {
		query := url.Values{
			"where":             {fmt.Sprintf("objectid >= %d and objectid < %d", start, start+d.width)},
			"geometryPrecision": {"7"},
			"returnGeometry":    {"true"},
			"outSR":             {"4326"},
			"outFields":         {"*"},
			"f":                 {"json"},
		}
		resp, err := d.fetcher.Get(ctx, queryURL, query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query %s", layerURL)
		}

		var page esriResponse
		if err := resp.JSON(&page); err != nil {
			return nil, errors.Wrapf(err, "could not parse query response from %s", layerURL)
		}
		if page.Error != nil {
			return nil, errors.Newf("problem querying ESRI layer %s: %s", layerURL, page.Error.Message)
		}
		if len(page.Features) == 0 {
			return features, nil
		}
		for _, f := range page.Features {
			feature, err := convertEsriFeature(page.GeometryType, f)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %s", layerURL)
			}
			features = append(features, feature)
		}
	}
}

func convertEsriFeature(geometryType string, f esriFeature) (geojson.Feature, error) {
	var (
		geom *geojson.Geometry
		err  error
	)
	switch geometryType {
	case "esriGeometryPoint":
		geom, err = geojson.NewGeometry(geojson.TypePoint, []float64{f.Geometry.X, f.Geometry.Y})
	case "esriGeometryMultipoint":
		geom, err = geojson.NewGeometry(geojson.TypeMultiPoint, trimVertices(f.Geometry.Points))
	case "esriGeometryPolygon":
		rings := make([][][]float64, len(f.Geometry.Rings))
		for i, ring := range f.Geometry.Rings {
			rings[i] = trimVertices(ring)
		}
		geom, err = geojson.NewGeometry(geojson.TypePolygon, rings)
	default:
		return geojson.Feature{}, errors.Newf("unknown ESRI geometry type %q", geometryType)
	}
	if err != nil {
		return geojson.Feature{}, err
	}
	return geojson.Feature{Type: "Feature", Properties: f.Attributes, Geometry: geom}, nil
}

// trimVertices keeps x and y of each vertex.
func trimVertices(points [][]float64) [][]float64 {
	out := make([][]float64, 0, len(points))
	for _, p := range points {
		if len(p) >= 2 {
			out = append(out, []float64{p[0], p[1]})
		}
	}
	return out
}

// queryEndpoint appends /query to the layer path, keeping any query string
// such as an access token.
func queryEndpoint(layerURL string) (string, error) {
	u, err := url.Parse(layerURL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid ESRI layer URL %q", layerURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/query"
	u.RawPath = ""
	return u.String(), nil
}

func esriFileName(layerURL string) string {
	u, err := url.Parse(layerURL)
	if err != nil || u.Host == "" {
		return "esri.json"
	}
	return u.Host + ".json"
}
