package conform

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"

	"github.com/nucleus/source-pipeline/internal/geojson"
	"github.com/nucleus/source-pipeline/internal/source"
)

// Address is one canonical output row.
type Address struct {
	Lon    float64
	Lat    float64
	Number string
	Street string
}

var zipMagic = []byte("PK\x03\x04")

// extensions lists the archive entry extensions accepted per conform type.
var extensions = map[string][]string{
	source.ConformCSV:     {".csv"},
	source.ConformGeoJSON: {".geojson", ".json"},
}

type entry struct {
	name string
	data []byte
}

// selectInput returns the bytes to conform. Zip archives are opened and the
// entry named by c.File, or else the first entry matching the conform type,
// is returned. Zip compression requires an archive and also expands archives
// nested inside it, as produced when several zipped downloads are packed.
func selectInput(data []byte, compression string, c *source.Conform) ([]byte, error) {
	expand := compression == source.CompressionZip
	if !bytes.HasPrefix(data, zipMagic) {
		if expand {
			return nil, errors.New("cache is not a zip archive")
		}
		return data, nil
	}
	entries, err := unzip(data, expand)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if c.File != "" {
			if e.name == c.File || path.Base(e.name) == c.File {
				return e.data, nil
			}
			continue
		}
		if matchesType(e.name, c.Type) {
			return e.data, nil
		}
	}
	if c.File != "" {
		return nil, errors.Newf("archive has no entry %q", c.File)
	}
	return nil, errors.Newf("archive has no %s entry", c.Type)
}

// unzip reads every file in the archive in order. With nested set, entries
// that are themselves zip archives are replaced by their contents.
func unzip(data []byte, nested bool) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cached archive")
	}
	var out []entry
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		b, err := readEntry(zf)
		if err != nil {
			return nil, err
		}
		if nested && bytes.HasPrefix(b, zipMagic) {
			inner, err := unzip(b, false)
			if err != nil {
				return nil, errors.Wrapf(err, "in %s", zf.Name)
			}
			out = append(out, inner...)
			continue
		}
		out = append(out, entry{name: zf.Name, data: b})
	}
	return out, nil
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive entry %s", zf.Name)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read archive entry %s", zf.Name)
	}
	return b, nil
}

func matchesType(name, conformType string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, want := range extensions[conformType] {
		if ext == want {
			return true
		}
	}
	return false
}

// readAddresses parses data according to c.Type. Rows without usable
// coordinates are counted in skipped.
func readAddresses(data []byte, c *source.Conform) (rows []Address, skipped int, err error) {
	switch c.Type {
	case source.ConformCSV:
		return readCSV(data, c)
	case source.ConformGeoJSON:
		return readGeoJSON(data, c)
	default:
		return nil, 0, errors.Wrapf(source.ErrUnsupportedType, "conform type %q", c.Type)
	}
}

func readCSV(data []byte, c *source.Conform) ([]Address, int, error) {
	if c.Lon == "" || c.Lat == "" {
		return nil, 0, errors.New("csv conform requires lon and lat columns")
	}
	cr := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\ufeff"))))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read csv header")
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	cols := make(map[string]int, 4)
	for _, name := range []string{c.Number, c.Street, c.Lon, c.Lat} {
		i, ok := index[name]
		if !ok {
			return nil, 0, errors.Newf("csv has no column %q", name)
		}
		cols[name] = i
	}
	get := func(row []string, name string) string {
		if i := cols[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var (
		rows    []Address
		skipped int
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		lon, lonErr := strconv.ParseFloat(get(row, c.Lon), 64)
		lat, latErr := strconv.ParseFloat(get(row, c.Lat), 64)
		if lonErr != nil || latErr != nil {
			skipped++
			continue
		}
		rows = append(rows, Address{Lon: lon, Lat: lat, Number: get(row, c.Number), Street: get(row, c.Street)})
	}
	return rows, skipped, nil
}

func readGeoJSON(data []byte, c *source.Conform) ([]Address, int, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse geojson")
	}

	var (
		rows    []Address
		skipped int
	)
	for _, f := range fc.Features {
		lon, lat, err := f.Geometry.Centroid()
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, Address{
			Lon:    lon,
			Lat:    lat,
			Number: property(f.Properties, c.Number),
			Street: property(f.Properties, c.Street),
		})
	}
	return rows, skipped, nil
}

func property(props map[string]any, name string) string {
	v, ok := props[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
