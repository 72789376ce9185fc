package conform

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/stage"
)

type fixture struct {
	root    string
	objects *objectstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	return &fixture{root: t.TempDir(), objects: objectstore.NewMemoryStore()}
}

func (f *fixture) stage(parquet bool) *Stage {
	return NewStage(source.NewCatalog(f.root, nil), f.objects, Options{
		Bucket:  "data",
		Prefix:  "processed",
		Workers: 2,
		Parquet: parquet,
	}, nil)
}

func (f *fixture) descriptor(t *testing.T, id string, desc map[string]any) source.ID {
	t.Helper()
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	p := filepath.Join(f.root, filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return source.ID(id)
}

func (f *fixture) cache(t *testing.T, key string, data []byte) stage.CacheResult {
	t.Helper()
	require.NoError(t, f.objects.PutObject(context.Background(), "data", key, data, objectstore.PutOptions{}))
	return stage.CacheResult{Cache: objectstore.Locator("data", key), Version: "20240102030405", Fingerprint: "f"}
}

func zipped(t *testing.T, entries map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

var csvConform = map[string]any{"type": "csv", "number": "HOUSE", "street": "ROAD", "lon": "X", "lat": "Y"}

func TestConformCSV(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "us/ca.json", map[string]any{"type": "http", "data": "http://example.com/a.csv", "conform": csvConform})
	extras := map[source.ID]stage.CacheResult{
		id: f.cache(t, "cache/us/ca/20240102030405/addr.csv", []byte("HOUSE,ROAD,X,Y\n1,Main St,-122.1,37.1\n2,Main St,,\n")),
	}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	require.Contains(t, results, id)
	require.NoError(t, results[id].Err)
	require.NotNil(t, results[id].Processed)
	assert.Equal(t, "minio://data/processed/us/ca/20240102030405/out.csv", *results[id].Processed)

	obj, err := f.objects.Stat(context.Background(), "data", "processed/us/ca/20240102030405/out.csv")
	require.NoError(t, err)
	assert.Equal(t, "LON,LAT,NUMBER,STREET\n-122.1000000,37.1000000,1,Main St\n", string(obj.Data))
	assert.Equal(t, "text/csv", obj.Options.ContentType)
	assert.True(t, obj.Options.PublicRead)
}

func TestConformGeoJSONInsideZip(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "au.json", map[string]any{
		"type": "esri", "data": "http://example.com/layer",
		"conform": map[string]any{"type": "geojson", "number": "NUM", "street": "ST"},
	})
	fc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"NUM":7,"ST":"High St"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2]]]}},
		{"type":"Feature","properties":{"NUM":8,"ST":"High St"},"geometry":null}
	]}`
	archive := zipped(t, map[string]string{"README.txt": "hi", "layer.geojson": fc}, "README.txt", "layer.geojson")
	extras := map[source.ID]stage.CacheResult{id: f.cache(t, "cache/au/20240102030405/au.zip", archive)}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	require.NotNil(t, results[id].Processed)

	data, err := f.objects.GetObject(context.Background(), "data", "processed/au/20240102030405/out.csv")
	require.NoError(t, err)
	assert.Equal(t, "LON,LAT,NUMBER,STREET\n1.0000000,1.0000000,7,High St\n", string(data))
}

func TestConformPicksNamedArchiveEntry(t *testing.T) {
	f := newFixture(t)
	conform := map[string]any{"type": "csv", "file": "b.csv", "number": "N", "street": "S", "lon": "X", "lat": "Y"}
	id := f.descriptor(t, "a.json", map[string]any{"type": "http", "data": "http://example.com/a.zip", "conform": conform})
	archive := zipped(t, map[string]string{
		"a.csv": "N,S,X,Y\n1,First,1,1\n",
		"b.csv": "N,S,X,Y\n2,Second,2,2\n",
	}, "a.csv", "b.csv")
	extras := map[source.ID]stage.CacheResult{id: f.cache(t, "cache/a/v/a.zip", archive)}

	_, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	data, err := f.objects.GetObject(context.Background(), "data", "processed/a/20240102030405/out.csv")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Second")
	assert.NotContains(t, string(data), "First")
}

func TestConformExpandsNestedZipDownloads(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "nz.json", map[string]any{
		"type": "http", "data": []string{"http://example.com/a.zip", "http://example.com/b.zip"},
		"compression": "zip", "conform": csvConform,
	})
	first := zipped(t, map[string]string{"notes.txt": "n/a"}, "notes.txt")
	second := zipped(t, map[string]string{"addr.csv": "HOUSE,ROAD,X,Y\n9,Queen St,174.7,-36.8\n"}, "addr.csv")
	packed := zipped(t, map[string]string{"a.zip": string(first), "b.zip": string(second)}, "a.zip", "b.zip")
	extras := map[source.ID]stage.CacheResult{id: f.cache(t, "cache/nz/20240102030405/nz.zip", packed)}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	require.NoError(t, results[id].Err)
	data, err := f.objects.GetObject(context.Background(), "data", "processed/nz/20240102030405/out.csv")
	require.NoError(t, err)
	assert.Equal(t, "LON,LAT,NUMBER,STREET\n174.7000000,-36.8000000,9,Queen St\n", string(data))
}

func TestConformZipCompressionRequiresArchive(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "a.json", map[string]any{
		"type": "http", "data": "http://example.com/a.zip", "compression": "zip", "conform": csvConform,
	})
	extras := map[source.ID]stage.CacheResult{id: f.cache(t, "cache/a/v/a.zip", []byte("HOUSE,ROAD,X,Y\n1,Main,1,2\n"))}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	assert.Nil(t, results[id].Processed)
	require.Error(t, results[id].Err)
	assert.Contains(t, results[id].Err.Error(), "not a zip archive")
}

func TestConformSkipsSourcesWithoutConformBlock(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "a.json", map[string]any{"type": "http", "data": "http://example.com/a.csv"})
	extras := map[source.ID]stage.CacheResult{id: f.cache(t, "cache/a/v/a.csv", []byte("x\n"))}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)
	assert.NotContains(t, results, id)
}

func TestConformFailureLeavesProcessedNil(t *testing.T) {
	f := newFixture(t)
	good := f.descriptor(t, "good.json", map[string]any{"type": "http", "data": "http://example.com/a.csv", "conform": csvConform})
	bad := f.descriptor(t, "bad.json", map[string]any{"type": "http", "data": "http://example.com/b.csv", "conform": csvConform})
	extras := map[source.ID]stage.CacheResult{
		good: f.cache(t, "cache/good/v/a.csv", []byte("HOUSE,ROAD,X,Y\n1,Main,1,2\n")),
		bad:  {Cache: objectstore.Locator("data", "cache/bad/v/missing.csv"), Version: "v"},
	}

	results, err := f.stage(false).RunAll(context.Background(), []source.ID{good, bad}, extras)
	require.NoError(t, err)
	assert.NotNil(t, results[good].Processed)
	require.Contains(t, results, bad)
	assert.Nil(t, results[bad].Processed)
	assert.Error(t, results[bad].Err)
}

func TestConformWritesParquet(t *testing.T) {
	f := newFixture(t)
	id := f.descriptor(t, "a.json", map[string]any{"type": "http", "data": "http://example.com/a.csv", "conform": csvConform})
	extras := map[source.ID]stage.CacheResult{
		id: f.cache(t, "cache/a/v/a.csv", []byte("HOUSE,ROAD,X,Y\n1,Main,1.5,2.5\n3,Main,1.6,2.6\n")),
	}

	_, err := f.stage(true).RunAll(context.Background(), []source.ID{id}, extras)
	require.NoError(t, err)

	obj, err := f.objects.Stat(context.Background(), "data", "processed/a/20240102030405/out.parquet")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(obj.Data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(obj.Data, []byte("PAR1")))
}

func TestReadCSVRequiresColumns(t *testing.T) {
	_, _, err := readCSV([]byte("A,B\n1,2\n"), &source.Conform{Type: "csv", Number: "A", Street: "B", Lon: "X", Lat: "Y"})
	assert.Error(t, err)

	_, _, err = readCSV([]byte("A,B\n1,2\n"), &source.Conform{Type: "csv", Number: "A", Street: "B"})
	assert.Error(t, err)
}
