package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func TestCatalogListIsSortedAndRelative(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "us-ca-berkeley.json", `{}`)
	writeFile(t, root, "us/ny/nyc.yaml", `type: http`)
	writeFile(t, root, "au-nsw.json", `{}`)
	writeFile(t, root, "README.md", `ignored`)
	writeFile(t, root, ".git/config.json", `{}`)

	catalog := NewCatalog(root, []string{"*.json", "*.yaml"})
	ids, err := catalog.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ID{"au-nsw.json", "us-ca-berkeley.json", "us/ny/nyc.yaml"}, ids)

	again, err := catalog.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids, again)
}

func TestCatalogListMissingDir(t *testing.T) {
	_, err := NewCatalog(filepath.Join(t.TempDir(), "nope"), nil).List(context.Background())
	assert.Error(t, err)
}

func TestParseJSONDescriptor(t *testing.T) {
	desc, err := Parse("us-ca.json", []byte(`{
		"type": "HTTP",
		"data": "http://example.com/addresses.zip",
		"compression": "zip",
		"conform": {"type": "csv", "number": "HOUSE", "street": "ROAD", "lon": "X", "lat": "Y"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHTTP, desc.Type)
	assert.Equal(t, URLs{"http://example.com/addresses.zip"}, desc.Data)
	require.NotNil(t, desc.Conform)
	assert.Equal(t, ConformCSV, desc.Conform.Type)
	assert.Equal(t, "HOUSE", desc.Conform.Number)
	assert.NoError(t, desc.Validate())
}

func TestParseYAMLDescriptorWithList(t *testing.T) {
	desc, err := Parse("us/ny/nyc.yml", []byte(`
type: esri
data:
  - http://gis.example.com/arcgis/rest/services/Addr/MapServer/0
  - http://gis.example.com/arcgis/rest/services/Addr/MapServer/1
conform:
  type: geojson
  number: NUM
  street: STREET
`))
	require.NoError(t, err)
	assert.Equal(t, TypeESRI, desc.Type)
	assert.Len(t, desc.Data, 2)
	assert.Equal(t, ConformGeoJSON, desc.Conform.Type)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	desc := &Descriptor{Type: "ftp", Data: URLs{"ftp://example.com/a.zip"}}
	err := desc.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	desc = &Descriptor{Type: TypeHTTP}
	assert.Error(t, desc.Validate())
}

func TestIDBase(t *testing.T) {
	assert.Equal(t, "us/ny/nyc", ID("us/ny/nyc.yaml").Base())
	assert.Equal(t, "au-nsw", ID("au-nsw.json").Base())
}

func TestCatalogLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "us/ca.json", `{"type": "http", "data": "http://example.com/a.csv"}`)

	desc, err := NewCatalog(root, nil).Load("us/ca.json")
	require.NoError(t, err)
	assert.Equal(t, URLs{"http://example.com/a.csv"}, desc.Data)
	assert.Nil(t, desc.Conform)
}
