// Package source enumerates and parses the source descriptors a run evaluates.
package source

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ID identifies a source by its descriptor path relative to the catalog root,
// using forward slashes. It is the join key across stages and across runs.
type ID string

// Base returns the ID without its file extension, used to build object keys.
func (id ID) Base() string {
	s := string(id)
	return strings.TrimSuffix(s, path.Ext(s))
}

func (id ID) String() string { return string(id) }

// Download types understood by the cache stage.
const (
	TypeHTTP  = "http"
	TypeHTTPS = "https"
	TypeESRI  = "esri"
)

// CompressionZip marks sources whose downloads are zip archives to expand
// before conforming.
const CompressionZip = "zip"

// Conform types understood by the conform stage.
const (
	ConformCSV     = "csv"
	ConformGeoJSON = "geojson"
)

// ErrUnsupportedType is returned for download or conform types with no handler.
var ErrUnsupportedType = errors.New("unsupported source type")

// Descriptor is one parsed source file.
type Descriptor struct {
	Type        string   `json:"type" yaml:"type"`
	Data        URLs     `json:"data" yaml:"data"`
	Compression string   `json:"compression,omitempty" yaml:"compression,omitempty"`
	Skip        bool     `json:"skip,omitempty" yaml:"skip,omitempty"`
	Conform     *Conform `json:"conform,omitempty" yaml:"conform,omitempty"`
}

// Conform maps upstream attributes onto canonical output columns.
type Conform struct {
	Type   string `json:"type" yaml:"type"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Number string `json:"number" yaml:"number"`
	Street string `json:"street" yaml:"street"`
	Lon    string `json:"lon,omitempty" yaml:"lon,omitempty"`
	Lat    string `json:"lat,omitempty" yaml:"lat,omitempty"`
}

// URLs accepts either a single string or a list of strings.
type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = URLs{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "data must be a string or a list of strings")
	}
	*u = many
	return nil
}

func (u *URLs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*u = URLs{node.Value}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return errors.Wrap(err, "data must be a list of strings")
		}
		*u = many
		return nil
	default:
		return errors.Newf("data must be a string or a list of strings (line %d)", node.Line)
	}
}

// Parse decodes a descriptor, choosing YAML or JSON by file extension.
func Parse(name string, data []byte) (*Descriptor, error) {
	var desc Descriptor
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", name)
		}
	default:
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", name)
		}
	}
	desc.Type = strings.ToLower(strings.TrimSpace(desc.Type))
	desc.Compression = strings.ToLower(strings.TrimSpace(desc.Compression))
	if desc.Conform != nil {
		desc.Conform.Type = strings.ToLower(strings.TrimSpace(desc.Conform.Type))
	}
	return &desc, nil
}

// Validate reports descriptors the cache stage cannot fetch.
func (d *Descriptor) Validate() error {
	switch d.Type {
	case TypeHTTP, TypeHTTPS, TypeESRI:
	default:
		return errors.Wrapf(ErrUnsupportedType, "download type %q", d.Type)
	}
	if len(d.Data) == 0 {
		return errors.New("descriptor has no data URLs")
	}
	switch d.Compression {
	case "", CompressionZip:
	default:
		return errors.Wrapf(ErrUnsupportedType, "compression %q", d.Compression)
	}
	return nil
}
