package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"
)

// Artifact is the single object uploaded for a source.
type Artifact struct {
	Name        string
	Data        []byte
	ContentType string
}

// Fingerprint is the hex MD5 of the artifact bytes.
func (a Artifact) Fingerprint() string {
	sum := md5.Sum(a.Data)
	return hex.EncodeToString(sum[:])
}

// Pack stores a single file as-is and zips several into archiveName.
func Pack(files []File, archiveName string) (Artifact, error) {
	switch len(files) {
	case 0:
		return Artifact{}, errors.New("nothing was downloaded")
	case 1:
		return Artifact{Name: files[0].Name, Data: files[0].Data, ContentType: contentType(files[0].Name)}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	used := make(map[string]bool, len(files))
	for _, f := range files {
		name := f.Name
		for n := 1; used[name]; n++ {
			name = fmt.Sprintf("%d-%s", n, f.Name)
		}
		used[name] = true

		w, err := zw.Create(name)
		if err != nil {
			return Artifact{}, errors.Wrapf(err, "failed to add %s to archive", name)
		}
		if _, err := w.Write(f.Data); err != nil {
			return Artifact{}, errors.Wrapf(err, "failed to write %s to archive", name)
		}
	}
	if err := zw.Close(); err != nil {
		return Artifact{}, errors.Wrap(err, "failed to finish archive")
	}
	return Artifact{Name: archiveName, Data: buf.Bytes(), ContentType: "application/zip"}, nil
}

var knownTypes = map[string]string{
	".csv":     "text/csv",
	".json":    "application/json",
	".geojson": "application/geo+json",
	".zip":     "application/zip",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := knownTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
