package source

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Catalog lists descriptor files under a root directory.
type Catalog struct {
	root     string
	patterns []string
}

// NewCatalog creates a catalog rooted at dir matching file names against patterns.
func NewCatalog(dir string, patterns []string) *Catalog {
	if len(patterns) == 0 {
		patterns = []string{"*.json"}
	}
	return &Catalog{root: dir, patterns: patterns}
}

// Root returns the catalog directory.
func (c *Catalog) Root() string { return c.root }

// List returns every matching descriptor, sorted by ID.
func (c *Catalog) List(ctx context.Context) ([]ID, error) {
	info, err := os.Stat(c.root)
	if err != nil {
		return nil, errors.Wrapf(err, "source directory %s", c.root)
	}
	if !info.IsDir() {
		return nil, errors.Newf("source directory %s is not a directory", c.root)
	}

	var ids []ID
	err = filepath.WalkDir(c.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != c.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !c.matches(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		ids = append(ids, ID(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list sources in %s", c.root)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Load reads and parses the descriptor for id.
func (c *Catalog) Load(id ID) (*Descriptor, error) {
	p := filepath.Join(c.root, filepath.FromSlash(string(id)))
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read source %s", id)
	}
	return Parse(string(id), data)
}

func (c *Catalog) matches(name string) bool {
	for _, pattern := range c.patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
