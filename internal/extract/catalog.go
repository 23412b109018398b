package extract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Catalog is an immutable set of schemas keyed by id.
type Catalog struct {
	schemas map[string]*Schema
}

// NewCatalog builds a catalog from compiled schemas. Duplicate ids are an
// error.
func NewCatalog(schemas ...*Schema) (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if _, dup := c.schemas[s.ID]; dup {
			return nil, fmt.Errorf("extract: duplicate schema id %q", s.ID)
		}
		c.schemas[s.ID] = s
	}
	return c, nil
}

// LoadDir compiles every *.json file in dir. The schema id is the file name
// without the extension. A missing directory yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("extract: read schemas dir: %w", err)
	}

	var schemas []*Schema
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("extract: read %s: %w", e.Name(), err)
		}
		s, err := Compile(strings.TrimSuffix(e.Name(), ".json"), raw)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return NewCatalog(schemas...)
}

// Get returns the schema with id.
func (c *Catalog) Get(id string) (*Schema, error) {
	if c != nil {
		if s, ok := c.schemas[id]; ok {
			return s, nil
		}
	}
	return nil, apierr.New(apierr.CodeSchemaNotFound, "schema %q not found", id)
}

// List returns every schema ordered by id.
func (c *Catalog) List() []*Schema {
	if c == nil {
		return nil
	}
	out := make([]*Schema, 0, len(c.schemas))
	for _, s := range c.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of schemas.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.schemas)
}
