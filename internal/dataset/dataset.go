// Package dataset describes the upstream datasets and their query limits.
package dataset

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/warehouse"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Descriptor is the immutable configuration for one dataset.
type Descriptor struct {
	ID        string
	MaxWindow time.Duration
	// Offline datasets are known to be unavailable upstream and are skipped
	// unless explicitly included.
	Offline   bool
	KeyFields []string
	Pinned    record.TypeMap
}

// ParseSpan parses window spans such as "15m", "1h", "1d" or "2w".
// Anything else is handed to time.ParseDuration.
func ParseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty span")
	}

	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 'd':
		mult = 24 * time.Hour
	case 'w':
		mult = 7 * 24 * time.Hour
	}
	if mult > 0 {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid span %q", s)
		}
		return time.Duration(n) * mult, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid span %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid span %q: must be positive", s)
	}
	return d, nil
}

type catalogFile struct {
	DefaultWindow string            `yaml:"default_window"`
	Pinned        map[string]string `yaml:"pinned"`
	Datasets      []struct {
		ID        string            `yaml:"id"`
		MaxWindow string            `yaml:"max_window"`
		Offline   bool              `yaml:"offline"`
		KeyFields []string          `yaml:"key_fields"`
		Pinned    map[string]string `yaml:"pinned"`
	} `yaml:"datasets"`
}

// Catalog holds the known datasets and the defaults applied to unknown ones.
type Catalog struct {
	defaultWindow time.Duration
	pinned        record.TypeMap
	entries       map[string]Descriptor
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		defaultWindow: 7 * 24 * time.Hour,
		entries:       make(map[string]Descriptor, len(f.Datasets)),
	}
	if f.DefaultWindow != "" {
		d, err := ParseSpan(f.DefaultWindow)
		if err != nil {
			return nil, fmt.Errorf("default_window: %w", err)
		}
		c.defaultWindow = d
	}

	pinned, err := parseTypes(f.Pinned)
	if err != nil {
		return nil, fmt.Errorf("pinned: %w", err)
	}
	c.pinned = pinned

	folded := make(map[string]string, len(f.Datasets))
	for _, e := range f.Datasets {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("dataset entry without id")
		}
		if _, dup := c.entries[id]; dup {
			return nil, fmt.Errorf("dataset %s listed twice", id)
		}
		ident := warehouse.Identifier(id)
		if prev, ok := folded[ident]; ok {
			return nil, fmt.Errorf("datasets %s and %s share table suffix %s", prev, id, ident)
		}
		folded[ident] = id

		d := c.descriptor(id)
		if e.MaxWindow != "" {
			span, err := ParseSpan(e.MaxWindow)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", id, err)
			}
			d.MaxWindow = span
		}
		d.Offline = e.Offline
		d.KeyFields = e.KeyFields

		own, err := parseTypes(e.Pinned)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		for col, t := range own {
			d.Pinned[col] = t
		}
		c.entries[id] = d
	}
	return c, nil
}

func parseTypes(m map[string]string) (record.TypeMap, error) {
	out := make(record.TypeMap, len(m))
	for col, s := range m {
		t, err := record.ParseType(s)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		out[col] = t
	}
	return out, nil
}

// descriptor builds the default descriptor for id.
func (c *Catalog) descriptor(id string) Descriptor {
	pins := make(record.TypeMap, len(c.pinned))
	for col, t := range c.pinned {
		pins[col] = t
	}
	return Descriptor{ID: id, MaxWindow: c.defaultWindow, Pinned: pins}
}

// Lookup returns the descriptor for id. Unknown ids get the default window.
func (c *Catalog) Lookup(id string) Descriptor {
	if d, ok := c.entries[id]; ok {
		return d
	}
	return c.descriptor(id)
}

// IDs returns every catalogued dataset id in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select returns the descriptors to ingest: the ids in only (or the whole
// catalog when only is empty), with maxWindow overrides applied. Ids are
// trimmed and de-duplicated; the result is sorted by id.
func (c *Catalog) Select(only []string, overrides map[string]time.Duration) []Descriptor {
	ids := c.IDs()
	if len(only) > 0 {
		seen := make(map[string]bool, len(only))
		ids = ids[:0:0]
		for _, id := range only {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d := c.Lookup(id)
		if span, ok := overrides[id]; ok && span > 0 {
			d.MaxWindow = span
		}
		out = append(out, d)
	}
	return out
}
