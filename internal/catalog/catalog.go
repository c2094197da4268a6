// Package catalog loads the static preset catalog file.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/datallboy/presetdl/internal/domain"
)

// ErrUnknownPreset is returned by Resolve for ids the catalog lacks.
var ErrUnknownPreset = errors.New("unknown preset")

type Preset struct {
	Description string            `yaml:"description,omitempty"`
	Files       []domain.FileSpec `yaml:"files"`
}

type file struct {
	Presets map[string]Preset `yaml:"presets"`
}

// Catalog is read once and never refreshed.
type Catalog struct {
	presets map[string]Preset
}

// Load reads a catalog from path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var doc file
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(doc.Presets)
}

// New builds a catalog from already decoded presets.
func New(presets map[string]Preset) (*Catalog, error) {
	c := &Catalog{presets: make(map[string]Preset, len(presets))}
	for id, p := range presets {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("catalog: preset with empty id")
		}
		for i, spec := range p.Files {
			if spec.Path == "" || spec.URL == "" {
				return nil, fmt.Errorf("catalog: preset %s file %d needs path and url", id, i)
			}
		}
		c.presets[id] = p
	}
	return c, nil
}

func (c *Catalog) Resolve(presetID string) ([]domain.FileSpec, error) {
	p, ok := c.presets[presetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, presetID)
	}
	return slices.Clone(p.Files), nil
}

// IDs lists preset ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.presets))
	for id := range c.presets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Catalog) Describe(presetID string) string {
	return c.presets[presetID].Description
}
