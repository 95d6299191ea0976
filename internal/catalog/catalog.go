// Package catalog loads achievement definitions from YAML.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/ledger/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type file struct {
	Achievements []entry `yaml:"achievements"`
}

type entry struct {
	ID        string `yaml:"id"`
	Type      string `yaml:"type"`
	Threshold int64  `yaml:"threshold"`
	Title     string `yaml:"title"`
}

// Default returns the built-in catalog.
func Default() []domain.AchievementDefinition {
	defs, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded achievement catalog: %v", err))
	}
	return defs
}

// Load reads a catalog file. An empty path yields the built-in catalog.
func Load(path string) ([]domain.AchievementDefinition, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(raw []byte) ([]domain.AchievementDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.Achievements) == 0 {
		return nil, errors.New("catalog has no achievements")
	}

	seen := make(map[string]struct{}, len(f.Achievements))
	defs := make([]domain.AchievementDefinition, 0, len(f.Achievements))
	for i, e := range f.Achievements {
		typ := domain.AchievementType(e.Type)
		switch {
		case e.ID == "":
			return nil, fmt.Errorf("achievement %d: missing id", i)
		case !typ.Valid():
			return nil, fmt.Errorf("achievement %s: unknown type %q", e.ID, e.Type)
		case e.Threshold <= 0:
			return nil, fmt.Errorf("achievement %s: threshold must be positive", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("achievement %s: duplicate id", e.ID)
		}
		seen[e.ID] = struct{}{}

		defs = append(defs, domain.AchievementDefinition{
			ID:        e.ID,
			Type:      typ,
			Threshold: e.Threshold,
			Title:     e.Title,
		})
	}
	return defs, nil
}
