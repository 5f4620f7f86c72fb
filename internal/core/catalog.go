package core

import (
	"encoding/json"
	"fmt"
	"os"

	"gencore/pkg/domain"
)

// Blueprint declares one dataset in the source catalog file.
type Blueprint struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Kind        domain.SourceKind `json:"kind"`
	Assembly    string            `json:"assembly,omitempty"`
	FilePath    string            `json:"file_path"`
}

// Catalog is the declarative list of sources the service should register.
type Catalog struct {
	Sources []Blueprint `json:"sources"`
}

// ReadCatalog parses a catalog JSON file.
func ReadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Validate rejects catalogs with duplicate names, unknown kinds, or missing
// required fields before any row is written.
func (c Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, bp := range c.Sources {
		if bp.Name == "" {
			return fmt.Errorf("catalog entry %d: missing name", i)
		}
		if _, dup := seen[bp.Name]; dup {
			return fmt.Errorf("catalog entry %q: duplicate name", bp.Name)
		}
		seen[bp.Name] = struct{}{}
		if bp.FilePath == "" {
			return fmt.Errorf("catalog entry %q: missing file_path", bp.Name)
		}
		switch bp.Kind {
		case domain.KindVariant:
			if bp.Assembly == "" {
				return fmt.Errorf("catalog entry %q: variant sources require an assembly", bp.Name)
			}
		case domain.KindGene:
		default:
			return fmt.Errorf("catalog entry %q: unknown kind %q", bp.Name, bp.Kind)
		}
	}
	return nil
}
