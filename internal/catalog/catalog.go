// Package catalog provides the curated model list shipped with the client
// and merges it with persisted download state.
package catalog

import (
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"lumen/internal/database"
)

//go:embed models.yaml
var curatedYAML []byte

// Entry is one curated model as declared in models.yaml.
type Entry struct {
	ModelID      string   `yaml:"model_id"`
	DisplayName  string   `yaml:"display_name"`
	Version      string   `yaml:"version"`
	ProviderType string   `yaml:"provider_type"`
	DeliveryType string   `yaml:"delivery_type"`
	SizeBytes    int64    `yaml:"size_bytes"`
	Capabilities []string `yaml:"capabilities"`
	ManifestURL  string   `yaml:"manifest_url"`
}

type curatedFile struct {
	Models []Entry `yaml:"models"`
}

var (
	curatedOnce sync.Once
	curated     []Entry
	curatedErr  error
)

// Curated returns the embedded model list. The YAML is parsed once.
func Curated() ([]Entry, error) {
	curatedOnce.Do(func() {
		var f curatedFile
		if err := yaml.Unmarshal(curatedYAML, &f); err != nil {
			curatedErr = fmt.Errorf("failed to parse curated models: %w", err)
			return
		}
		curated = f.Models
	})
	return curated, curatedErr
}

// GetCurated returns a curated entry by model id.
func GetCurated(modelID string) (*Entry, bool) {
	entries, err := Curated()
	if err != nil {
		return nil, false
	}
	for i := range entries {
		if entries[i].ModelID == modelID {
			e := entries[i]
			return &e, true
		}
	}
	return nil, false
}

// toPackage converts a curated entry to its persistence shape.
func (e Entry) toPackage() database.ModelPackage {
	return database.ModelPackage{
		ModelID:      e.ModelID,
		DisplayName:  e.DisplayName,
		Version:      e.Version,
		ProviderType: e.ProviderType,
		DeliveryType: e.DeliveryType,
		SizeBytes:    e.SizeBytes,
		Capabilities: e.Capabilities,
		InstallState: database.InstallNotInstalled,
		ManifestURL:  e.ManifestURL,
	}
}

// EnsureModelRecord guarantees a model_packages row exists for the model,
// seeding it from the curated list. Unknown models are rejected.
func EnsureModelRecord(db *sql.DB, modelID string) (*database.ModelPackage, error) {
	pkg, err := database.GetModelPackage(db, modelID)
	if err != nil {
		return nil, err
	}
	if pkg != nil {
		return pkg, nil
	}

	entry, ok := GetCurated(modelID)
	if !ok {
		return nil, fmt.Errorf("model %s is not in the catalog", modelID)
	}

	seeded := entry.toPackage()
	if err := database.UpsertModelPackage(db, &seeded); err != nil {
		return nil, err
	}
	return database.GetModelPackage(db, modelID)
}

// ListAll merges curated entries with persisted state. Curated models keep
// their catalog order when no state exists; custom persisted models follow,
// sorted by display name.
func ListAll(db *sql.DB) ([]database.ModelPackage, error) {
	entries, err := Curated()
	if err != nil {
		return nil, err
	}

	persisted, err := database.ListModelPackages(db)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]database.ModelPackage, len(persisted))
	for _, p := range persisted {
		byID[p.ModelID] = p
	}

	result := make([]database.ModelPackage, 0, len(entries)+len(persisted))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ModelID] = true
		if p, ok := byID[e.ModelID]; ok {
			result = append(result, p)
			continue
		}
		result = append(result, e.toPackage())
	}

	var custom []database.ModelPackage
	for _, p := range persisted {
		if !seen[p.ModelID] {
			custom = append(custom, p)
		}
	}
	sort.Slice(custom, func(i, j int) bool {
		left := strings.ToLower(custom[i].DisplayName)
		right := strings.ToLower(custom[j].DisplayName)
		if left == right {
			return custom[i].ModelID < custom[j].ModelID
		}
		return left < right
	})

	return append(result, custom...), nil
}
