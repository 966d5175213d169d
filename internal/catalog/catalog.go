// Package catalog holds the curated nutrition dataset that is consulted
// before any AI nutrition lookup.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/franckalain/plantdex/internal/models"
)

//go:embed dataset.json
var datasetJSON []byte

// ErrNotFound is returned when no curated entry matches a query.
var ErrNotFound = errors.New("catalog: no curated entry")

// VerifiedHint is attached to every curated profile.
var VerifiedHint = models.HealthHint{
	Label: "Botanical Standard",
	Desc:  "Verified via internal research dataset.",
}

type rawEntry struct {
	ScientificName string `json:"scientific_name"`
	Vitamins       string `json:"vitamins"`
	Minerals       string `json:"minerals"`
	Proteins       string `json:"proteins"`
	Safe           bool   `json:"safe"`
}

type entry struct {
	key       string
	nutrients models.Nutrients
}

// Catalog is a read-only set of curated nutrition profiles.
type Catalog struct {
	entries []entry
}

// Source is the nutrition lookup contract the catalog both implements and wraps.
type Source interface {
	LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error)
}

// Parse builds a catalog from a JSON dataset. Entries not marked safe are skipped.
func Parse(data []byte) (*Catalog, error) {
	var raw []rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing catalog: %w", err)
	}

	c := &Catalog{entries: make([]entry, 0, len(raw))}
	for _, r := range raw {
		key := strings.ToLower(strings.TrimSpace(r.ScientificName))
		if key == "" || !r.Safe {
			continue
		}
		c.entries = append(c.entries, entry{
			key: key,
			nutrients: models.Nutrients{
				Vitamins: r.Vitamins,
				Minerals: r.Minerals,
				Proteins: r.Proteins,
			},
		})
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded dataset.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(datasetJSON)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Len returns the number of curated entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lookup finds the curated profile for name. A match is a case-insensitive
// substring relation in either direction, so "Mentha spicata" finds "Mentha".
func (c *Catalog) Lookup(name string) (models.NutritionCandidate, bool) {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return models.NutritionCandidate{}, false
	}

	for _, e := range c.entries {
		if strings.Contains(q, e.key) || strings.Contains(e.key, q) {
			return models.NutritionCandidate{
				Nutrients:   e.nutrients,
				HealthHints: []models.HealthHint{VerifiedHint},
				Confidence:  models.Float64(100),
				Verified:    true,
			}, true
		}
	}
	return models.NutritionCandidate{}, false
}

// LookupNutrition implements Source using the scientific name only.
func (c *Catalog) LookupNutrition(_ context.Context, q models.NutritionQuery) (models.NutritionCandidate, error) {
	if candidate, ok := c.Lookup(q.ScientificName); ok {
		return candidate, nil
	}
	return models.NutritionCandidate{}, ErrNotFound
}

type fallback struct {
	catalog *Catalog
	next    Source
}

// WithFallback returns a Source that answers from the catalog when it can and
// delegates to next otherwise.
func WithFallback(c *Catalog, next Source) Source {
	return &fallback{catalog: c, next: next}
}

func (f *fallback) LookupNutrition(ctx context.Context, q models.NutritionQuery) (models.NutritionCandidate, error) {
	if candidate, err := f.catalog.LookupNutrition(ctx, q); err == nil {
		return candidate, nil
	}
	if f.next == nil {
		return models.NutritionCandidate{}, ErrNotFound
	}
	return f.next.LookupNutrition(ctx, q)
}
