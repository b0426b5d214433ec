// Package prior holds the category prior table: per-category defaults for
// cycle length used to cold-start predictor state. The table is loaded once
// at boot and never mutated afterwards; callers receive a read-only handle.
package prior

import (
	"encoding/json"
	"fmt"
	"os"
)

// Prior is the cold-start estimate for a category.
type Prior struct {
	MeanDays float64 `json:"mean_days"`
	MADDays  float64 `json:"mad_days"`
}

// Default applies when the category is unknown or the caller passes none.
var Default = Prior{MeanDays: 7.0, MADDays: 2.0}

// Table maps category ids to priors. Immutable after construction.
type Table struct {
	priors map[string]Prior
}

// Canonical returns the built-in category table keyed by category name.
// Deployments that key by category uuid load their mapping with Load.
func Canonical() *Table {
	return New(map[string]Prior{
		"dairy_eggs":        {MeanDays: 5.0, MADDays: 2.0},
		"bread_bakery":      {MeanDays: 4.0, MADDays: 1.5},
		"meat_poultry":      {MeanDays: 4.0, MADDays: 2.0},
		"fish_seafood":      {MeanDays: 3.0, MADDays: 1.5},
		"fruits":            {MeanDays: 6.0, MADDays: 2.5},
		"vegetables":        {MeanDays: 5.0, MADDays: 2.0},
		"grains_pasta":      {MeanDays: 35.0, MADDays: 10.0},
		"canned_jarred":     {MeanDays: 75.0, MADDays: 15.0},
		"condiments_sauces": {MeanDays: 45.0, MADDays: 15.0},
		"snacks":            {MeanDays: 10.0, MADDays: 5.0},
		"beverages":         {MeanDays: 7.0, MADDays: 3.0},
		"frozen_foods":      {MeanDays: 45.0, MADDays: 15.0},
		"spices_seasonings": {MeanDays: 75.0, MADDays: 20.0},
	})
}

// New builds a table from the given map. Entries with mean_days < 0.5 or
// mad_days < 0 are dropped rather than stored in an invalid form.
func New(priors map[string]Prior) *Table {
	t := &Table{priors: make(map[string]Prior, len(priors))}
	for id, p := range priors {
		if p.MeanDays < 0.5 || p.MADDays < 0 {
			continue
		}
		t.priors[id] = p
	}
	return t
}

// Load reads a JSON file of the form {"<category_id>": {"mean_days": 5, "mad_days": 2}, ...}.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read priors file: %w", err)
	}

	var raw map[string]Prior
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse priors file: %w", err)
	}

	return New(raw), nil
}

// Lookup returns the prior for categoryID, or the default when categoryID
// is empty or unknown.
func (t *Table) Lookup(categoryID string) Prior {
	if t == nil || categoryID == "" {
		return Default
	}
	if p, ok := t.priors[categoryID]; ok {
		return p
	}
	return Default
}

// Len reports how many categories the table carries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.priors)
}
