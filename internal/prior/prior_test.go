package prior

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupCanonical(t *testing.T) {
	table := Canonical()

	tests := []struct {
		category string
		mean     float64
		mad      float64
	}{
		{"dairy_eggs", 5.0, 2.0},
		{"fish_seafood", 3.0, 1.5},
		{"spices_seasonings", 75.0, 20.0},
		{"no_such_category", 7.0, 2.0},
		{"", 7.0, 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			p := table.Lookup(tt.category)
			if p.MeanDays != tt.mean || p.MADDays != tt.mad {
				t.Errorf("Lookup(%q) = (%v, %v), want (%v, %v)",
					tt.category, p.MeanDays, p.MADDays, tt.mean, tt.mad)
			}
		})
	}
}

func TestNewDropsInvalidEntries(t *testing.T) {
	table := New(map[string]Prior{
		"ok":        {MeanDays: 3.0, MADDays: 1.0},
		"tiny_mean": {MeanDays: 0.1, MADDays: 1.0},
		"neg_mad":   {MeanDays: 3.0, MADDays: -1.0},
	})

	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
	if p := table.Lookup("tiny_mean"); p != Default {
		t.Errorf("invalid entry should fall back to default, got %+v", p)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priors.json")
	content := `{"cat-uuid-1": {"mean_days": 12, "mad_days": 4}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p := table.Lookup("cat-uuid-1"); p.MeanDays != 12 || p.MADDays != 4 {
		t.Errorf("Lookup = %+v, want (12, 4)", p)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load of missing file should fail")
	}
}

func TestNilTableLookup(t *testing.T) {
	var table *Table
	if p := table.Lookup("anything"); p != Default {
		t.Errorf("nil table should return default, got %+v", p)
	}
}
