package config

import (
	"reflect"
	"testing"
)

func TestParseYears(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"1958-2019", YearRange(1958, 2019), false},
		{"1958", []int{1958}, false},
		{" 1990 - 1992 ", []int{1990, 1991, 1992}, false},
		{"2000-2000", []int{2000}, false},
		{"2019-1958", nil, true},
		{"", nil, true},
		{"abc", nil, true},
		{"1958-xyz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseYears(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseYears(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseYears(%q): %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseYears(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSourceURL(t *testing.T) {
	cfg := Default()
	got := cfg.SourceURL("tmax", 1958)
	want := "https://climate.northwestknowledge.net/TERRACLIMATE-DATA/TerraClimate_tmax_1958.nc"
	if got != want {
		t.Errorf("SourceURL = %s, want %s", got, want)
	}

	cfg.SourceTemplate = "https://mirror.example/{year}/{var}.nc"
	if got := cfg.SourceURL("PDSI", 2019); got != "https://mirror.example/2019/PDSI.nc" {
		t.Errorf("SourceURL = %s", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Variables) != 14 {
		t.Errorf("got %d variables, want 14", len(cfg.Variables))
	}
	if len(cfg.Years) != 62 {
		t.Errorf("got %d years, want 62", len(cfg.Years))
	}
	if cfg.Chunks["time"] != 12 || cfg.Chunks["lat"] != 1024 || cfg.Chunks["lon"] != 1024 {
		t.Errorf("chunks = %v", cfg.Chunks)
	}
	if cfg.Rename["PDSI"] != "pdsi" {
		t.Errorf("rename = %v", cfg.Rename)
	}
}

func TestDefaultMaskPolicyUsesCanonicalNames(t *testing.T) {
	// masking runs after the rename table, so a rule keyed by a raw name
	// would never match anything
	for raw, canonical := range DefaultRename {
		if _, ok := DefaultMaskPolicy[raw]; ok {
			t.Errorf("mask policy keyed by raw name %s, want %s", raw, canonical)
		}
		if DefaultMaskPolicy[canonical] == nil {
			t.Errorf("no mask rule for canonical name %s", canonical)
		}
	}
}

func TestDefaultCopiesAreIndependent(t *testing.T) {
	a := Default()
	b := Default()
	a.Chunks["time"] = 1
	a.MaskPolicy["tmax"].Threshold = 0
	a.Variables[0] = "mutated"

	if b.Chunks["time"] != 12 {
		t.Error("chunk map shared between configs")
	}
	if b.MaskPolicy["tmax"].Threshold != 200 {
		t.Error("mask policy shared between configs")
	}
	if b.Variables[0] != "aet" {
		t.Error("variable slice shared between configs")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing template", func(c *Config) { c.SourceTemplate = "" }},
		{"template without var", func(c *Config) { c.SourceTemplate = "https://x/{year}.nc" }},
		{"template without year", func(c *Config) { c.SourceTemplate = "https://x/{var}.nc" }},
		{"no variables", func(c *Config) { c.Variables = nil }},
		{"no years", func(c *Config) { c.Years = nil }},
		{"no cache root", func(c *Config) { c.CacheRoot = "" }},
		{"no target", func(c *Config) { c.Target = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"bad chunk size", func(c *Config) { c.Chunks["time"] = 0 }},
		{"unknown mask op", func(c *Config) { c.MaskPolicy["tmax"].Op = "gt" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestYearRange(t *testing.T) {
	if got := YearRange(1958, 1960); !reflect.DeepEqual(got, []int{1958, 1959, 1960}) {
		t.Errorf("YearRange = %v", got)
	}
	if got := YearRange(2000, 1999); got != nil {
		t.Errorf("YearRange = %v, want nil", got)
	}
}
