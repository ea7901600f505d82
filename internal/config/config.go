package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/climarchive/nc2zarr/internal/dataset"
)

// DefaultSourceTemplate is the TerraClimate archive URL pattern. {var} and
// {year} are substituted per source.
const DefaultSourceTemplate = "https://climate.northwestknowledge.net/TERRACLIMATE-DATA/TerraClimate_{var}_{year}.nc"

// DefaultVariables is the full TerraClimate variable set.
var DefaultVariables = []string{
	"aet", "def", "pet", "ppt", "q", "soil", "srad",
	"swe", "tmax", "tmin", "vap", "ws", "vpd", "PDSI",
}

// DefaultRename maps raw variable names to their canonical form.
var DefaultRename = map[string]string{
	"PDSI": "pdsi",
}

// DefaultMaskPolicy maps variable names to their cleaning rule. Keys are the
// canonical (post-rename) names, since masking runs after the rename table is
// applied. A nil entry means the variable is passed through untouched.
var DefaultMaskPolicy = map[string]*dataset.MaskRule{
	"pdsi":                    {Op: dataset.OpLessThan, Threshold: 10},
	"aet":                     {Op: dataset.OpLessThan, Threshold: 32767},
	"def":                     {Op: dataset.OpLessThan, Threshold: 32767},
	"pet":                     {Op: dataset.OpLessThan, Threshold: 32767},
	"ppt":                     {Op: dataset.OpLessThan, Threshold: 32767},
	"ppt_station_influence":   nil,
	"q":                       {Op: dataset.OpLessThan, Threshold: 2147483647},
	"soil":                    {Op: dataset.OpLessThan, Threshold: 32767},
	"srad":                    {Op: dataset.OpLessThan, Threshold: 32767},
	"swe":                     {Op: dataset.OpLessThan, Threshold: 10000},
	"tmax":                    {Op: dataset.OpLessThan, Threshold: 200},
	"tmax_station_influence":  nil,
	"tmin":                    {Op: dataset.OpLessThan, Threshold: 200},
	"tmin_station_influence":  nil,
	"vap":                     {Op: dataset.OpLessThan, Threshold: 300},
	"vap_station_influence":   nil,
	"vpd":                     {Op: dataset.OpLessThan, Threshold: 300},
	"ws":                      {Op: dataset.OpLessThan, Threshold: 200},
}

// DefaultChunks is the target chunk scheme: one year of monthly steps per
// time chunk, 1024-cell blocks across the spatial dims.
var DefaultChunks = map[string]int{
	"lat":  1024,
	"lon":  1024,
	"time": 12,
}

// Config consolidates every knob the pipeline recognizes. Zero values are
// filled in by Default; Validate rejects configs the pipeline cannot run.
type Config struct {
	SourceTemplate string
	Variables      []string
	Years          []int

	CacheRoot string
	Target    string

	Chunks     map[string]int
	Rename     map[string]string
	MaskPolicy map[string]*dataset.MaskRule

	Workers int

	// Retry policy per stage. Combine deliberately has none: it is the
	// terminal fan-in and a failure there is fatal to the run.
	FetchRetries      uint64
	FetchRetryDelay   time.Duration
	ConvertRetries    uint64
	ConvertRetryDelay time.Duration

	// PreferLastAttrs selects which side wins when combined datasets
	// disagree on an attribute. Default is first-wins.
	PreferLastAttrs bool
}

// Default returns the production TerraClimate configuration.
func Default() *Config {
	return &Config{
		SourceTemplate:    DefaultSourceTemplate,
		Variables:         append([]string(nil), DefaultVariables...),
		Years:             YearRange(1958, 2019),
		CacheRoot:         "terraclimate-cache",
		Target:            "terraclimate/raster.zarr",
		Chunks:            copyChunks(DefaultChunks),
		Rename:            copyRename(DefaultRename),
		MaskPolicy:        copyMask(DefaultMaskPolicy),
		Workers:           4,
		FetchRetries:      1,
		FetchRetryDelay:   time.Second,
		ConvertRetries:    1,
		ConvertRetryDelay: 10 * time.Second,
	}
}

// YearRange returns the inclusive range of years [first, last].
func YearRange(first, last int) []int {
	if last < first {
		return nil
	}
	years := make([]int, 0, last-first+1)
	for y := first; y <= last; y++ {
		years = append(years, y)
	}
	return years
}

// ParseYears parses a year specification of the form "1958-2019" or a single
// year "1958".
func ParseYears(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty year range")
	}
	first, last, found := strings.Cut(s, "-")
	f, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return nil, fmt.Errorf("parse year %q: %w", first, err)
	}
	if !found {
		return []int{f}, nil
	}
	l, err := strconv.Atoi(strings.TrimSpace(last))
	if err != nil {
		return nil, fmt.Errorf("parse year %q: %w", last, err)
	}
	if l < f {
		return nil, fmt.Errorf("year range %q ends before it starts", s)
	}
	return YearRange(f, l), nil
}

// SourceURL returns the archive URL for one (variable, year) pair.
func (c *Config) SourceURL(variable string, year int) string {
	r := strings.NewReplacer("{var}", variable, "{year}", strconv.Itoa(year))
	return r.Replace(c.SourceTemplate)
}

func (c *Config) Validate() error {
	if c.SourceTemplate == "" {
		return fmt.Errorf("source template is required")
	}
	if !strings.Contains(c.SourceTemplate, "{var}") || !strings.Contains(c.SourceTemplate, "{year}") {
		return fmt.Errorf("source template must contain {var} and {year} placeholders")
	}
	if len(c.Variables) == 0 {
		return fmt.Errorf("at least one variable is required")
	}
	if len(c.Years) == 0 {
		return fmt.Errorf("at least one year is required")
	}
	if c.CacheRoot == "" {
		return fmt.Errorf("cache root is required")
	}
	if c.Target == "" {
		return fmt.Errorf("target location is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	for dim, size := range c.Chunks {
		if size < 1 {
			return fmt.Errorf("chunk size for %s must be at least 1, got %d", dim, size)
		}
	}
	for v, rule := range c.MaskPolicy {
		if rule == nil {
			continue
		}
		if rule.Op != dataset.OpLessThan && rule.Op != dataset.OpNotEqual {
			return fmt.Errorf("mask policy for %s has unknown operator %q", v, rule.Op)
		}
	}
	return nil
}

func copyChunks(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRename(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMask(m map[string]*dataset.MaskRule) map[string]*dataset.MaskRule {
	out := make(map[string]*dataset.MaskRule, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = nil
			continue
		}
		rule := *v
		out[k] = &rule
	}
	return out
}
