// Package combine merges converted zarr stores into one consolidated
// archive. Datasets are aligned on shared coordinate labels, never by
// positional concatenation: the time axis of the result is the sorted union
// of every input's time values, and each input's slices land at the union
// positions its labels name.
package combine

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"time"

	"github.com/thanos-io/objstore"

	"github.com/climarchive/nc2zarr/internal/dataset"
	"github.com/climarchive/nc2zarr/internal/metrics"
	"github.com/climarchive/nc2zarr/internal/zarr"
)

const timeDim = "time"

// Options control the merge and the final write.
type Options struct {
	// Chunks is the chunk scheme for the target store.
	Chunks map[string]int

	// PreferLast makes later inputs win attribute conflicts; the default
	// prefers the first. The choice only settles metadata disagreements
	// deterministically, it carries no further meaning.
	PreferLast bool

	// Concurrency bounds parallel chunk uploads of the target store.
	// Combine is the sole task touching the target, so unlike convert it
	// may parallelize internally. 0 means 4.
	Concurrency int
}

// Combine opens every source store, merges them, and writes the target in
// overwrite mode with consolidated metadata. Any unopenable or incompatible
// input fails the whole step: this is the fan-in stage and partial output is
// worse than none.
func Combine(ctx context.Context, bkt objstore.Bucket, sources []string, target string, opts Options) error {
	if len(sources) == 0 {
		return fmt.Errorf("combine: no source datasets")
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 4
	}

	start := time.Now()
	inputs := make([]*dataset.Dataset, len(sources))
	for i, src := range sources {
		ds, err := zarr.Open(ctx, bkt, src)
		if err != nil {
			return fmt.Errorf("combine: open %s: %w", src, err)
		}
		inputs[i] = ds
	}

	merged, err := Merge(inputs, opts.PreferLast)
	if err != nil {
		return fmt.Errorf("combine: %w", err)
	}

	err = zarr.Write(ctx, bkt, target, merged, zarr.WriteOptions{
		Chunks:       opts.Chunks,
		Concurrency:  opts.Concurrency,
		Consolidated: true,
	})
	if err != nil {
		return fmt.Errorf("combine: write %s: %w", target, err)
	}

	metrics.StageDuration.WithLabelValues("combine").Observe(time.Since(start).Seconds())
	log.Printf("combine: wrote %s from %d sources", target, len(sources))
	return nil
}

// Merge aligns the inputs on shared coordinates and returns one dataset.
// Non-time coordinates must be identical across inputs; the time coordinate
// becomes the sorted union of all inputs' time values. The result is
// independent of input order up to the attribute override policy.
func Merge(inputs []*dataset.Dataset, preferLast bool) (*dataset.Dataset, error) {
	out := dataset.New()

	for _, ds := range inputs {
		mergeAttrs(out.Attrs, ds.Attrs, preferLast)
	}

	union, err := timeUnion(inputs)
	if err != nil {
		return nil, err
	}

	if err := mergeCoords(out, inputs, union, preferLast); err != nil {
		return nil, err
	}
	if err := mergeVars(out, inputs, union, preferLast); err != nil {
		return nil, err
	}
	return out, nil
}

// timeUnion returns the sorted, deduplicated union of every input's time
// values, or nil if no input has a time coordinate.
func timeUnion(inputs []*dataset.Dataset) ([]float64, error) {
	var all []float64
	seen := map[float64]bool{}
	found := false
	for _, ds := range inputs {
		c := ds.Coord(timeDim)
		if c == nil {
			continue
		}
		found = true
		if len(c.Dims) != 1 {
			return nil, fmt.Errorf("time coordinate must be one-dimensional, got dims %v", c.Dims)
		}
		for _, v := range c.Values {
			if !seen[v] {
				seen[v] = true
				all = append(all, v)
			}
		}
	}
	if !found {
		return nil, nil
	}
	sort.Float64s(all)
	return all, nil
}

func mergeCoords(out *dataset.Dataset, inputs []*dataset.Dataset, union []float64, preferLast bool) error {
	for _, ds := range inputs {
		for _, name := range ds.CoordNames() {
			c := ds.Coord(name)
			if name == timeDim {
				if existing := out.Coord(timeDim); existing != nil {
					mergeAttrs(existing.Attrs, c.Attrs, preferLast)
					continue
				}
				tc, err := dataset.NewArray([]string{timeDim}, []int{len(union)}, append([]float64(nil), union...))
				if err != nil {
					return err
				}
				tc.Attrs = copyAttrs(c.Attrs)
				out.SetCoord(timeDim, tc)
				continue
			}

			existing := out.Coord(name)
			if existing == nil {
				out.SetCoord(name, c.Copy())
				continue
			}
			if !slices.Equal(existing.Shape, c.Shape) || !slices.Equal(existing.Values, c.Values) {
				return fmt.Errorf("irreconcilable coordinate %s: inputs disagree on its values", name)
			}
			mergeAttrs(existing.Attrs, c.Attrs, preferLast)
		}
	}
	return nil
}

func mergeVars(out *dataset.Dataset, inputs []*dataset.Dataset, union []float64, preferLast bool) error {
	// position of each time label on the union axis
	pos := make(map[float64]int, len(union))
	for i, v := range union {
		pos[v] = i
	}

	// filled tracks which union slices a variable already has, so the
	// override policy also settles overlapping data slices.
	filled := map[string][]bool{}

	for _, ds := range inputs {
		for _, name := range ds.VarNames() {
			v := ds.Var(name)
			ti := slices.Index(v.Dims, timeDim)

			if ti < 0 {
				// static variable: first input wins, later ones only merge attrs
				if existing := out.Var(name); existing != nil {
					mergeAttrs(existing.Attrs, v.Attrs, preferLast)
					continue
				}
				out.SetVar(name, v.Copy())
				continue
			}
			if ti != 0 {
				return fmt.Errorf("variable %s: time must be the leading dimension, got dims %v", name, v.Dims)
			}

			tc := ds.Coord(timeDim)
			if tc == nil || tc.Shape[0] != v.Shape[0] {
				return fmt.Errorf("variable %s: length %d does not match its time coordinate", name, v.Shape[0])
			}

			existing := out.Var(name)
			if existing == nil {
				shape := append([]int(nil), v.Shape...)
				shape[0] = len(union)
				n := 1
				for _, s := range shape {
					n *= s
				}
				values := make([]float64, n)
				for i := range values {
					values[i] = dataset.Missing()
				}
				arr, err := dataset.NewArray(append([]string(nil), v.Dims...), shape, values)
				if err != nil {
					return err
				}
				arr.Attrs = copyAttrs(v.Attrs)
				out.SetVar(name, arr)
				existing = arr
				filled[name] = make([]bool, len(union))
			} else {
				if !slices.Equal(existing.Shape[1:], v.Shape[1:]) {
					return fmt.Errorf("variable %s: inputs disagree on non-time shape (%v vs %v)", name, existing.Shape[1:], v.Shape[1:])
				}
				mergeAttrs(existing.Attrs, v.Attrs, preferLast)
			}

			sliceLen := 1
			for _, s := range v.Shape[1:] {
				sliceLen *= s
			}
			for t := 0; t < v.Shape[0]; t++ {
				dst, ok := pos[tc.Values[t]]
				if !ok {
					return fmt.Errorf("variable %s: time value %v missing from union axis", name, tc.Values[t])
				}
				if filled[name][dst] && !preferLast {
					continue
				}
				copy(existing.Values[dst*sliceLen:(dst+1)*sliceLen], v.Values[t*sliceLen:(t+1)*sliceLen])
				filled[name][dst] = true
			}
		}
	}
	return nil
}

// mergeAttrs folds src into dst. With preferLast, src overwrites existing
// keys; otherwise existing keys stand.
func mergeAttrs(dst, src map[string]any, preferLast bool) {
	for k, v := range src {
		if _, ok := dst[k]; ok && !preferLast {
			continue
		}
		dst[k] = v
	}
}

func copyAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
