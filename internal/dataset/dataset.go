// Package dataset provides an in-memory labeled multi-dimensional dataset:
// named coordinate arrays, named data variables over those coordinates, and
// attribute/encoding metadata on each. It is the common currency between the
// NetCDF reader, the cleaning steps, and the zarr store.
package dataset

import (
	"fmt"
	"math"
	"slices"
)

// Array is one labeled n-dimensional variable. Values are stored flat in
// row-major (C) order; missing data is NaN.
type Array struct {
	Dims     []string
	Shape    []int
	Values   []float64
	Attrs    map[string]any
	Encoding map[string]any
}

// NewArray builds an Array and verifies the value count matches the shape.
func NewArray(dims []string, shape []int, values []float64) (*Array, error) {
	if len(dims) != len(shape) {
		return nil, fmt.Errorf("dataset: %d dims but %d shape entries", len(dims), len(shape))
	}
	n := 1
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("dataset: negative dimension size %d", s)
		}
		n *= s
	}
	if n != len(values) {
		return nil, fmt.Errorf("dataset: shape %v holds %d values, got %d", shape, n, len(values))
	}
	return &Array{
		Dims:     dims,
		Shape:    shape,
		Values:   values,
		Attrs:    map[string]any{},
		Encoding: map[string]any{},
	}, nil
}

// Size returns the total number of elements.
func (a *Array) Size() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Copy returns a deep copy of the array.
func (a *Array) Copy() *Array {
	return &Array{
		Dims:     append([]string(nil), a.Dims...),
		Shape:    append([]int(nil), a.Shape...),
		Values:   append([]float64(nil), a.Values...),
		Attrs:    copyMeta(a.Attrs),
		Encoding: copyMeta(a.Encoding),
	}
}

// Dataset is an ordered collection of coordinate arrays and data variables.
// Iteration order is insertion order, so "the first data variable" is well
// defined for single-variable source files.
type Dataset struct {
	Attrs map[string]any

	coords     map[string]*Array
	coordNames []string
	vars       map[string]*Array
	varNames   []string
}

func New() *Dataset {
	return &Dataset{
		Attrs:  map[string]any{},
		coords: map[string]*Array{},
		vars:   map[string]*Array{},
	}
}

// SetCoord adds or replaces a coordinate array.
func (d *Dataset) SetCoord(name string, a *Array) {
	if _, ok := d.coords[name]; !ok {
		d.coordNames = append(d.coordNames, name)
	}
	d.coords[name] = a
}

// Coord returns the named coordinate array, or nil if absent.
func (d *Dataset) Coord(name string) *Array {
	return d.coords[name]
}

// CoordNames returns coordinate names in insertion order.
func (d *Dataset) CoordNames() []string {
	return append([]string(nil), d.coordNames...)
}

// SetVar adds or replaces a data variable.
func (d *Dataset) SetVar(name string, a *Array) {
	if _, ok := d.vars[name]; !ok {
		d.varNames = append(d.varNames, name)
	}
	d.vars[name] = a
}

// Var returns the named data variable, or nil if absent.
func (d *Dataset) Var(name string) *Array {
	return d.vars[name]
}

// VarNames returns data variable names in insertion order.
func (d *Dataset) VarNames() []string {
	return append([]string(nil), d.varNames...)
}

// DropVar removes a data variable and returns it, or nil if absent.
func (d *Dataset) DropVar(name string) *Array {
	a, ok := d.vars[name]
	if !ok {
		return nil
	}
	delete(d.vars, name)
	d.varNames = slices.DeleteFunc(d.varNames, func(s string) bool { return s == name })
	return a
}

// RenameVar renames a data variable, keeping its position in the variable
// order. It is a no-op if the old name is absent.
func (d *Dataset) RenameVar(oldName, newName string) {
	a, ok := d.vars[oldName]
	if !ok || oldName == newName {
		return
	}
	delete(d.vars, oldName)
	d.vars[newName] = a
	for i, n := range d.varNames {
		if n == oldName {
			d.varNames[i] = newName
		}
	}
}

// RenameDim renames a dimension everywhere: the coordinate array of that
// name, and the dim labels of every coordinate and variable.
func (d *Dataset) RenameDim(oldName, newName string) {
	if oldName == newName {
		return
	}
	if c, ok := d.coords[oldName]; ok {
		delete(d.coords, oldName)
		d.coords[newName] = c
		for i, n := range d.coordNames {
			if n == oldName {
				d.coordNames[i] = newName
			}
		}
	}
	renameDims := func(a *Array) {
		for i, dim := range a.Dims {
			if dim == oldName {
				a.Dims[i] = newName
			}
		}
	}
	for _, c := range d.coords {
		renameDims(c)
	}
	for _, v := range d.vars {
		renameDims(v)
	}
}

// Copy returns a deep copy of the dataset.
func (d *Dataset) Copy() *Dataset {
	out := New()
	out.Attrs = copyMeta(d.Attrs)
	for _, name := range d.coordNames {
		out.SetCoord(name, d.coords[name].Copy())
	}
	for _, name := range d.varNames {
		out.SetVar(name, d.vars[name].Copy())
	}
	return out
}

// IsMissing reports whether a value is the missing-data marker.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Missing is the missing-data marker.
func Missing() float64 {
	return math.NaN()
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
