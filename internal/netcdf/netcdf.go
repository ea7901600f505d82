// Package netcdf reads and writes NetCDF classic files (CDF-1 and CDF-2).
// Reading produces a dataset.Dataset with CF conventions applied: fill
// values become the missing marker, scale/offset packing is undone, and the
// on-disk layout attributes are recorded as encoding rather than as plain
// attributes, mirroring how downstream cleaning expects to find them.
package netcdf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/climarchive/nc2zarr/internal/dataset"
)

// Type is a NetCDF external data type.
type Type int32

const (
	Byte   Type = 1
	Char   Type = 2
	Short  Type = 3
	Int    Type = 4
	Float  Type = 5
	Double Type = 6
)

func (t Type) size() int {
	switch t {
	case Byte, Char:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Double:
		return 8
	}
	return 0
}

// String returns the numpy-style dtype name used in encoding metadata.
func (t Type) String() string {
	switch t {
	case Byte:
		return "int8"
	case Char:
		return "S1"
	case Short:
		return "int16"
	case Int:
		return "int32"
	case Float:
		return "float32"
	case Double:
		return "float64"
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

// encodingAttrs are variable attributes that describe storage layout, not
// data semantics. The reader moves them into the array's encoding.
var encodingAttrs = map[string]bool{
	"_FillValue":    true,
	"missing_value": true,
	"scale_factor":  true,
	"add_offset":    true,
	"_Unsigned":     true,
}

type fileDim struct {
	name string
	size int
}

type fileAttr struct {
	name  string
	value any
}

type fileVar struct {
	name   string
	dimids []int
	attrs  []fileAttr
	typ    Type
	vsize  int
	begin  int64
}

type decoder struct {
	buf []byte
	off int
}

// Decode parses a NetCDF classic byte stream into a Dataset. Variables that
// are one-dimensional over a dimension of the same name become coordinates;
// everything else becomes a data variable.
func Decode(data []byte) (*dataset.Dataset, error) {
	d := &decoder{buf: data}

	magic, err := d.bytes(4)
	if err != nil {
		return nil, err
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return nil, fmt.Errorf("netcdf: bad magic %q", magic[:3])
	}
	version := magic[3]
	if version != 1 && version != 2 {
		return nil, fmt.Errorf("netcdf: unsupported format version %d", version)
	}

	numrecs, err := d.uint32()
	if err != nil {
		return nil, err
	}

	dims, err := d.dimList()
	if err != nil {
		return nil, err
	}
	gattrs, err := d.attrList()
	if err != nil {
		return nil, err
	}
	vars, err := d.varList(version)
	if err != nil {
		return nil, err
	}

	recSize := 0
	for _, v := range vars {
		if isRecordVar(v, dims) {
			recSize += v.vsize
		}
	}

	ds := dataset.New()
	for _, a := range gattrs {
		ds.Attrs[a.name] = a.value
	}

	for _, v := range vars {
		arr, err := d.readVar(v, dims, int(numrecs), recSize)
		if err != nil {
			return nil, err
		}
		if len(arr.Dims) == 1 && arr.Dims[0] == v.name {
			ds.SetCoord(v.name, arr)
		} else {
			ds.SetVar(v.name, arr)
		}
	}
	return ds, nil
}

func isRecordVar(v fileVar, dims []fileDim) bool {
	return len(v.dimids) > 0 && dims[v.dimids[0]].size == 0
}

// readVar materializes one variable as float64 with CF decoding applied.
func (d *decoder) readVar(v fileVar, dims []fileDim, numrecs, recSize int) (*dataset.Array, error) {
	record := isRecordVar(v, dims)

	dimNames := make([]string, len(v.dimids))
	shape := make([]int, len(v.dimids))
	for i, id := range v.dimids {
		dimNames[i] = dims[id].name
		shape[i] = dims[id].size
	}
	if record {
		shape[0] = numrecs
	}

	n := 1
	for _, s := range shape {
		n *= s
	}
	values := make([]float64, 0, n)

	if record {
		perRec := n
		if numrecs > 0 {
			perRec = n / numrecs
		}
		for r := 0; r < numrecs; r++ {
			chunk, err := d.rawValues(v.begin+int64(r)*int64(recSize), v.typ, perRec)
			if err != nil {
				return nil, fmt.Errorf("netcdf: variable %s record %d: %w", v.name, r, err)
			}
			values = append(values, chunk...)
		}
	} else {
		chunk, err := d.rawValues(v.begin, v.typ, n)
		if err != nil {
			return nil, fmt.Errorf("netcdf: variable %s: %w", v.name, err)
		}
		values = chunk
	}

	arr, err := dataset.NewArray(dimNames, shape, values)
	if err != nil {
		return nil, fmt.Errorf("netcdf: variable %s: %w", v.name, err)
	}
	arr.Encoding["dtype"] = v.typ.String()
	for _, a := range v.attrs {
		if encodingAttrs[a.name] {
			arr.Encoding[a.name] = a.value
		} else {
			arr.Attrs[a.name] = a.value
		}
	}
	decodeCF(arr)
	return arr, nil
}

// decodeCF replaces fill values with the missing marker and unpacks
// scale/offset compression. Fill comparison happens in packed space, before
// scaling, matching the CF order of operations.
func decodeCF(a *dataset.Array) {
	fills := make([]float64, 0, 2)
	if f, ok := numericEncoding(a, "_FillValue"); ok {
		fills = append(fills, f)
	}
	if f, ok := numericEncoding(a, "missing_value"); ok {
		fills = append(fills, f)
	}
	scale, hasScale := numericEncoding(a, "scale_factor")
	offset, hasOffset := numericEncoding(a, "add_offset")

	if len(fills) == 0 && !hasScale && !hasOffset {
		return
	}
	for i, v := range a.Values {
		filled := false
		for _, f := range fills {
			if v == f {
				a.Values[i] = dataset.Missing()
				filled = true
				break
			}
		}
		if filled {
			continue
		}
		if hasScale {
			v *= scale
		}
		if hasOffset {
			v += offset
		}
		a.Values[i] = v
	}
}

func numericEncoding(a *dataset.Array, key string) (float64, bool) {
	v, ok := a.Encoding[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (d *decoder) rawValues(begin int64, t Type, n int) ([]float64, error) {
	size := t.size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported type %d", t)
	}
	end := begin + int64(n*size)
	if begin < 0 || end > int64(len(d.buf)) {
		return nil, fmt.Errorf("data range [%d, %d) outside file of %d bytes", begin, end, len(d.buf))
	}
	raw := d.buf[begin:end]
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size:]
		switch t {
		case Byte:
			values[i] = float64(int8(b[0]))
		case Char:
			values[i] = float64(b[0])
		case Short:
			values[i] = float64(int16(binary.BigEndian.Uint16(b)))
		case Int:
			values[i] = float64(int32(binary.BigEndian.Uint32(b)))
		case Float:
			values[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case Double:
			values[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		}
	}
	return values, nil
}

func (d *decoder) dimList() ([]fileDim, error) {
	count, err := d.listHeader(tagDimension)
	if err != nil {
		return nil, fmt.Errorf("netcdf: dimension list: %w", err)
	}
	dims := make([]fileDim, count)
	for i := range dims {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		size, err := d.uint32()
		if err != nil {
			return nil, err
		}
		dims[i] = fileDim{name: name, size: int(size)}
	}
	return dims, nil
}

func (d *decoder) attrList() ([]fileAttr, error) {
	count, err := d.listHeader(tagAttribute)
	if err != nil {
		return nil, fmt.Errorf("netcdf: attribute list: %w", err)
	}
	attrs := make([]fileAttr, count)
	for i := range attrs {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		typ, err := d.uint32()
		if err != nil {
			return nil, err
		}
		nelems, err := d.uint32()
		if err != nil {
			return nil, err
		}
		value, err := d.attrValue(Type(typ), int(nelems))
		if err != nil {
			return nil, fmt.Errorf("netcdf: attribute %s: %w", name, err)
		}
		attrs[i] = fileAttr{name: name, value: value}
	}
	return attrs, nil
}

func (d *decoder) attrValue(t Type, nelems int) (any, error) {
	size := t.size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported type %d", t)
	}
	raw, err := d.bytes(pad4(nelems * size))
	if err != nil {
		return nil, err
	}
	raw = raw[:nelems*size]
	if t == Char {
		return string(raw), nil
	}
	values := make([]float64, nelems)
	for i := 0; i < nelems; i++ {
		b := raw[i*size:]
		switch t {
		case Byte:
			values[i] = float64(int8(b[0]))
		case Short:
			values[i] = float64(int16(binary.BigEndian.Uint16(b)))
		case Int:
			values[i] = float64(int32(binary.BigEndian.Uint32(b)))
		case Float:
			values[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case Double:
			values[i] = math.Float64frombits(binary.BigEndian.Uint64(b))
		}
	}
	if nelems == 1 {
		return values[0], nil
	}
	return values, nil
}

func (d *decoder) varList(version byte) ([]fileVar, error) {
	count, err := d.listHeader(tagVariable)
	if err != nil {
		return nil, fmt.Errorf("netcdf: variable list: %w", err)
	}
	vars := make([]fileVar, count)
	for i := range vars {
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		ndims, err := d.uint32()
		if err != nil {
			return nil, err
		}
		dimids := make([]int, ndims)
		for j := range dimids {
			id, err := d.uint32()
			if err != nil {
				return nil, err
			}
			dimids[j] = int(id)
		}
		attrs, err := d.attrList()
		if err != nil {
			return nil, err
		}
		typ, err := d.uint32()
		if err != nil {
			return nil, err
		}
		vsize, err := d.uint32()
		if err != nil {
			return nil, err
		}
		var begin int64
		if version == 1 {
			b, err := d.uint32()
			if err != nil {
				return nil, err
			}
			begin = int64(b)
		} else {
			b, err := d.uint64()
			if err != nil {
				return nil, err
			}
			begin = int64(b)
		}
		vars[i] = fileVar{
			name:   name,
			dimids: dimids,
			attrs:  attrs,
			typ:    Type(typ),
			vsize:  int(vsize),
			begin:  begin,
		}
	}
	return vars, nil
}

// listHeader reads a (tag, count) pair. An absent list is encoded as two
// zero words.
func (d *decoder) listHeader(wantTag uint32) (int, error) {
	tag, err := d.uint32()
	if err != nil {
		return 0, err
	}
	count, err := d.uint32()
	if err != nil {
		return 0, err
	}
	if tag == 0 && count == 0 {
		return 0, nil
	}
	if tag != wantTag {
		return 0, fmt.Errorf("expected tag 0x%02X, got 0x%02X", wantTag, tag)
	}
	return int(count), nil
}

func (d *decoder) name() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	raw, err := d.bytes(pad4(int(n)))
	if err != nil {
		return "", err
	}
	return string(raw[:n]), nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.off+n > len(d.buf) {
		return nil, fmt.Errorf("netcdf: truncated file at offset %d (want %d more bytes)", d.off, n)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) uint64() (uint64, error) {
	b, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func pad4(n int) int {
	return (n + 3) &^ 3
}
