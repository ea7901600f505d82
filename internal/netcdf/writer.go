package netcdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Dim declares a fixed-size dimension.
type Dim struct {
	Name string
	Size int
}

// Attr is one attribute. Char attributes carry Str; numeric attributes carry
// Values stored on disk as Type.
type Attr struct {
	Name   string
	Type   Type
	Str    string
	Values []float64
}

// StrAttr builds a character attribute.
func StrAttr(name, s string) Attr {
	return Attr{Name: name, Type: Char, Str: s}
}

// NumAttr builds a numeric attribute of the given external type.
func NumAttr(name string, t Type, values ...float64) Attr {
	return Attr{Name: name, Type: t, Values: values}
}

// Var declares one variable. Values are given as float64 and narrowed to
// Type on write, so packed fixtures (e.g. int16 with scale_factor) can be
// expressed directly.
type Var struct {
	Name   string
	Dims   []string
	Type   Type
	Values []float64
	Attrs  []Attr
}

// File is a writable NetCDF classic file. Only fixed-size dimensions are
// supported; the record dimension is a read-side concern.
type File struct {
	Dims  []Dim
	Attrs []Attr
	Vars  []Var
}

// Encode serializes the file in CDF-1 format.
func (f *File) Encode() ([]byte, error) {
	dimID := make(map[string]int, len(f.Dims))
	for i, d := range f.Dims {
		if d.Size <= 0 {
			return nil, fmt.Errorf("netcdf: dimension %s must have positive size", d.Name)
		}
		dimID[d.Name] = i
	}

	for _, v := range f.Vars {
		n := 1
		for _, dn := range v.Dims {
			id, ok := dimID[dn]
			if !ok {
				return nil, fmt.Errorf("netcdf: variable %s references unknown dimension %s", v.Name, dn)
			}
			n *= f.Dims[id].Size
		}
		if n != len(v.Values) {
			return nil, fmt.Errorf("netcdf: variable %s has %d values, dims imply %d", v.Name, len(v.Values), n)
		}
		if v.Type.size() == 0 || v.Type == Char {
			return nil, fmt.Errorf("netcdf: variable %s has unsupported type %s", v.Name, v.Type)
		}
	}

	headerSize := 8 // magic + numrecs
	headerSize += listSize(len(f.Dims), func(i int) int {
		return nameSize(f.Dims[i].Name) + 4
	})
	headerSize += attrListSize(f.Attrs)
	headerSize += listSize(len(f.Vars), func(i int) int {
		v := f.Vars[i]
		return nameSize(v.Name) + 4 + 4*len(v.Dims) + attrListSize(v.Attrs) + 12
	})

	begins := make([]int, len(f.Vars))
	offset := headerSize
	for i, v := range f.Vars {
		begins[i] = offset
		offset += pad4(len(v.Values) * v.Type.size())
	}

	var buf bytes.Buffer
	buf.WriteString("CDF\x01")
	writeU32(&buf, 0) // numrecs

	writeList(&buf, tagDimension, len(f.Dims))
	for _, d := range f.Dims {
		writeName(&buf, d.Name)
		writeU32(&buf, uint32(d.Size))
	}

	writeAttrs(&buf, f.Attrs)

	writeList(&buf, tagVariable, len(f.Vars))
	for i, v := range f.Vars {
		writeName(&buf, v.Name)
		writeU32(&buf, uint32(len(v.Dims)))
		for _, dn := range v.Dims {
			writeU32(&buf, uint32(dimID[dn]))
		}
		writeAttrs(&buf, v.Attrs)
		writeU32(&buf, uint32(v.Type))
		writeU32(&buf, uint32(pad4(len(v.Values)*v.Type.size())))
		writeU32(&buf, uint32(begins[i]))
	}

	if buf.Len() != headerSize {
		return nil, fmt.Errorf("netcdf: header size mismatch: wrote %d, computed %d", buf.Len(), headerSize)
	}

	for _, v := range f.Vars {
		start := buf.Len()
		for _, val := range v.Values {
			writeValue(&buf, v.Type, val)
		}
		for buf.Len()-start < pad4(len(v.Values)*v.Type.size()) {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

func nameSize(name string) int {
	return 4 + pad4(len(name))
}

func listSize(count int, itemSize func(int) int) int {
	n := 8
	for i := 0; i < count; i++ {
		n += itemSize(i)
	}
	return n
}

func attrListSize(attrs []Attr) int {
	return listSize(len(attrs), func(i int) int {
		a := attrs[i]
		nelems := len(a.Values)
		if a.Type == Char {
			nelems = len(a.Str)
		}
		return nameSize(a.Name) + 8 + pad4(nelems*a.Type.size())
	})
}

func writeList(buf *bytes.Buffer, tag uint32, count int) {
	if count == 0 {
		writeU32(buf, 0)
		writeU32(buf, 0)
		return
	}
	writeU32(buf, tag)
	writeU32(buf, uint32(count))
}

func writeAttrs(buf *bytes.Buffer, attrs []Attr) {
	writeList(buf, tagAttribute, len(attrs))
	for _, a := range attrs {
		writeName(buf, a.Name)
		writeU32(buf, uint32(a.Type))
		if a.Type == Char {
			writeU32(buf, uint32(len(a.Str)))
			start := buf.Len()
			buf.WriteString(a.Str)
			for buf.Len()-start < pad4(len(a.Str)) {
				buf.WriteByte(0)
			}
			continue
		}
		writeU32(buf, uint32(len(a.Values)))
		start := buf.Len()
		for _, v := range a.Values {
			writeValue(buf, a.Type, v)
		}
		for buf.Len()-start < pad4(len(a.Values)*a.Type.size()) {
			buf.WriteByte(0)
		}
	}
}

func writeName(buf *bytes.Buffer, name string) {
	writeU32(buf, uint32(len(name)))
	buf.WriteString(name)
	for i := len(name); i < pad4(len(name)); i++ {
		buf.WriteByte(0)
	}
}

func writeValue(buf *bytes.Buffer, t Type, v float64) {
	switch t {
	case Byte:
		buf.WriteByte(byte(int8(v)))
	case Short:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v)))
		buf.Write(b[:])
	case Int:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
		buf.Write(b[:])
	case Float:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(v)))
		buf.Write(b[:])
	case Double:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		buf.Write(b[:])
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
