package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/thanos-io/objstore"

	"github.com/climarchive/nc2zarr/internal/dataset"
)

// Open reads a zarr store back into a Dataset. When consolidated metadata is
// present it is used to enumerate the store without listing; otherwise the
// bucket is walked. One-dimensional arrays named after their own dimension
// become coordinates.
func Open(ctx context.Context, bkt objstore.Bucket, path string) (*dataset.Dataset, error) {
	meta, err := loadMetadata(ctx, bkt, path)
	if err != nil {
		return nil, err
	}

	group, ok := meta[".zgroup"]
	if !ok {
		return nil, fmt.Errorf("zarr: %s is not a zarr group (missing .zgroup)", path)
	}
	var gm groupMeta
	if err := json.Unmarshal(group, &gm); err != nil {
		return nil, fmt.Errorf("zarr: %s: bad .zgroup: %w", path, err)
	}
	if gm.ZarrFormat != zarrFormat {
		return nil, fmt.Errorf("zarr: %s: unsupported zarr format %d", path, gm.ZarrFormat)
	}

	ds := dataset.New()
	if raw, ok := meta[".zattrs"]; ok {
		if err := json.Unmarshal(raw, &ds.Attrs); err != nil {
			return nil, fmt.Errorf("zarr: %s: bad root attrs: %w", path, err)
		}
	}

	var names []string
	for key := range meta {
		if name, ok := strings.CutSuffix(key, "/.zarray"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		arr, err := readArray(ctx, bkt, path, name, meta)
		if err != nil {
			return nil, fmt.Errorf("zarr: read array %s/%s: %w", path, name, err)
		}
		if len(arr.Dims) == 1 && arr.Dims[0] == name {
			ds.SetCoord(name, arr)
		} else {
			ds.SetVar(name, arr)
		}
	}
	return ds, nil
}

// loadMetadata returns all store metadata objects keyed relative to the
// store root, from .zmetadata when available.
func loadMetadata(ctx context.Context, bkt objstore.Bucket, path string) (map[string]json.RawMessage, error) {
	raw, err := getObject(ctx, bkt, path+"/.zmetadata")
	if err == nil {
		var cm consolidatedMeta
		if err := json.Unmarshal(raw, &cm); err != nil {
			return nil, fmt.Errorf("zarr: %s: bad consolidated metadata: %w", path, err)
		}
		return cm.Metadata, nil
	}
	if !bkt.IsObjNotFoundErr(err) {
		return nil, fmt.Errorf("zarr: %s: %w", path, err)
	}

	meta := map[string]json.RawMessage{}
	err = bkt.Iter(ctx, path+"/", func(name string) error {
		rel := strings.TrimPrefix(name, path+"/")
		base := rel[strings.LastIndex(rel, "/")+1:]
		switch base {
		case ".zgroup", ".zattrs", ".zarray":
			raw, err := getObject(ctx, bkt, name)
			if err != nil {
				return err
			}
			meta[rel] = raw
		}
		return nil
	}, objstore.WithRecursiveIter)
	if err != nil {
		return nil, fmt.Errorf("zarr: list %s: %w", path, err)
	}
	return meta, nil
}

func readArray(ctx context.Context, bkt objstore.Bucket, path, name string, meta map[string]json.RawMessage) (*dataset.Array, error) {
	var am arrayMeta
	if err := json.Unmarshal(meta[name+"/.zarray"], &am); err != nil {
		return nil, fmt.Errorf("bad .zarray: %w", err)
	}
	if am.DType != "<f8" {
		return nil, fmt.Errorf("unsupported dtype %q", am.DType)
	}
	if am.Order != "C" {
		return nil, fmt.Errorf("unsupported order %q", am.Order)
	}
	if am.Compressor == nil || am.Compressor.ID != "zlib" {
		return nil, fmt.Errorf("unsupported compressor %+v", am.Compressor)
	}

	attrs := map[string]any{}
	if raw, ok := meta[name+"/.zattrs"]; ok {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, fmt.Errorf("bad .zattrs: %w", err)
		}
	}
	dims, err := popDims(attrs, len(am.Shape))
	if err != nil {
		return nil, err
	}

	fill := parseFill(am.FillValue)

	total := 1
	for _, s := range am.Shape {
		total *= s
	}
	values := make([]float64, total)
	for i := range values {
		values[i] = fill
	}

	strides := make([]int, len(am.Shape))
	stride := 1
	for i := len(am.Shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= am.Shape[i]
	}

	for _, coord := range gridCoords(chunkGrid(am.Shape, am.Chunks)) {
		raw, err := getObject(ctx, bkt, path+"/"+name+"/"+chunkKey(coord))
		if err != nil {
			if bkt.IsObjNotFoundErr(err) {
				continue // missing chunk reads as fill
			}
			return nil, err
		}
		decompressed, err := decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunkKey(coord), err)
		}
		if err := scatterChunk(values, am.Shape, am.Chunks, strides, coord, decompressed); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunkKey(coord), err)
		}
	}

	arr, err := dataset.NewArray(dims, am.Shape, values)
	if err != nil {
		return nil, err
	}
	arr.Attrs = attrs
	return arr, nil
}

// scatterChunk copies a decoded chunk into the full array, discarding the
// padding beyond the array bounds.
func scatterChunk(values []float64, shape, chunks, strides []int, coord []int, raw []byte) error {
	ndim := len(shape)
	chunkLen := 1
	for _, c := range chunks {
		chunkLen *= c
	}
	if len(raw) != 8*chunkLen {
		return fmt.Errorf("decoded to %d bytes, want %d", len(raw), 8*chunkLen)
	}

	idx := make([]int, ndim)
	for i := 0; i < chunkLen; i++ {
		dst := 0
		inside := true
		for d := 0; d < ndim; d++ {
			pos := coord[d]*chunks[d] + idx[d]
			if pos >= shape[d] {
				inside = false
				break
			}
			dst += pos * strides[d]
		}
		if inside {
			values[dst] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < chunks[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}

func popDims(attrs map[string]any, ndim int) ([]string, error) {
	raw, ok := attrs[dimsAttr]
	if !ok {
		return nil, fmt.Errorf("missing %s attribute", dimsAttr)
	}
	delete(attrs, dimsAttr)
	list, ok := raw.([]any)
	if !ok || len(list) != ndim {
		return nil, fmt.Errorf("bad %s attribute %v", dimsAttr, raw)
	}
	dims := make([]string, ndim)
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("bad %s entry %v", dimsAttr, v)
		}
		dims[i] = s
	}
	return dims, nil
}

func parseFill(v any) float64 {
	switch f := v.(type) {
	case string:
		switch f {
		case "NaN":
			return math.NaN()
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
	case float64:
		return f
	}
	return math.NaN()
}

func decompress(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func getObject(ctx context.Context, bkt objstore.Bucket, name string) ([]byte, error) {
	rc, err := bkt.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
