// Package zarr reads and writes zarr v2 stores on top of an objstore bucket.
// Arrays are float64 little-endian with zlib-compressed chunks and NaN fill,
// and carry the xarray _ARRAY_DIMENSIONS attribute so stores round-trip
// through the dataset model. Writes are overwrite-mode: existing objects
// under the store path are removed first.
package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"

	"github.com/climarchive/nc2zarr/internal/dataset"
)

const (
	zarrFormat         = 2
	consolidatedFormat = 1

	// DefaultCompressionLevel matches zlib's default, the level the
	// numcodecs zlib codec uses when none is given.
	DefaultCompressionLevel = 6
)

// dimsAttr is the xarray convention for recording dimension names.
const dimsAttr = "_ARRAY_DIMENSIONS"

// WriteOptions control chunking and write behavior.
type WriteOptions struct {
	// Chunks gives the chunk size per dimension name. Dimensions not
	// listed are written as a single chunk.
	Chunks map[string]int

	// Concurrency bounds parallel chunk uploads. At 1 (or 0) the write is
	// strictly sequential and spawns no goroutines; stages running under
	// an outer parallel scheduler rely on that.
	Concurrency int

	// Consolidated writes a .zmetadata object aggregating all store
	// metadata for fast opens.
	Consolidated bool

	// CompressionLevel for the zlib codec; 0 means DefaultCompressionLevel.
	CompressionLevel int
}

type compressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

type arrayMeta struct {
	ZarrFormat int             `json:"zarr_format"`
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	DType      string          `json:"dtype"`
	Compressor *compressorMeta `json:"compressor"`
	FillValue  any             `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    any             `json:"filters"`
}

type groupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

type consolidatedMeta struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

// Write stores the dataset at path, replacing any existing store there.
func Write(ctx context.Context, bkt objstore.Bucket, path string, ds *dataset.Dataset, opts WriteOptions) error {
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = DefaultCompressionLevel
	}
	if err := clear(ctx, bkt, path); err != nil {
		return fmt.Errorf("zarr: clear %s: %w", path, err)
	}

	meta := map[string]json.RawMessage{}

	group, _ := json.Marshal(groupMeta{ZarrFormat: zarrFormat})
	if err := upload(ctx, bkt, path+"/.zgroup", group); err != nil {
		return err
	}
	meta[".zgroup"] = group

	rootAttrs, err := marshalAttrs(ds.Attrs, nil)
	if err != nil {
		return fmt.Errorf("zarr: root attrs: %w", err)
	}
	if err := upload(ctx, bkt, path+"/.zattrs", rootAttrs); err != nil {
		return err
	}
	meta[".zattrs"] = rootAttrs

	names := append(ds.CoordNames(), ds.VarNames()...)
	for _, name := range names {
		arr := ds.Coord(name)
		if arr == nil {
			arr = ds.Var(name)
		}
		if err := writeArray(ctx, bkt, path, name, arr, opts, meta); err != nil {
			return fmt.Errorf("zarr: write array %s: %w", name, err)
		}
	}

	if opts.Consolidated {
		out, err := json.Marshal(consolidatedMeta{Metadata: meta, Format: consolidatedFormat})
		if err != nil {
			return fmt.Errorf("zarr: consolidated metadata: %w", err)
		}
		if err := upload(ctx, bkt, path+"/.zmetadata", out); err != nil {
			return err
		}
	}
	return nil
}

func writeArray(ctx context.Context, bkt objstore.Bucket, path, name string, arr *dataset.Array, opts WriteOptions, meta map[string]json.RawMessage) error {
	chunks := chunkShape(arr, opts.Chunks)

	am := arrayMeta{
		ZarrFormat: zarrFormat,
		Shape:      arr.Shape,
		Chunks:     chunks,
		DType:      "<f8",
		Compressor: &compressorMeta{ID: "zlib", Level: opts.CompressionLevel},
		FillValue:  "NaN",
		Order:      "C",
		Filters:    nil,
	}
	zarray, err := json.Marshal(am)
	if err != nil {
		return err
	}
	if err := upload(ctx, bkt, path+"/"+name+"/.zarray", zarray); err != nil {
		return err
	}
	meta[name+"/.zarray"] = zarray

	zattrs, err := marshalAttrs(arr.Attrs, arr.Dims)
	if err != nil {
		return err
	}
	if err := upload(ctx, bkt, path+"/"+name+"/.zattrs", zattrs); err != nil {
		return err
	}
	meta[name+"/.zattrs"] = zattrs

	grid := chunkGrid(arr.Shape, chunks)
	coords := gridCoords(grid)

	writeChunk := func(coord []int) error {
		raw := extractChunk(arr, chunks, coord)
		compressed, err := compress(raw, opts.CompressionLevel)
		if err != nil {
			return err
		}
		return upload(ctx, bkt, path+"/"+name+"/"+chunkKey(coord), compressed)
	}

	if opts.Concurrency <= 1 {
		for _, coord := range coords {
			if err := writeChunk(coord); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, coord := range coords {
		coord := coord
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return writeChunk(coord)
		})
	}
	return g.Wait()
}

// chunkShape resolves the per-dimension chunk sizes for one array, capping
// each at the dimension size.
func chunkShape(arr *dataset.Array, requested map[string]int) []int {
	chunks := make([]int, len(arr.Dims))
	for i, dim := range arr.Dims {
		size := arr.Shape[i]
		if c, ok := requested[dim]; ok && c < size {
			chunks[i] = c
		} else {
			chunks[i] = size
		}
		if chunks[i] < 1 {
			chunks[i] = 1
		}
	}
	return chunks
}

func chunkGrid(shape, chunks []int) []int {
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
		if grid[i] < 1 {
			grid[i] = 1
		}
	}
	return grid
}

// gridCoords enumerates every chunk coordinate in C order.
func gridCoords(grid []int) [][]int {
	total := 1
	for _, g := range grid {
		total *= g
	}
	coords := make([][]int, 0, total)
	coord := make([]int, len(grid))
	for i := 0; i < total; i++ {
		coords = append(coords, append([]int(nil), coord...))
		for d := len(grid) - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < grid[d] {
				break
			}
			coord[d] = 0
		}
	}
	return coords
}

// extractChunk serializes one chunk as little-endian float64, padding edge
// chunks with the fill value out to the full chunk shape.
func extractChunk(arr *dataset.Array, chunks, coord []int) []byte {
	ndim := len(arr.Shape)
	chunkLen := 1
	for _, c := range chunks {
		chunkLen *= c
	}

	strides := make([]int, ndim)
	stride := 1
	for i := ndim - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= arr.Shape[i]
	}

	buf := make([]byte, 8*chunkLen)
	idx := make([]int, ndim)
	for i := 0; i < chunkLen; i++ {
		v := math.NaN()
		src := 0
		inside := true
		for d := 0; d < ndim; d++ {
			pos := coord[d]*chunks[d] + idx[d]
			if pos >= arr.Shape[d] {
				inside = false
				break
			}
			src += pos * strides[d]
		}
		if inside {
			v = arr.Values[src]
		}
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))

		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < chunks[d] {
				break
			}
			idx[d] = 0
		}
	}
	return buf
}

func chunkKey(coord []int) string {
	if len(coord) == 0 {
		return "0"
	}
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ".")
}

func compress(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// marshalAttrs serializes an attribute map, attaching the dimension-name
// attribute when dims are given. Map key order from encoding/json is sorted,
// so output is deterministic.
func marshalAttrs(attrs map[string]any, dims []string) ([]byte, error) {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	if dims != nil {
		out[dimsAttr] = dims
	}
	return json.Marshal(out)
}

func upload(ctx context.Context, bkt objstore.Bucket, name string, data []byte) error {
	return bkt.Upload(ctx, name, bytes.NewReader(data))
}

// clear removes every object under the store path.
func clear(ctx context.Context, bkt objstore.Bucket, path string) error {
	var names []string
	err := bkt.Iter(ctx, path+"/", func(name string) error {
		names = append(names, name)
		return nil
	}, objstore.WithRecursiveIter)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		if err := bkt.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
