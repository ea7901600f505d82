package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"github.com/thanos-io/objstore"

	"github.com/climarchive/nc2zarr/internal/dataset"
)

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds := dataset.New()
	ds.Attrs["title"] = "test store"

	timeC, err := dataset.NewArray([]string{"time"}, []int{5}, []float64{0, 31, 59, 90, 120})
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	timeC.Attrs["units"] = "days since 1958-01-01"
	ds.SetCoord("time", timeC)

	latC, _ := dataset.NewArray([]string{"lat"}, []int{3}, []float64{-1, 0, 1})
	ds.SetCoord("lat", latC)

	values := make([]float64, 5*3)
	for i := range values {
		values[i] = float64(i) * 0.5
	}
	values[7] = math.NaN()
	v, _ := dataset.NewArray([]string{"time", "lat"}, []int{5, 3}, values)
	v.Attrs["units"] = "degC"
	ds.SetVar("tmax", v)
	return ds
}

func TestWriteOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()
	ds := testDataset(t)

	// chunk sizes that do not divide the shape, to exercise edge padding
	opts := WriteOptions{Chunks: map[string]int{"time": 2, "lat": 2}}
	if err := Write(ctx, bkt, "store.zarr", ds, opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Open(ctx, bkt, "store.zarr")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got.Attrs["title"] != "test store" {
		t.Errorf("root attrs = %v", got.Attrs)
	}

	tc := got.Coord("time")
	if tc == nil {
		t.Fatal("time coordinate missing")
	}
	if !reflect.DeepEqual(tc.Values, []float64{0, 31, 59, 90, 120}) {
		t.Errorf("time values = %v", tc.Values)
	}
	if tc.Attrs["units"] != "days since 1958-01-01" {
		t.Errorf("time attrs = %v", tc.Attrs)
	}

	v := got.Var("tmax")
	if v == nil {
		t.Fatal("tmax missing")
	}
	if !reflect.DeepEqual(v.Dims, []string{"time", "lat"}) {
		t.Errorf("dims = %v", v.Dims)
	}
	want := ds.Var("tmax").Values
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(v.Values[i]) {
				t.Errorf("Values[%d] = %v, want NaN", i, v.Values[i])
			}
			continue
		}
		if v.Values[i] != want[i] {
			t.Errorf("Values[%d] = %v, want %v", i, v.Values[i], want[i])
		}
	}
	if v.Attrs["units"] != "degC" {
		t.Errorf("var attrs = %v", v.Attrs)
	}
}

func TestWriteChunkLayout(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()
	ds := testDataset(t)

	opts := WriteOptions{Chunks: map[string]int{"time": 2, "lat": 2}}
	if err := Write(ctx, bkt, "store.zarr", ds, opts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := getObject(ctx, bkt, "store.zarr/tmax/.zarray")
	if err != nil {
		t.Fatalf("read .zarray: %v", err)
	}
	var am arrayMeta
	if err := json.Unmarshal(raw, &am); err != nil {
		t.Fatalf("unmarshal .zarray: %v", err)
	}
	if !reflect.DeepEqual(am.Chunks, []int{2, 2}) {
		t.Errorf("chunks = %v", am.Chunks)
	}
	if am.DType != "<f8" || am.Compressor == nil || am.Compressor.ID != "zlib" {
		t.Errorf("unexpected array metadata: %+v", am)
	}

	// 5x3 with 2x2 chunks -> 3x2 grid
	for _, key := range []string{"0.0", "0.1", "1.0", "1.1", "2.0", "2.1"} {
		ok, err := bkt.Exists(ctx, "store.zarr/tmax/"+key)
		if err != nil || !ok {
			t.Errorf("chunk %s missing (err=%v)", key, err)
		}
	}
	if ok, _ := bkt.Exists(ctx, "store.zarr/tmax/3.0"); ok {
		t.Error("unexpected chunk beyond grid")
	}
}

func TestWriteOverwritesExistingStore(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()
	ds := testDataset(t)

	if err := bkt.Upload(ctx, "store.zarr/stale", bytes.NewReader([]byte("junk"))); err != nil {
		t.Fatalf("seed stale object: %v", err)
	}
	if err := Write(ctx, bkt, "store.zarr", ds, WriteOptions{}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if ok, _ := bkt.Exists(ctx, "store.zarr/stale"); ok {
		t.Error("stale object survived overwrite")
	}

	// drop a variable and rewrite; the old variable's objects must be gone
	ds.DropVar("tmax")
	if err := Write(ctx, bkt, "store.zarr", ds, WriteOptions{}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if ok, _ := bkt.Exists(ctx, "store.zarr/tmax/.zarray"); ok {
		t.Error("stale array survived overwrite")
	}
}

func TestConsolidatedMetadata(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()
	ds := testDataset(t)

	if err := Write(ctx, bkt, "store.zarr", ds, WriteOptions{Consolidated: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := getObject(ctx, bkt, "store.zarr/.zmetadata")
	if err != nil {
		t.Fatalf("read .zmetadata: %v", err)
	}
	var cm consolidatedMeta
	if err := json.Unmarshal(raw, &cm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cm.Format != consolidatedFormat {
		t.Errorf("format = %d", cm.Format)
	}
	for _, key := range []string{".zgroup", ".zattrs", "tmax/.zarray", "time/.zattrs"} {
		if _, ok := cm.Metadata[key]; !ok {
			t.Errorf("consolidated metadata missing %s", key)
		}
	}

	// consolidated open must work even after the individual metadata
	// objects are removed
	for _, name := range []string{"store.zarr/.zgroup", "store.zarr/tmax/.zarray", "store.zarr/tmax/.zattrs"} {
		if err := bkt.Delete(ctx, name); err != nil {
			t.Fatalf("delete %s: %v", name, err)
		}
	}
	got, err := Open(ctx, bkt, "store.zarr")
	if err != nil {
		t.Fatalf("Open via .zmetadata: %v", err)
	}
	if got.Var("tmax") == nil {
		t.Error("tmax missing after consolidated open")
	}
}

func TestOpenMissingStore(t *testing.T) {
	bkt := objstore.NewInMemBucket()
	if _, err := Open(context.Background(), bkt, "nope.zarr"); err == nil {
		t.Error("expected error for missing store")
	}
}

func TestChunkShapeCapping(t *testing.T) {
	arr, _ := dataset.NewArray([]string{"time", "lat"}, []int{5, 3}, make([]float64, 15))
	got := chunkShape(arr, map[string]int{"time": 12, "lat": 2})
	if !reflect.DeepEqual(got, []int{5, 2}) {
		t.Errorf("chunkShape = %v", got)
	}
	// unlisted dims become a single chunk
	got = chunkShape(arr, nil)
	if !reflect.DeepEqual(got, []int{5, 3}) {
		t.Errorf("chunkShape = %v", got)
	}
}
