package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/thanos-io/objstore"
	_ "modernc.org/sqlite"

	"github.com/climarchive/nc2zarr/internal/config"
	"github.com/climarchive/nc2zarr/internal/fetch"
	"github.com/climarchive/nc2zarr/internal/netcdf"
	"github.com/climarchive/nc2zarr/internal/store"
	"github.com/climarchive/nc2zarr/internal/zarr"
)

// rasterFile encodes a small yearly file. Time labels are offset so each
// year contributes a disjoint slice of the final axis.
func rasterFile(t *testing.T, variable string, year int) []byte {
	t.Helper()
	offset := float64(year-1958) * 365
	f := &netcdf.File{
		Dims: []netcdf.Dim{
			{Name: "day", Size: 2},
			{Name: "lat", Size: 2},
			{Name: "lon", Size: 2},
		},
		Attrs: []netcdf.Attr{netcdf.StrAttr("title", fmt.Sprintf("%s %d", variable, year))},
		Vars: []netcdf.Var{
			{Name: "day", Dims: []string{"day"}, Type: netcdf.Double, Values: []float64{offset, offset + 31}},
			{Name: "lat", Dims: []string{"lat"}, Type: netcdf.Double, Values: []float64{-36.5, -36.4}},
			{Name: "lon", Dims: []string{"lon"}, Type: netcdf.Double, Values: []float64{146.9, 147.0}},
			{
				Name: variable, Dims: []string{"day", "lat", "lon"}, Type: netcdf.Double,
				Values: []float64{10, 11, 12, 13, 14, 15, 16, 17},
			},
		},
	}
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return raw
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.SourceTemplate = baseURL + "/TerraClimate_{var}_{year}.nc"
	cfg.Variables = []string{"tmax"}
	cfg.Years = []int{1958, 1959}
	cfg.CacheRoot = "cache"
	cfg.Target = "out/raster.zarr"
	cfg.Chunks = map[string]int{"time": 12, "lat": 2, "lon": 2}
	cfg.Workers = 2
	cfg.FetchRetryDelay = time.Millisecond
	cfg.ConvertRetryDelay = time.Millisecond
	return cfg
}

// archiveHandler serves TerraClimate-shaped paths from synthetic files.
func archiveHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var variable string
		var year int
		name := strings.TrimPrefix(r.URL.Path, "/TerraClimate_")
		name = strings.TrimSuffix(name, ".nc")
		if _, err := fmt.Sscanf(name, "tmax_%d", &year); err != nil {
			http.NotFound(w, r)
			return
		}
		variable = "tmax"
		w.Write(rasterFile(t, variable, year))
	}
}

func TestRunEndToEnd(t *testing.T) {
	srv := httptest.NewServer(archiveHandler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	bkt := objstore.NewInMemBucket()
	p := New(cfg, bkt)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ds, err := zarr.Open(context.Background(), bkt, cfg.Target)
	if err != nil {
		t.Fatalf("open target: %v", err)
	}

	tc := ds.Coord("time")
	if tc == nil {
		t.Fatal("time coordinate missing from archive")
	}
	want := []float64{0, 31, 365, 396}
	if !reflect.DeepEqual(tc.Values, want) {
		t.Errorf("time axis = %v, want %v", tc.Values, want)
	}

	v := ds.Var("tmax")
	if v == nil {
		t.Fatalf("tmax missing, vars = %v", ds.VarNames())
	}
	if !reflect.DeepEqual(v.Shape, []int{4, 2, 2}) {
		t.Errorf("tmax shape = %v", v.Shape)
	}
	// first slice from 1958, third from 1959
	if v.Values[0] != 10 || v.Values[8] != 10 {
		t.Errorf("slab values misplaced: %v", v.Values[:9])
	}

	if ok, _ := bkt.Exists(context.Background(), cfg.Target+"/.zmetadata"); !ok {
		t.Error("final archive missing consolidated metadata")
	}
}

func TestRunRecordsManifest(t *testing.T) {
	srv := httptest.NewServer(archiveHandler(t))
	defer srv.Close()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	manifest := store.New(db)
	if err := manifest.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig(srv.URL)
	p := New(cfg, objstore.NewInMemBucket())
	p.SetManifest(manifest)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := manifest.LatestRun()
	if err != nil || run == nil {
		t.Fatalf("LatestRun: run=%v err=%v", run, err)
	}
	if run.Status != store.StatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}

	sources, err := manifest.ListSources(run.ID)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	for _, src := range sources {
		if src.Stage != store.StageDone {
			t.Errorf("%s_%d stage = %s, want done", src.Variable, src.Year, src.Stage)
		}
		if !src.ZarrURL.Valid {
			t.Errorf("%s_%d has no zarr url", src.Variable, src.Year)
		}
	}
}

func TestRunSourceFailureBlocksCombine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "1959") {
			http.NotFound(w, r)
			return
		}
		w.Write(rasterFile(t, "tmax", 1958))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	bkt := objstore.NewInMemBucket()
	p := New(cfg, bkt)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when a source fails")
	}
	if !strings.Contains(err.Error(), "1 of 2 sources failed") {
		t.Errorf("err = %v", err)
	}

	// the surviving source must still have been fetched and converted
	key := fetch.CacheKey(cfg.CacheRoot, cfg.SourceURL("tmax", 1958))
	if ok, _ := bkt.Exists(context.Background(), key); !ok {
		t.Error("healthy sibling was not fetched")
	}

	// combine must not have run
	if ok, _ := bkt.Exists(context.Background(), cfg.Target+"/.zgroup"); ok {
		t.Error("combine ran despite a failed source")
	}
}

func TestPlan(t *testing.T) {
	cfg := testConfig("https://archive.example")
	p := New(cfg, objstore.NewInMemBucket())

	lines := p.Plan()
	if len(lines) != 5 {
		t.Fatalf("got %d plan lines, want 5 (2 downloads, 2 converts, 1 combine)", len(lines))
	}
	if !strings.HasPrefix(lines[0], "download https://archive.example/TerraClimate_tmax_1958.nc") {
		t.Errorf("first line = %s", lines[0])
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, "combine 2 datasets") || !strings.Contains(last, cfg.Target) {
		t.Errorf("combine line = %s", last)
	}
}

func TestSourcesCrossProduct(t *testing.T) {
	cfg := testConfig("https://archive.example")
	cfg.Variables = []string{"tmax", "ppt"}
	cfg.Years = []int{1958, 1959}
	p := New(cfg, objstore.NewInMemBucket())

	sources := p.Sources()
	if len(sources) != 4 {
		t.Fatalf("got %d sources, want 4", len(sources))
	}
	// variable-major order
	wantFirst := Source{Variable: "tmax", Year: 1958, URL: "https://archive.example/TerraClimate_tmax_1958.nc"}
	if sources[0] != wantFirst {
		t.Errorf("sources[0] = %+v", sources[0])
	}
	if sources[2].Variable != "ppt" || sources[2].Year != 1958 {
		t.Errorf("sources[2] = %+v", sources[2])
	}
}
