package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thanos-io/objstore/providers/filesystem"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/climarchive/nc2zarr/internal/config"
	"github.com/climarchive/nc2zarr/internal/pipeline"
	"github.com/climarchive/nc2zarr/internal/store"
)

type globals struct {
	DataDir string `help:"Directory backing the object store (cache and archives live under it)." default:"data" env:"NC2ZARR_DATA_DIR"`
	DB      string `help:"Path to the SQLite run manifest." default:"data/nc2zarr.db" env:"NC2ZARR_DB"`
}

type pipelineFlags struct {
	Variables       []string `help:"Variables to process. Defaults to the full TerraClimate set." env:"NC2ZARR_VARIABLES"`
	Years           string   `help:"Year range, e.g. 1958-2019 or a single year." default:"1958-2019" env:"NC2ZARR_YEARS"`
	SourceTemplate  string   `help:"Archive URL template with {var} and {year} placeholders." env:"NC2ZARR_SOURCE_TEMPLATE"`
	CacheRoot       string   `help:"Cache prefix inside the object store." default:"terraclimate-cache" env:"NC2ZARR_CACHE_ROOT"`
	Target          string   `help:"Target archive path inside the object store." default:"terraclimate/raster.zarr" env:"NC2ZARR_TARGET"`
	Workers         int      `help:"Parallel fetch/convert workers." default:"4" env:"NC2ZARR_WORKERS"`
	PreferLastAttrs bool     `help:"Resolve attribute conflicts in favor of later datasets."`
}

func (f *pipelineFlags) buildConfig() (*config.Config, error) {
	cfg := config.Default()
	if len(f.Variables) > 0 {
		cfg.Variables = f.Variables
	}
	years, err := config.ParseYears(f.Years)
	if err != nil {
		return nil, err
	}
	cfg.Years = years
	if f.SourceTemplate != "" {
		cfg.SourceTemplate = f.SourceTemplate
	}
	cfg.CacheRoot = f.CacheRoot
	cfg.Target = f.Target
	cfg.Workers = f.Workers
	cfg.PreferLastAttrs = f.PreferLastAttrs
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runCmd struct {
	pipelineFlags
	MetricsAddr string `help:"Serve Prometheus metrics on this address while running, e.g. :9090."`
}

func (c *runCmd) Run(g *globals) error {
	cfg, err := c.buildConfig()
	if err != nil {
		return err
	}

	bkt, err := filesystem.NewBucket(g.DataDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer bkt.Close()

	p := pipeline.New(cfg, bkt)

	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		log.Printf("manifest: open %s: %v (continuing without manifest)", g.DB, err)
	} else {
		defer db.Close()
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")
		st := store.New(db)
		if err := st.Migrate(); err != nil {
			log.Printf("manifest: migrate: %v (continuing without manifest)", err)
		} else {
			p.SetManifest(st)
		}
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return p.Run(ctx)
}

type planCmd struct {
	pipelineFlags
}

func (c *planCmd) Run(g *globals) error {
	cfg, err := c.buildConfig()
	if err != nil {
		return err
	}
	p := pipeline.New(cfg, nil)
	for _, line := range p.Plan() {
		fmt.Println(line)
	}
	return nil
}

type statusCmd struct{}

func (c *statusCmd) Run(g *globals) error {
	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate manifest: %w", err)
	}

	run, err := st.LatestRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("no runs recorded")
		return nil
	}

	fmt.Printf("run %d: %s (started %s)\n", run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"))
	sources, err := st.ListSources(run.ID)
	if err != nil {
		return err
	}
	for _, src := range sources {
		line := fmt.Sprintf("  %s_%d: %s/%s", src.Variable, src.Year, src.Stage, src.Status)
		if src.Error.Valid {
			line += " - " + strings.SplitN(src.Error.String, "\n", 2)[0]
		}
		fmt.Println(line)
	}
	return nil
}

var cli struct {
	globals

	Run    runCmd    `cmd:"" help:"Execute the full fetch/convert/combine pipeline."`
	Plan   planCmd   `cmd:"" help:"Print the task graph without executing it."`
	Status statusCmd `cmd:"" help:"Show the latest run recorded in the manifest."`
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("nc2zarr"),
		kong.Description("Batch ETL pipeline converting TerraClimate rasters to a consolidated zarr archive."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)
	if err := ktx.Run(&cli.globals); err != nil {
		log.Fatalf("nc2zarr: %v", err)
	}
}
