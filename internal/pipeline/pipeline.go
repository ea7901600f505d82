// Package pipeline wires the stages into the task graph: every (variable,
// year) source is fetched and converted independently under a bounded worker
// pool, and the single combine task runs only after every conversion has
// finished. Per-source failures never abort sibling tasks, but any failure
// blocks the combine step, since the final archive must cover the full
// declared variable/year set.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"

	"github.com/climarchive/nc2zarr/internal/combine"
	"github.com/climarchive/nc2zarr/internal/config"
	"github.com/climarchive/nc2zarr/internal/convert"
	"github.com/climarchive/nc2zarr/internal/fetch"
	"github.com/climarchive/nc2zarr/internal/metrics"
	"github.com/climarchive/nc2zarr/internal/store"
)

// Source is one (variable, year) input of the run.
type Source struct {
	Variable string
	Year     int
	URL      string
}

type Pipeline struct {
	cfg       *config.Config
	bkt       objstore.Bucket
	fetcher   *fetch.Fetcher
	converter *convert.Converter
	manifest  *store.Store
}

func New(cfg *config.Config, bkt objstore.Bucket) *Pipeline {
	f := fetch.New(bkt, cfg.CacheRoot)
	f.SetRetryPolicy(cfg.FetchRetries, cfg.FetchRetryDelay)

	c := convert.New(bkt, cfg.Chunks, cfg.Rename, cfg.MaskPolicy)
	c.SetRetryPolicy(cfg.ConvertRetries, cfg.ConvertRetryDelay)

	return &Pipeline{cfg: cfg, bkt: bkt, fetcher: f, converter: c}
}

// SetManifest enables best-effort run bookkeeping. Manifest errors are
// logged, never propagated.
func (p *Pipeline) SetManifest(m *store.Store) {
	p.manifest = m
}

// Fetcher exposes the fetch stage, mainly so callers can adjust its HTTP
// client.
func (p *Pipeline) Fetcher() *fetch.Fetcher {
	return p.fetcher
}

// Sources enumerates the variables × years cross product in declaration
// order.
func (p *Pipeline) Sources() []Source {
	sources := make([]Source, 0, len(p.cfg.Variables)*len(p.cfg.Years))
	for _, v := range p.cfg.Variables {
		for _, y := range p.cfg.Years {
			sources = append(sources, Source{Variable: v, Year: y, URL: p.cfg.SourceURL(v, y)})
		}
	}
	return sources
}

// Plan describes the task graph without executing it.
func (p *Pipeline) Plan() []string {
	sources := p.Sources()
	lines := make([]string, 0, 2*len(sources)+1)
	for _, src := range sources {
		lines = append(lines, fmt.Sprintf("download %s -> %s", src.URL, fetch.CacheKey(p.cfg.CacheRoot, src.URL)))
	}
	for _, src := range sources {
		lines = append(lines, fmt.Sprintf("convert %s_%d -> %s.zarr", src.Variable, src.Year, fetch.CacheKey(p.cfg.CacheRoot, src.URL)))
	}
	lines = append(lines, fmt.Sprintf("combine %d datasets -> %s", len(sources), p.cfg.Target))
	return lines
}

// Run executes the full graph. It returns an error if any source failed
// (combine is then never attempted) or if the combine step itself failed.
func (p *Pipeline) Run(ctx context.Context) error {
	sources := p.Sources()
	log.Printf("pipeline: starting run with %d sources, %d workers", len(sources), p.cfg.Workers)
	start := time.Now()

	runID := p.startRun(sources)

	// Plain errgroup as a bounded pool: worker funcs always return nil so
	// one source's failure never cancels its siblings.
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	zarrURLs := make([]string, len(sources))
	failures := make([]error, len(sources))

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			cacheURL, err := p.fetcher.Fetch(ctx, src.URL)
			if err != nil {
				log.Printf("pipeline: %s_%d fetch failed: %v", src.Variable, src.Year, err)
				failures[i] = err
				p.recordFailed(runID, src, store.StageFetch, err)
				return nil
			}
			p.recordFetched(runID, src, cacheURL)

			zarrURL, err := p.converter.Convert(ctx, cacheURL)
			if err != nil {
				log.Printf("pipeline: %s_%d convert failed: %v", src.Variable, src.Year, err)
				failures[i] = err
				p.recordFailed(runID, src, store.StageConvert, err)
				return nil
			}
			p.recordConverted(runID, src, zarrURL)

			zarrURLs[i] = zarrURL
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		err := fmt.Errorf("pipeline: %d of %d sources failed, combine blocked", failed, len(sources))
		p.finishRun(runID, store.StatusFailed, err)
		return err
	}

	err := combine.Combine(ctx, p.bkt, zarrURLs, p.cfg.Target, combine.Options{
		Chunks:     p.cfg.Chunks,
		PreferLast: p.cfg.PreferLastAttrs,
	})
	if err != nil {
		p.finishRun(runID, store.StatusFailed, err)
		return err
	}

	p.finishRun(runID, store.StatusSucceeded, nil)
	metrics.StageDuration.WithLabelValues("run").Observe(time.Since(start).Seconds())
	log.Printf("pipeline: run complete in %s", time.Since(start).Round(time.Second))
	return nil
}

func (p *Pipeline) startRun(sources []Source) int64 {
	if p.manifest == nil {
		return 0
	}
	runID, err := p.manifest.StartRun()
	if err != nil {
		log.Printf("manifest: start run: %v", err)
		return 0
	}
	for _, src := range sources {
		if err := p.manifest.AddSource(runID, src.Variable, src.Year, src.URL); err != nil {
			log.Printf("manifest: add source %s_%d: %v", src.Variable, src.Year, err)
		}
	}
	return runID
}

func (p *Pipeline) finishRun(runID int64, status string, runErr error) {
	if p.manifest == nil {
		return
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := p.manifest.FinishRun(runID, status, msg); err != nil {
		log.Printf("manifest: finish run: %v", err)
	}
}

func (p *Pipeline) recordFetched(runID int64, src Source, cacheURL string) {
	if p.manifest == nil {
		return
	}
	if err := p.manifest.MarkFetched(runID, src.Variable, src.Year, cacheURL); err != nil {
		log.Printf("manifest: mark fetched %s_%d: %v", src.Variable, src.Year, err)
	}
}

func (p *Pipeline) recordConverted(runID int64, src Source, zarrURL string) {
	if p.manifest == nil {
		return
	}
	if err := p.manifest.MarkConverted(runID, src.Variable, src.Year, zarrURL); err != nil {
		log.Printf("manifest: mark converted %s_%d: %v", src.Variable, src.Year, err)
	}
}

func (p *Pipeline) recordFailed(runID int64, src Source, stage string, srcErr error) {
	if p.manifest == nil {
		return
	}
	if err := p.manifest.MarkFailed(runID, src.Variable, src.Year, stage, srcErr.Error()); err != nil {
		log.Printf("manifest: mark failed %s_%d: %v", src.Variable, src.Year, err)
	}
}
