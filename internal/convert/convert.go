// Package convert turns a cached raw raster file into a chunked zarr store.
// Preprocessing normalizes the schema (station-influence side channel, time
// coordinate naming, canonical variable names); postprocessing applies the
// mask policy and strips the raw file's on-disk encoding so the new store is
// not constrained by it.
package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/thanos-io/objstore"

	"github.com/climarchive/nc2zarr/internal/dataset"
	"github.com/climarchive/nc2zarr/internal/metrics"
	"github.com/climarchive/nc2zarr/internal/netcdf"
	"github.com/climarchive/nc2zarr/internal/zarr"
)

const stationInfluenceVar = "station_influence"

// Converter converts cached raw files to zarr stores.
type Converter struct {
	bkt        objstore.Bucket
	chunks     map[string]int
	rename     map[string]string
	mask       map[string]*dataset.MaskRule
	retries    uint64
	retryDelay time.Duration
}

func New(bkt objstore.Bucket, chunks map[string]int, rename map[string]string, mask map[string]*dataset.MaskRule) *Converter {
	return &Converter{
		bkt:        bkt,
		chunks:     chunks,
		rename:     rename,
		mask:       mask,
		retries:    1,
		retryDelay: 10 * time.Second,
	}
}

// SetRetryPolicy overrides the transient-failure retry budget. Conversion is
// costly, so the default waits longer between attempts than fetch does.
func (c *Converter) SetRetryPolicy(retries uint64, delay time.Duration) {
	c.retries = retries
	c.retryDelay = delay
}

// Convert reads the cached raw file, cleans it, and writes it re-chunked to
// "<cacheKey>.zarr", returning that store path. Malformed source data is a
// permanent failure; storage I/O errors are retried.
func (c *Converter) Convert(ctx context.Context, cacheKey string) (string, error) {
	target := cacheKey + ".zarr"

	operation := func() error {
		rc, err := c.bkt.Get(ctx, cacheKey)
		if err != nil {
			return fmt.Errorf("open cached file %s: %w", cacheKey, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read cached file %s: %w", cacheKey, err)
		}

		ds, err := netcdf.Decode(raw)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", cacheKey, err))
		}
		if err := Preprocess(ds, c.rename); err != nil {
			return backoff.Permanent(fmt.Errorf("preprocess %s: %w", cacheKey, err))
		}
		Postprocess(ds, c.mask)

		// Concurrency 1 is a contract, not a tuning choice: this stage
		// runs inside a parallel task scheduler and must not spawn
		// nested parallel work.
		err = zarr.Write(ctx, c.bkt, target, ds, zarr.WriteOptions{
			Chunks:      c.chunks,
			Concurrency: 1,
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
		return nil
	}

	start := time.Now()
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.retries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		metrics.ConversionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("convert %s: %w", cacheKey, err)
	}

	metrics.ConversionsTotal.WithLabelValues("ok").Inc()
	metrics.StageDuration.WithLabelValues("convert").Observe(time.Since(start).Seconds())
	log.Printf("convert: wrote %s", target)
	return target, nil
}

// Preprocess normalizes the raw file's schema in place:
//   - a station_influence side channel is detached and reattached as
//     "<var>_station_influence", named after the primary variable
//   - a day-indexed time coordinate is renamed to "time"
//   - variable names are canonicalized per the rename table
func Preprocess(ds *dataset.Dataset, rename map[string]string) error {
	station := ds.DropVar(stationInfluenceVar)

	names := ds.VarNames()
	if len(names) == 0 {
		return fmt.Errorf("no data variables")
	}
	primary := names[0]

	if station != nil {
		ds.SetVar(primary+"_"+stationInfluenceVar, station)
	}

	if ds.Coord("day") != nil {
		ds.RenameDim("day", "time")
	}

	for _, name := range ds.VarNames() {
		if canonical, ok := rename[name]; ok {
			ds.RenameVar(name, canonical)
		}
	}
	return nil
}

// Postprocess cleans every data variable in place: the mask policy replaces
// failing values with the missing marker (attributes survive), and inherited
// on-disk layout encoding is stripped. Variables without a policy entry keep
// their values untouched.
func Postprocess(ds *dataset.Dataset, policy map[string]*dataset.MaskRule) {
	for _, name := range ds.VarNames() {
		arr := ds.Var(name)
		if rule := policy[name]; rule != nil {
			arr = dataset.ApplyMask(arr, rule)
			ds.SetVar(name, arr)
		}
		dataset.StripEncoding(arr)
	}
}
