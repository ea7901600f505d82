// Package fetch materializes remote source files into a content-addressed
// cache. The cache key is a pure function of the source URL, so re-running a
// fetch always targets the same object and can skip the download entirely.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/thanos-io/objstore"

	"github.com/climarchive/nc2zarr/internal/httputil"
	"github.com/climarchive/nc2zarr/internal/metrics"
)

// CacheKey derives the deterministic cache object name for a source URL.
// SHA-256 rather than a runtime string hash: keys must be stable across
// process runs and across implementations.
func CacheKey(cacheRoot, sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return cacheRoot + "/" + hex.EncodeToString(sum[:])
}

// Fetcher downloads source files into a cache bucket.
type Fetcher struct {
	bkt        objstore.Bucket
	client     *http.Client
	cacheRoot  string
	retries    uint64
	retryDelay time.Duration
}

func New(bkt objstore.Bucket, cacheRoot string) *Fetcher {
	return &Fetcher{
		bkt:        bkt,
		client:     httputil.NewClient(),
		cacheRoot:  cacheRoot,
		retries:    1,
		retryDelay: time.Second,
	}
}

// SetRetryPolicy overrides the transient-failure retry budget.
func (f *Fetcher) SetRetryPolicy(retries uint64, delay time.Duration) {
	f.retries = retries
	f.retryDelay = delay
}

// SetClient overrides the HTTP client, mainly for tests.
func (f *Fetcher) SetClient(c *http.Client) {
	f.client = c
}

// Fetch returns the cache object name holding a byte-identical copy of the
// source content, downloading it only if no cached copy exists. Transient
// failures are retried per the fetcher's policy; non-retryable HTTP statuses
// surface immediately as permanent errors.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (string, error) {
	key := CacheKey(f.cacheRoot, sourceURL)

	operation := func() error {
		exists, err := f.bkt.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check cache %s: %w", key, err)
		}
		if exists {
			log.Printf("fetch: cache hit for %s", sourceURL)
			metrics.CacheHitsTotal.Inc()
			return nil
		}
		return f.download(ctx, sourceURL, key)
	}

	start := time.Now()
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryDelay), f.retries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	metrics.StageDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	return key, nil
}

// download streams the source into memory and uploads it to the cache key
// only once the full body has been read and length-checked, so a failed
// transfer never leaves a corrupt object at the deterministic target path.
func (f *Fetcher) download(ctx context.Context, sourceURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("get: status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("get: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		return fmt.Errorf("truncated body: got %d bytes, want %d", len(body), resp.ContentLength)
	}

	if err := f.bkt.Upload(ctx, key, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	log.Printf("fetch: cached %s (%d bytes)", sourceURL, len(body))
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	metrics.BytesDownloaded.Add(float64(len(body)))
	return nil
}
