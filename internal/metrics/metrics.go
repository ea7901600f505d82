package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nc2zarr_downloads_total",
			Help: "Total source file download attempts",
		},
		[]string{"status"},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nc2zarr_cache_hits_total",
			Help: "Total fetches satisfied by an existing cache object",
		},
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nc2zarr_bytes_downloaded_total",
			Help: "Total bytes fetched from the source archive",
		},
	)

	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nc2zarr_conversions_total",
			Help: "Total raster-to-zarr conversion attempts",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nc2zarr_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)
)
