package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "http_requests_total",
		Help:      "Total control API requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	DownloadTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "offtrack",
		Name:      "download_tasks",
		Help:      "Number of download tasks by status.",
	}, []string{"status"})

	DownloadsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offtrack",
		Name:      "downloads_active",
		Help:      "Number of transfers currently writing to disk.",
	})

	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "download_bytes_total",
		Help:      "Total bytes written by download transfers.",
	})

	DownloadCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "downloads_completed_total",
		Help:      "Total number of completed downloads.",
	})

	DownloadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "download_failures_total",
		Help:      "Total number of failed download attempts.",
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offtrack",
		Name:      "cache_size_bytes",
		Help:      "Current total size of the artwork and song cache in bytes.",
	})

	CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "offtrack",
		Name:      "cache_entries",
		Help:      "Number of cache entries by kind.",
	}, []string{"kind"})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "cache_evictions_total",
		Help:      "Total number of LRU cache evictions.",
	})

	CacheFetchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offtrack",
		Name:      "cache_fetch_failures_total",
		Help:      "Total number of failed cache fetches by kind.",
	}, []string{"kind"})

	OfflineMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "offtrack",
		Name:      "offline_mode",
		Help:      "1 for the current offline mode, 0 for the others.",
	}, []string{"mode"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		DownloadTasks,
		DownloadsActive,
		DownloadBytesTotal,
		DownloadCompletedTotal,
		DownloadFailuresTotal,
		CacheSizeBytes,
		CacheEntries,
		CacheEvictionsTotal,
		CacheFetchFailuresTotal,
		OfflineMode,
	)
}
