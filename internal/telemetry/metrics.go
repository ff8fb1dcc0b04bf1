// Package telemetry exposes the prometheus metrics the pipeline emits:
// cycle duration, download speed/ETA, retry attempts, and install outcomes.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the pipeline touches, registered once at
// startup and threaded by reference into C1-C5.
type Metrics struct {
	CycleDuration    prometheus.Histogram
	CycleOutcomes    *prometheus.CounterVec
	DownloadBytes    *prometheus.CounterVec
	DownloadRetries  *prometheus.CounterVec
	DownloadSpeed    prometheus.Gauge
	InstallOutcomes  *prometheus.CounterVec
	ActiveDownloads  prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ota_cycle_duration_seconds",
			Help:    "Wall-clock duration of a full reconciliation cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		CycleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_cycle_outcomes_total",
			Help: "Count of reconciliation cycles by outcome (retry, continue, error).",
		}, []string{"outcome"}),
		DownloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_download_bytes_total",
			Help: "Total bytes downloaded per component.",
		}, []string{"component"}),
		DownloadRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_download_retries_total",
			Help: "Transport-error retry attempts per component.",
		}, []string{"component"}),
		DownloadSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_download_speed_bytes_per_second",
			Help: "Most recent aggregate download speed estimate.",
		}),
		InstallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_install_outcomes_total",
			Help: "Count of per-component install/uninstall attempts by outcome.",
		}, []string{"component", "action", "outcome"}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ota_active_downloads",
			Help: "Number of downloads currently in flight.",
		}),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.CycleOutcomes,
		m.DownloadBytes,
		m.DownloadRetries,
		m.DownloadSpeed,
		m.InstallOutcomes,
		m.ActiveDownloads,
	)
	return m
}
