// Package metrics exposes batch bot counters over Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchFiles    prometheus.Histogram
	deliveries    prometheus.Counter
	deliveredFile *prometheus.CounterVec
	errors        *prometheus.CounterVec
	floodWaits    prometheus.Counter
	floodSeconds  prometheus.Counter
	purged        prometheus.Counter
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgbatch_batches_total",
			Help: "Batch links generated, by mode.",
		}, []string{"mode"}),
		batchFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgbatch_batch_files",
			Help:    "Files per generated batch.",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 250, 500, 1000, 5000},
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgbatch_deliveries_total",
			Help: "Batch links opened and delivered.",
		}),
		deliveredFile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgbatch_delivered_files_total",
			Help: "Files re-sent while delivering batches, by result.",
		}, []string{"result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgbatch_errors_total",
			Help: "Failures by stage.",
		}, []string{"stage"}),
		floodWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgbatch_flood_waits_total",
			Help: "FLOOD_WAIT responses slept through.",
		}),
		floodSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgbatch_flood_wait_seconds_total",
			Help: "Seconds spent sleeping on FLOOD_WAIT.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgbatch_purged_batches_total",
			Help: "Batch records removed by retention.",
		}),
	}
	m.registry.MustRegister(
		m.batches,
		m.batchFiles,
		m.deliveries,
		m.deliveredFile,
		m.errors,
		m.floodWaits,
		m.floodSeconds,
		m.purged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) BatchCreated(protected bool, files int) {
	mode := "batch"
	if protected {
		mode = "pbatch"
	}
	m.batches.WithLabelValues(mode).Inc()
	m.batchFiles.Observe(float64(files))
}

func (m *Metrics) BatchDelivered(sent, failed int) {
	m.deliveries.Inc()
	m.deliveredFile.WithLabelValues("sent").Add(float64(sent))
	m.deliveredFile.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) Failure(stage string) {
	m.errors.WithLabelValues(stage).Inc()
}

func (m *Metrics) FloodWait(wait time.Duration) {
	m.floodWaits.Inc()
	m.floodSeconds.Add(wait.Seconds())
}

func (m *Metrics) BatchesPurged(n int64) {
	if n > 0 {
		m.purged.Add(float64(n))
	}
}
