// Package metrics exposes the services' internal counters as Prometheus
// collectors. The components keep their own atomic counters; this package
// projects those snapshots through CounterFunc and GaugeFunc so scrapes
// never touch hot-path locks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/illmade-knight/go-curation/pkg/bridge"
	"github.com/illmade-knight/go-curation/pkg/cache"
	"github.com/illmade-knight/go-curation/pkg/ingestion"
)

const namespace = "curation"

// NewRegistry returns a private registry with the standard Go and process
// collectors pre-registered.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func counterFunc(subsystem, name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func gaugeFunc(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// RegisterBridge exposes the bridge's traffic counters.
func RegisterBridge(registry *prometheus.Registry, b *bridge.Bridge) {
	stat := func(get func(bridge.Stats) int64) func() float64 {
		return func() float64 { return float64(get(b.Stats())) }
	}
	registry.MustRegister(
		counterFunc("bridge", "messages_received_total", "Messages received on the uncurated leg.",
			stat(func(s bridge.Stats) int64 { return s.Received })),
		counterFunc("bridge", "messages_transformed_total", "Messages transformed and republished.",
			stat(func(s bridge.Stats) int64 { return s.Transformed })),
		counterFunc("bridge", "messages_dropped_total", "Messages dropped for lack of an approved mapping.",
			stat(func(s bridge.Stats) int64 { return s.Dropped })),
		counterFunc("bridge", "messages_excluded_total", "Messages skipped by topic prefix exclusion.",
			stat(func(s bridge.Stats) int64 { return s.Excluded })),
		counterFunc("bridge", "publish_errors_total", "Failed publishes on the curated leg.",
			stat(func(s bridge.Stats) int64 { return s.PublishErrors })),
		counterFunc("bridge", "export_errors_total", "Failed exports to the downstream feed.",
			stat(func(s bridge.Stats) int64 { return s.ExportErrors })),
		counterFunc("bridge", "lineage_dropped_total", "Lineage records shed because the queue was full.",
			stat(func(s bridge.Stats) int64 { return s.LineageDropped })),
		counterFunc("bridge", "lineage_errors_total", "Lineage records that failed to persist.",
			stat(func(s bridge.Stats) int64 { return s.LineageErrors })),
		gaugeFunc("bridge", "transform_rate", "Transformed over received since start.",
			func() float64 { return b.Stats().TransformRate }),
	)
}

// RegisterWorker exposes the ingestion worker's batch counters.
func RegisterWorker(registry *prometheus.Registry, w *ingestion.Worker) {
	stat := func(get func(ingestion.WorkerStats) int64) func() float64 {
		return func() float64 { return float64(get(w.Stats())) }
	}
	registry.MustRegister(
		counterFunc("ingestion", "records_processed_total", "Records flushed to the warehouse.",
			stat(func(s ingestion.WorkerStats) int64 { return s.Processed })),
		counterFunc("ingestion", "batches_total", "Batches flushed.",
			stat(func(s ingestion.WorkerStats) int64 { return s.Batches })),
		counterFunc("ingestion", "record_errors_total", "Records in failed batches.",
			stat(func(s ingestion.WorkerStats) int64 { return s.Errors })),
		counterFunc("ingestion", "records_conformant_total", "Records whose payload matched the binding schema.",
			stat(func(s ingestion.WorkerStats) int64 { return s.Conformant })),
		counterFunc("ingestion", "records_non_conformant_total", "Records with schema violations.",
			stat(func(s ingestion.WorkerStats) int64 { return s.NonConformant })),
		counterFunc("ingestion", "records_unbound_total", "Records on topics with no binding.",
			stat(func(s ingestion.WorkerStats) int64 { return s.Unbound })),
	)
}

// RegisterIngestionService exposes the intake queue counters.
func RegisterIngestionService(registry *prometheus.Registry, svc *ingestion.Service) {
	registry.MustRegister(
		counterFunc("ingestion", "payloads_rejected_total", "Payloads shed by the size guard.",
			func() float64 { return float64(svc.Stats().Rejected) }),
		counterFunc("ingestion", "queue_dropped_total", "Messages shed because the intake queue was full.",
			func() float64 { return float64(svc.Stats().QueueDropped) }),
		gaugeFunc("ingestion", "queue_length", "Messages waiting in the intake queue.",
			func() float64 { return float64(svc.Stats().QueueLen) }),
	)
}

// SnapshotSource is anything exposing snapshot-cache statistics.
type SnapshotSource interface {
	Stats() cache.SnapshotStats
}

// RegisterSnapshotCache exposes one snapshot cache's hit counters under the
// given cache name label value.
func RegisterSnapshotCache(registry *prometheus.Registry, name string, src SnapshotSource) {
	labels := prometheus.Labels{"cache": name}
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Entries in the current snapshot.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.Stats().Size) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Lookups answered by the snapshot.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Lookups with no entry in the snapshot.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "refresh_failures_total",
			Help:        "Background refreshes that failed.",
			ConstLabels: labels,
		}, func() float64 { return float64(src.Stats().RefreshFailures) }),
	)
}
