package metrics

import (
	"net/http"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []stream.State{
	stream.StateIdle,
	stream.StateBuffering,
	stream.StatePlaying,
	stream.StateDraining,
	stream.StateDrained,
	stream.StateError,
}

// Metrics holds the narrator's Prometheus instruments. It implements
// stream.Observer.
type Metrics struct {
	registry *prometheus.Registry

	ChunksAccepted  *prometheus.CounterVec
	ChunkBytes      *prometheus.HistogramVec
	ChunksRejected  *prometheus.CounterVec
	BatchesFlushed  *prometheus.CounterVec
	BatchSize       prometheus.Histogram
	SegmentsPlayed  prometheus.Counter
	SegmentRetries  *prometheus.CounterVec
	SegmentsSkipped prometheus.Counter
	QueueLength     prometheus.Gauge
	StreamState     *prometheus.GaugeVec

	TransportEvents *prometheus.CounterVec
	Errors          *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "narrator"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ChunksAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_accepted_total",
			Help:      "Audio chunks normalized into segments",
		}, []string{"format"}),
		ChunkBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Size of accepted audio chunks",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 12),
		}, []string{"format"}),
		ChunksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_rejected_total",
			Help:      "Audio chunks dropped before batching",
		}, []string{"reason"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches moved into the playback queue",
		}, []string{"reason"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_segments",
			Help:      "Segments per flushed batch after coalescing",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		SegmentsPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_played_total",
			Help:      "Segments that finished playing",
		}),
		SegmentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_retries_total",
			Help:      "Fallback format attempts after a failed load or play",
		}, []string{"format"}),
		SegmentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_skipped_total",
			Help:      "Segments skipped after every format failed",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Segments waiting in the playback queue",
		}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "1 for the current playback stream state",
		}, []string{"state"}),
		TransportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Inbound transport events by kind",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the user",
		}, []string{"error_type"}),
	}

	m.registry.MustRegister(
		m.ChunksAccepted,
		m.ChunkBytes,
		m.ChunksRejected,
		m.BatchesFlushed,
		m.BatchSize,
		m.SegmentsPlayed,
		m.SegmentRetries,
		m.SegmentsSkipped,
		m.QueueLength,
		m.StreamState,
		m.TransportEvents,
		m.Errors,
	)
	m.StateChanged(stream.StateIdle)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChunkAccepted(format audio.ContainerFormat, size int) {
	m.ChunksAccepted.WithLabelValues(string(format)).Inc()
	m.ChunkBytes.WithLabelValues(string(format)).Observe(float64(size))
}

func (m *Metrics) ChunkRejected(reason string) {
	m.ChunksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) BatchFlushed(segments int, reason stream.FlushReason) {
	m.BatchesFlushed.WithLabelValues(string(reason)).Inc()
	m.BatchSize.Observe(float64(segments))
}

func (m *Metrics) SegmentPlayed() {
	m.SegmentsPlayed.Inc()
}

func (m *Metrics) SegmentRetried(format audio.ContainerFormat) {
	m.SegmentRetries.WithLabelValues(string(format)).Inc()
}

func (m *Metrics) SegmentSkipped() {
	m.SegmentsSkipped.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) StateChanged(s stream.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.StreamState.WithLabelValues(string(st)).Set(v)
	}
}

// RecordTransportEvent counts one inbound event.
func (m *Metrics) RecordTransportEvent(kind string) {
	m.TransportEvents.WithLabelValues(kind).Inc()
}

// RecordError counts one user-visible error.
func (m *Metrics) RecordError(errorType string) {
	m.Errors.WithLabelValues(errorType).Inc()
}
