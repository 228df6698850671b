package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datadrape"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamsTotal   *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	droppedLines   prometheus.Counter
	streamDuration prometheus.Histogram
	uploadsTotal   *prometheus.CounterVec
	uploadBytes    prometheus.Histogram
}

// New creates the collectors and registers them with registry. A fresh
// registry is used when registry is nil.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "streams_total",
				Help:      "Relayed chat streams by terminal outcome",
			},
			[]string{"outcome"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "events_total",
				Help:      "Outbound stream events by kind",
			},
			[]string{"kind"},
		),
		droppedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_lines_total",
			Help:      "Upstream data lines skipped because their payload was not valid JSON",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "stream_duration_seconds",
			Help:      "Time from upstream request to end of stream",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upload",
				Name:      "images_total",
				Help:      "Image uploads by result",
			},
			[]string{"result"},
		),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "image_size_bytes",
			Help:      "Size of accepted images",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8), // 1KB to 16MB
		}),
	}

	registry.MustRegister(
		m.streamsTotal,
		m.eventsTotal,
		m.droppedLines,
		m.streamDuration,
		m.uploadsTotal,
		m.uploadBytes,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStream records the end of a relayed stream.
func (m *Metrics) ObserveStream(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.streamsTotal.WithLabelValues(outcome).Inc()
	m.streamDuration.Observe(duration.Seconds())
}

// IncEvent counts one outbound event.
func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// IncDroppedLine counts one skipped upstream line.
func (m *Metrics) IncDroppedLine() {
	if m == nil {
		return
	}
	m.droppedLines.Inc()
}

// ObserveUpload records an upload attempt; size is only observed for
// accepted files.
func (m *Metrics) ObserveUpload(result string, size int64) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.uploadBytes.Observe(float64(size))
	}
}
