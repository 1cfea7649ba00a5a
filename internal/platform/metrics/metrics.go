package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the DVR.
// All methods are no-ops on a nil *Metrics so components can run without it.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	unitsAppendedTotal    *prometheus.CounterVec
	gapSegmentsTotal      prometheus.Counter
	unitsEvictedTotal     *prometheus.CounterVec
	transcodeFailures     prometheus.Counter
	slicesIngestedTotal   prometheus.Counter
	manifestsTotal        *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	recording             prometheus.Gauge
	discontinuitySequence prometheus.Gauge
	requestDuration       *prometheus.HistogramVec
	responseBytesTotal    *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the DVR.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		unitsAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_units_appended_total",
			Help: "Total number of units appended to the ledger",
		}, []string{"kind"}),
		gapSegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_gap_segments_total",
			Help: "Total number of placeholder segments inserted by gap fills",
		}),
		unitsEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_units_evicted_total",
			Help: "Total number of units evicted by retention sweeps",
		}, []string{"kind"}),
		transcodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_transcode_failures_total",
			Help: "Total number of captured slices dropped because transcoding failed",
		}),
		slicesIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_slices_ingested_total",
			Help: "Total number of captured slices appended to the ledger",
		}),
		manifestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_manifests_generated_total",
			Help: "Total number of manifests served",
		}, []string{"flavor"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_ingest_queue_depth",
			Help: "Number of captured slices waiting for the transcoder",
		}),
		recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_recording",
			Help: "1 while a recording session is active",
		}),
		discontinuitySequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_discontinuity_sequence",
			Help: "Current EXT-X-DISCONTINUITY-SEQUENCE value",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dvr_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		responseBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvr_response_bytes_total",
			Help: "Total response body bytes by route pattern",
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.unitsAppendedTotal,
		m.gapSegmentsTotal,
		m.unitsEvictedTotal,
		m.transcodeFailures,
		m.slicesIngestedTotal,
		m.manifestsTotal,
		m.queueDepth,
		m.recording,
		m.discontinuitySequence,
		m.requestDuration,
		m.responseBytesTotal,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// AddUnitsAppended counts units appended, by kind ("init" or "segment").
func (m *Metrics) AddUnitsAppended(kind string, n int) {
	if m == nil {
		return
	}
	m.unitsAppendedTotal.WithLabelValues(kind).Add(float64(n))
}

// AddGapSegments counts placeholder segments inserted.
func (m *Metrics) AddGapSegments(n int) {
	if m == nil {
		return
	}
	m.gapSegmentsTotal.Add(float64(n))
}

// AddUnitsEvicted counts evicted units, by kind.
func (m *Metrics) AddUnitsEvicted(kind string, n int) {
	if m == nil {
		return
	}
	m.unitsEvictedTotal.WithLabelValues(kind).Add(float64(n))
}

// IncTranscodeFailures counts a dropped slice.
func (m *Metrics) IncTranscodeFailures() {
	if m == nil {
		return
	}
	m.transcodeFailures.Inc()
}

// IncSlicesIngested counts a slice whose units reached the ledger.
func (m *Metrics) IncSlicesIngested() {
	if m == nil {
		return
	}
	m.slicesIngestedTotal.Inc()
}

// IncManifests counts a served manifest by flavor ("full" or "delta").
func (m *Metrics) IncManifests(flavor string) {
	if m == nil {
		return
	}
	m.manifestsTotal.WithLabelValues(flavor).Inc()
}

// SetQueueDepth sets the ingest queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetRecording sets the recording gauge.
func (m *Metrics) SetRecording(on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.recording.Set(v)
}

// SetDiscontinuitySequence sets the discontinuity sequence gauge.
func (m *Metrics) SetDiscontinuitySequence(n int64) {
	if m == nil {
		return
	}
	m.discontinuitySequence.Set(float64(n))
}

// ObserveRequest records one served request under its route pattern.
func (m *Metrics) ObserveRequest(route string, d time.Duration, bytes int) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
	m.responseBytesTotal.WithLabelValues(route).Add(float64(bytes))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
