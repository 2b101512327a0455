package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Consumer transport
	InterestsSentTotal   *prometheus.CounterVec
	RetransmissionsTotal prometheus.Counter
	TimeoutsTotal        prometheus.Counter
	DataReceivedTotal    prometheus.Counter
	BytesReceivedTotal   prometheus.Counter
	FetchesTotal         *prometheus.CounterVec
	FetchesActive        prometheus.Gauge
	FetchDuration        prometheus.Histogram
	RTTEstimate          prometheus.Histogram

	// Producer
	ProducerInterestsTotal *prometheus.CounterVec
	ProducerBytesTotal     prometheus.Counter

	// Relay
	RelayInterestsTotal *prometheus.CounterVec

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram

	// Player
	SegmentsDownloadedTotal *prometheus.CounterVec
	SegmentsPlayedTotal     *prometheus.CounterVec
	SegmentsRejectedTotal   prometheus.Counter
	SegmentsSkippedTotal    prometheus.Counter
	DownloadsAbortedTotal   prometheus.Counter
	StallsTotal             prometheus.Counter
	StallDuration           prometheus.Histogram
	StartupDelay            prometheus.Gauge
	BufferLevelSeconds      prometheus.Gauge
	DownloadBitrate         prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec

	activeFetches int64
}

// NewMetrics creates all metrics on a private registry, so several instances
// can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		InterestsSentTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_interests_sent_total",
				Help: "Interests expressed by consumers",
			},
			[]string{"kind"},
		),

		RetransmissionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_retransmissions_total",
				Help: "Requests re-sent after a timeout",
			},
		),

		TimeoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_timeouts_total",
				Help: "Requests that went unanswered within the RTO",
			},
		),

		DataReceivedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_data_received_total",
				Help: "Data packets accepted by consumers",
			},
		),

		BytesReceivedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_bytes_received_total",
				Help: "Payload bytes accepted by consumers",
			},
		),

		FetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_fetches_total",
				Help: "Finished object fetches",
			},
			[]string{"status"},
		),

		FetchesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ndnstream_fetches_active",
				Help: "Fetches in progress",
			},
		),

		FetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ndnstream_fetch_duration_seconds",
				Help:    "Object fetch time distribution",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		RTTEstimate: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ndnstream_rtt_estimate_seconds",
				Help:    "Smoothed RTT sampled once per stats interval",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		ProducerInterestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_producer_interests_total",
				Help: "Interests handled by producers",
			},
			[]string{"result"},
		),

		ProducerBytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_producer_bytes_total",
				Help: "Content bytes served",
			},
		),

		QUICConnectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ndnstream_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ndnstream_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		SegmentsDownloadedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_segments_downloaded_total",
				Help: "Media segments downloaded",
			},
			[]string{"representation"},
		),

		SegmentsPlayedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_segments_played_total",
				Help: "Media segments consumed by playback",
			},
			[]string{"representation"},
		),

		SegmentsRejectedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_segments_rejected_total",
				Help: "Downloaded segments the buffer refused",
			},
		),

		SegmentsSkippedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_segments_skipped_total",
				Help: "Segments playback passed over because they could not be fetched",
			},
		),

		DownloadsAbortedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_downloads_aborted_total",
				Help: "Segment downloads abandoned during a stall",
			},
		),

		StallsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ndnstream_stalls_total",
				Help: "Playback freezes",
			},
		),

		StallDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ndnstream_stall_duration_seconds",
				Help:    "Length of playback freezes",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		StartupDelay: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ndnstream_startup_delay_seconds",
				Help: "Time from stream start to the first played segment",
			},
		),

		BufferLevelSeconds: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ndnstream_buffer_level_seconds",
				Help: "Buffered media after the last consumed segment",
			},
		),

		DownloadBitrate: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ndnstream_download_bitrate_bps",
				Help: "Goodput of the last finished fetch",
			},
		),

		RelayInterestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_relay_interests_total",
				Help: "Interests handled by a relay, by outcome",
			},
			[]string{"result"},
		),

		DatabaseOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ndnstream_database_operations_total",
				Help: "Database operation count",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// FetchStarted increments the active fetch gauge.
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.FetchesActive.Set(float64(atomic.AddInt64(&m.activeFetches, 1)))
}

// FetchFinished records a completed, missing or aborted fetch.
func (m *Metrics) FetchFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FetchesActive.Set(float64(atomic.AddInt64(&m.activeFetches, -1)))
	m.FetchesTotal.WithLabelValues(status).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

// RecordInterest counts an expressed Interest of the given kind.
func (m *Metrics) RecordInterest(kind string) {
	if m == nil {
		return
	}
	m.InterestsSentTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRetransmission() {
	if m == nil {
		return
	}
	m.RetransmissionsTotal.Inc()
}

func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.TimeoutsTotal.Inc()
}

// RecordData counts an accepted Data packet.
func (m *Metrics) RecordData(bytes int) {
	if m == nil {
		return
	}
	m.DataReceivedTotal.Inc()
	m.BytesReceivedTotal.Add(float64(bytes))
}

func (m *Metrics) RecordRTT(rtt time.Duration) {
	if m == nil || rtt <= 0 {
		return
	}
	m.RTTEstimate.Observe(rtt.Seconds())
}

// RecordProducerInterest counts an Interest seen by a producer; result is
// "manifest", "chunk", "miss" or "throttled".
func (m *Metrics) RecordProducerInterest(result string, bytes int) {
	if m == nil {
		return
	}
	m.ProducerInterestsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.ProducerBytesTotal.Add(float64(bytes))
	}
}

// RecordRelayInterest counts an Interest seen by a relay; result is "hit",
// "forwarded", "aggregated" or "expired".
func (m *Metrics) RecordRelayInterest(result string) {
	if m == nil {
		return
	}
	m.RelayInterestsTotal.WithLabelValues(result).Inc()
}

// RecordQUICConnection logs QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(duration time.Duration) {
	if m == nil {
		return
	}
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(duration.Seconds())
}

// RecordSegmentDownloaded records a finished segment fetch.
func (m *Metrics) RecordSegmentDownloaded(representation string, bitrate float64) {
	if m == nil {
		return
	}
	m.SegmentsDownloadedTotal.WithLabelValues(representation).Inc()
	m.DownloadBitrate.Set(bitrate)
}

// RecordSegmentPlayed records a consumed segment and any freeze before it.
func (m *Metrics) RecordSegmentPlayed(representation string, stall time.Duration, bufferLevel float64) {
	if m == nil {
		return
	}
	m.SegmentsPlayedTotal.WithLabelValues(representation).Inc()
	m.BufferLevelSeconds.Set(bufferLevel)
	if stall > 0 {
		m.StallsTotal.Inc()
		m.StallDuration.Observe(stall.Seconds())
	}
}

func (m *Metrics) RecordStartupDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.StartupDelay.Set(d.Seconds())
}

func (m *Metrics) RecordSegmentRejected() {
	if m == nil {
		return
	}
	m.SegmentsRejectedTotal.Inc()
}

func (m *Metrics) RecordSegmentSkipped() {
	if m == nil {
		return
	}
	m.SegmentsSkippedTotal.Inc()
}

func (m *Metrics) RecordDownloadAborted() {
	if m == nil {
		return
	}
	m.DownloadsAbortedTotal.Inc()
}

// RecordDatabaseOperation counts a storage operation.
func (m *Metrics) RecordDatabaseOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
