// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcribe"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	SessionsFailed  *prometheus.CounterVec

	// Provider connection metrics
	ProviderConnects    prometheus.Counter
	ProviderConnectErrs *prometheus.CounterVec
	ProviderDisconnects prometheus.Counter
	ProviderConnectTime prometheus.Histogram

	// Audio metrics
	AudioBytesForwarded  prometheus.Counter
	AudioFramesForwarded prometheus.Counter
	AudioFramesDiscarded *prometheus.CounterVec
	AudioFramesRejected  prometheus.Counter

	// Transcript metrics
	TurnsFinalized     prometheus.Counter
	TurnsDuplicate     prometheus.Counter
	PartialsReceived   prometheus.Counter
	SpeakersIdentified prometheus.Histogram

	// Client command metrics
	CommandsReceived  *prometheus.CounterVec
	CommandsMalformed prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of transcription sessions started",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active transcription sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of transcription sessions in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that ended with a fatal error",
		}, []string{"reason"}),

		ProviderConnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connects_total",
			Help:      "Total number of successful provider connections",
		}),
		ProviderConnectErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_connect_errors_total",
			Help:      "Total number of failed provider connection attempts",
		}, []string{"kind"}),
		ProviderDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_disconnects_total",
			Help:      "Total number of unexpected provider disconnections",
		}),
		ProviderConnectTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_connect_seconds",
			Help:      "Time to establish a provider connection in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		AudioBytesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Total audio bytes forwarded to the provider",
		}),
		AudioFramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Total audio frames forwarded to the provider",
		}),
		AudioFramesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_discarded_total",
			Help:      "Total audio frames discarded without forwarding",
		}, []string{"reason"}),
		AudioFramesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_rejected_total",
			Help:      "Total audio frames rejected as malformed",
		}),

		TurnsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finalized_total",
			Help:      "Total number of turns finalized into transcript blocks",
		}),
		TurnsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_duplicate_total",
			Help:      "Total number of duplicate final turn events ignored",
		}),
		PartialsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_received_total",
			Help:      "Total number of partial turn events received",
		}),
		SpeakersIdentified: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speakers_identified",
			Help:      "Number of distinct speakers identified per session",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		}),

		CommandsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_received_total",
			Help:      "Total number of client commands received",
		}, []string{"command"}),
		CommandsMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_malformed_total",
			Help:      "Total number of malformed client messages",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session ending with a fatal error.
func (m *Metrics) RecordSessionFailed(reason string) {
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

// RecordProviderConnect records a successful provider connection.
func (m *Metrics) RecordProviderConnect(seconds float64) {
	m.ProviderConnects.Inc()
	m.ProviderConnectTime.Observe(seconds)
}

// RecordProviderConnectError records a failed provider connection attempt.
func (m *Metrics) RecordProviderConnectError(kind string) {
	m.ProviderConnectErrs.WithLabelValues(kind).Inc()
}

// RecordProviderDisconnect records an unexpected provider disconnection.
func (m *Metrics) RecordProviderDisconnect() {
	m.ProviderDisconnects.Inc()
}

// RecordAudioForwarded records an audio frame forwarded to the provider.
func (m *Metrics) RecordAudioForwarded(bytes int) {
	m.AudioBytesForwarded.Add(float64(bytes))
	m.AudioFramesForwarded.Inc()
}

// RecordAudioDiscarded records an audio frame discarded without forwarding.
func (m *Metrics) RecordAudioDiscarded(reason string) {
	m.AudioFramesDiscarded.WithLabelValues(reason).Inc()
}

// RecordAudioRejected records a malformed audio frame.
func (m *Metrics) RecordAudioRejected() {
	m.AudioFramesRejected.Inc()
}

// RecordTurnFinalized records a turn finalized into a transcript block.
func (m *Metrics) RecordTurnFinalized() {
	m.TurnsFinalized.Inc()
}

// RecordDuplicateTurn records a duplicate final turn event being ignored.
func (m *Metrics) RecordDuplicateTurn() {
	m.TurnsDuplicate.Inc()
}

// RecordPartial records a partial turn event.
func (m *Metrics) RecordPartial() {
	m.PartialsReceived.Inc()
}

// RecordCommand records a client command by name.
func (m *Metrics) RecordCommand(command string) {
	m.CommandsReceived.WithLabelValues(command).Inc()
}

// RecordMalformedCommand records a malformed client message.
func (m *Metrics) RecordMalformedCommand() {
	m.CommandsMalformed.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
