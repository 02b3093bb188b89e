package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionOutcomes    *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	RingToAnswerTime   prometheus.Histogram
	BusyRejectsTotal   prometheus.Counter
	SessionsCreated    *prometheus.CounterVec

	// Signaling metrics
	SignalingMessagesTotal *prometheus.CounterVec
	SignalingDroppedTotal  *prometheus.CounterVec
	SignalingReconnects    prometheus.Counter

	// Push-wake metrics
	WakeEventsTotal      *prometheus.CounterVec
	AMQPConnectionStatus prometheus.Gauge

	// Media metrics
	NegotiationTime     prometheus.Histogram
	MediaFailuresTotal  *prometheus.CounterVec
	MediaTeardownsTotal prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_sessions_active",
				Help: "Number of non-terminal call sessions",
			},
		)

		SessionOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_session_outcomes_total",
				Help: "Terminal call session outcomes by end reason",
			},
			[]string{"reason"},
		)

		SessionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_session_duration_seconds",
				Help:    "Call session duration from creation to terminal transition",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"media_kind"},
		)

		RingToAnswerTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callbridge_ring_to_answer_seconds",
				Help:    "Time from session creation to media negotiation completion",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45},
			},
		)

		BusyRejectsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_busy_rejects_total",
				Help: "Inbound call attempts auto-rejected because the pair was busy",
			},
		)

		SessionsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_sessions_created_total",
				Help: "Call sessions created by direction",
			},
			[]string{"direction"},
		)

		SignalingMessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_signaling_messages_total",
				Help: "Signaling messages by type and direction",
			},
			[]string{"type", "direction"},
		)

		SignalingDroppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_signaling_dropped_total",
				Help: "Signaling messages dropped by reason",
			},
			[]string{"reason"},
		)

		SignalingReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_signaling_reconnects_total",
				Help: "Reconnect attempts of the signaling transport",
			},
		)

		WakeEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_wake_events_total",
				Help: "Push-wake events by handling result",
			},
			[]string{"result"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callbridge_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		NegotiationTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callbridge_media_negotiation_seconds",
				Help:    "Time the media engine needed to complete negotiation",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
		)

		MediaFailuresTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_media_failures_total",
				Help: "Media engine failures by phase",
			},
			[]string{"phase"},
		)

		MediaTeardownsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callbridge_media_teardowns_total",
				Help: "Media engine teardown calls",
			},
		)

		registry.MustRegister(
			SessionsActive,
			SessionOutcomes,
			SessionDuration,
			RingToAnswerTime,
			BusyRejectsTotal,
			SessionsCreated,
			SignalingMessagesTotal,
			SignalingDroppedTotal,
			SignalingReconnects,
			WakeEventsTotal,
			AMQPConnectionStatus,
			NegotiationTime,
			MediaFailuresTotal,
			MediaTeardownsTotal,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// StartMetrics initializes the metrics service.
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		SetMetricsEnabled(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	SetMetricsEnabled(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// GetHandler returns an HTTP handler serving the metrics registry.
func GetHandler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetMetricsEnabled enables or disables metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RecordSessionCreated records a new session by direction.
func RecordSessionCreated(direction string) {
	if metricsEnabled && SessionsCreated != nil {
		SessionsCreated.WithLabelValues(direction).Inc()
		SessionsActive.Inc()
	}
}

// RecordSessionEnded records a terminal transition.
func RecordSessionEnded(reason, mediaKind string, lifetime time.Duration) {
	if metricsEnabled && SessionOutcomes != nil {
		SessionOutcomes.WithLabelValues(reason).Inc()
		SessionDuration.WithLabelValues(mediaKind).Observe(lifetime.Seconds())
		SessionsActive.Dec()
	}
}

// RecordRingToAnswer records how long the ring phase lasted before media flowed.
func RecordRingToAnswer(d time.Duration) {
	if metricsEnabled && RingToAnswerTime != nil {
		RingToAnswerTime.Observe(d.Seconds())
	}
}

// RecordBusyReject records an auto-rejected inbound attempt.
func RecordBusyReject() {
	if metricsEnabled && BusyRejectsTotal != nil {
		BusyRejectsTotal.Inc()
	}
}

// RecordSignalingMessage records a signaling message by type and direction.
func RecordSignalingMessage(msgType, direction string) {
	if metricsEnabled && SignalingMessagesTotal != nil {
		SignalingMessagesTotal.WithLabelValues(msgType, direction).Inc()
	}
}

// RecordSignalingDropped records a dropped signaling message.
func RecordSignalingDropped(reason string) {
	if metricsEnabled && SignalingDroppedTotal != nil {
		SignalingDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// RecordSignalingReconnect records a signaling transport reconnect attempt.
func RecordSignalingReconnect() {
	if metricsEnabled && SignalingReconnects != nil {
		SignalingReconnects.Inc()
	}
}

// RecordWakeEvent records a push-wake event by handling result.
func RecordWakeEvent(result string) {
	if metricsEnabled && WakeEventsTotal != nil {
		WakeEventsTotal.WithLabelValues(result).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status gauge.
func SetAMQPConnectionStatus(connected bool) {
	if metricsEnabled && AMQPConnectionStatus != nil {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}

// ObserveNegotiation returns a timer function recording negotiation duration.
func ObserveNegotiation() func() {
	if !metricsEnabled || NegotiationTime == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		NegotiationTime.Observe(time.Since(start).Seconds())
	}
}

// RecordMediaFailure records a media engine failure by phase.
func RecordMediaFailure(phase string) {
	if metricsEnabled && MediaFailuresTotal != nil {
		MediaFailuresTotal.WithLabelValues(phase).Inc()
	}
}

// RecordMediaTeardown records a media engine teardown call.
func RecordMediaTeardown() {
	if metricsEnabled && MediaTeardownsTotal != nil {
		MediaTeardownsTotal.Inc()
	}
}
