package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service.
// Every Record/Set method is safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Media Metrics
	roomsActive     prometheus.Gauge
	peersActive     prometheus.Gauge
	producersActive *prometheus.GaugeVec
	consumersActive prometheus.Gauge
	workerRooms     *prometheus.GaugeVec
	workerDeaths    prometheus.Counter
	engineErrors    *prometheus.CounterVec

	// Notification Metrics
	notificationsTotal   *prometheus.CounterVec
	notificationsDropped *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors",
				ConstLabels: labels,
			},
			[]string{"code"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call transitions by final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of live calls owned by this instance",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call operations",
				ConstLabels: labels,
			},
			[]string{"operation", "code"},
		),

		roomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "media_rooms_active",
				Help:        "Number of open media rooms",
				ConstLabels: labels,
			},
		),
		peersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "media_peers_active",
				Help:        "Number of peers across all rooms",
				ConstLabels: labels,
			},
		),
		producersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "media_producers_active",
				Help:        "Number of live producers",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		consumersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "media_consumers_active",
				Help:        "Number of live consumers",
				ConstLabels: labels,
			},
		),
		workerRooms: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "media_worker_rooms",
				Help:        "Rooms bound to each media worker",
				ConstLabels: labels,
			},
			[]string{"worker"},
		),
		workerDeaths: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "media_worker_deaths_total",
				Help:        "Total number of media workers replaced after dying",
				ConstLabels: labels,
			},
		),
		engineErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "media_engine_errors_total",
				Help:        "Total number of media engine failures by operation",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_notifications_total",
				Help:        "Total number of notifications delivered to client channels",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		notificationsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_notifications_dropped_total",
				Help:        "Total number of notifications dropped for slow or closed channels",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications sent",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
		pushNotificationsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "platform"},
		),
	}

	return m
}

// GetRegistry returns the registry backing these metrics
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

func (m *Metrics) SetWebSocketConnections(count int) {
	if m == nil {
		return
	}
	m.websocketConnections.Set(float64(count))
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(code string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(code).Inc()
}

// Call Metrics Methods

// RecordCall records a call reaching status
func (m *Metrics) RecordCall(callType, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

func (m *Metrics) IncActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) DecActiveCalls() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallFailure(operation, code string) {
	if m == nil {
		return
	}
	m.callsFailedTotal.WithLabelValues(operation, code).Inc()
}

// Media Metrics Methods

func (m *Metrics) SetRooms(count int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(count))
}

func (m *Metrics) AddPeers(delta int) {
	if m == nil {
		return
	}
	m.peersActive.Add(float64(delta))
}

func (m *Metrics) AddProducers(kind string, delta int) {
	if m == nil {
		return
	}
	m.producersActive.WithLabelValues(kind).Add(float64(delta))
}

func (m *Metrics) AddConsumers(delta int) {
	if m == nil {
		return
	}
	m.consumersActive.Add(float64(delta))
}

func (m *Metrics) SetWorkerRooms(workerID string, rooms int) {
	if m == nil {
		return
	}
	m.workerRooms.WithLabelValues(workerID).Set(float64(rooms))
}

func (m *Metrics) ForgetWorker(workerID string) {
	if m == nil {
		return
	}
	m.workerRooms.DeleteLabelValues(workerID)
	m.workerDeaths.Inc()
}

func (m *Metrics) RecordEngineError(operation string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(operation).Inc()
}

// Notification Metrics Methods

func (m *Metrics) RecordNotification(event string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordNotificationDropped(event string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(event).Inc()
}

// Push Notification Metrics Methods

func (m *Metrics) RecordPushNotification(notifType, platform string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType, platform).Inc()
}

func (m *Metrics) RecordPushNotificationFailure(notifType, platform string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType, platform).Inc()
}
