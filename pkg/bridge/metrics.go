package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	LiveSessionsActive prometheus.Gauge
	LiveSessionsTotal  *prometheus.CounterVec
	LiveAudioInBytes   prometheus.Counter
	LiveAudioOutBytes  prometheus.Counter
	ChatTurnsTotal     *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	WSFramesTotal      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "z04"
	}

	registry := prometheus.NewRegistry()

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by terminal status",
		},
		[]string{"status"},
	)

	liveAudioInBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_in_bytes_total",
			Help:      "Total microphone PCM bytes forwarded upstream",
		},
	)

	liveAudioOutBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_out_bytes_total",
			Help:      "Total assistant PCM bytes sent to clients",
		},
	)

	chatTurnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Total chat turns served over /v1/chat",
		},
		[]string{"outcome"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"path"},
	)

	wsFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Total websocket frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	registry.MustRegister(
		liveSessionsActive,
		liveSessionsTotal,
		liveAudioInBytes,
		liveAudioOutBytes,
		chatTurnsTotal,
		requestDuration,
		wsFramesTotal,
	)

	return &Metrics{
		registry:           registry,
		LiveSessionsActive: liveSessionsActive,
		LiveSessionsTotal:  liveSessionsTotal,
		LiveAudioInBytes:   liveAudioInBytes,
		LiveAudioOutBytes:  liveAudioOutBytes,
		ChatTurnsTotal:     chatTurnsTotal,
		RequestDuration:    requestDuration,
		WSFramesTotal:      wsFramesTotal,
	}
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordLiveStart records an admitted live session.
func (m *Metrics) RecordLiveStart() {
	m.LiveSessionsActive.Inc()
}

// RecordLiveEnd records a live session ending with a terminal status.
func (m *Metrics) RecordLiveEnd(status string) {
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(status).Inc()
}

// RecordLiveRejected records a session refused before admission.
func (m *Metrics) RecordLiveRejected() {
	m.LiveSessionsTotal.WithLabelValues("rejected").Inc()
}

// RecordAudioIn records microphone bytes forwarded upstream.
func (m *Metrics) RecordAudioIn(n int) {
	if n > 0 {
		m.LiveAudioInBytes.Add(float64(n))
	}
}

// RecordAudioOut records assistant audio bytes sent to a client.
func (m *Metrics) RecordAudioOut(n int) {
	if n > 0 {
		m.LiveAudioOutBytes.Add(float64(n))
	}
}

// RecordChatTurn records one /v1/chat turn.
func (m *Metrics) RecordChatTurn(outcome string) {
	m.ChatTurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(path string, duration time.Duration) {
	m.RequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordWSFrame counts one websocket frame.
func (m *Metrics) RecordWSFrame(direction, kind string) {
	m.WSFramesTotal.WithLabelValues(direction, kind).Inc()
}
