package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	AudioBytes    *prometheus.CounterVec
	BargeInsTotal prometheus.Counter

	// Provider metrics
	ProviderEventsTotal *prometheus.CounterVec
	AgentAudioDropped   prometheus.Counter

	// Hand-off and callbacks
	TranscriptHandoffsTotal *prometheus.CounterVec
	StatusCallbacksTotal    *prometheus.CounterVec
	CallsPlacedTotal        *prometheus.CounterVec

	MonitorsActive prometheus.Gauge
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callrelay"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of calls with a live media bridge",
	})

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of bridged calls by teardown reason",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Bridged call duration in seconds",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Base64 audio bytes relayed",
		},
		[]string{"direction"},
	)

	bargeIns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Times the caller interrupted the agent",
	})

	providerEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_events_total",
			Help:      "Provider events received by type",
		},
		[]string{"type"},
	)

	agentAudioDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_audio_dropped_total",
		Help:      "Agent audio chunks dropped while the caller held the floor",
	})

	handoffs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_handoffs_total",
			Help:      "Transcript deliveries by result",
		},
		[]string{"result"},
	)

	callbacks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_callbacks_total",
			Help:      "Call lifecycle callbacks by status",
		},
		[]string{"status"},
	)

	placed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_placed_total",
			Help:      "Outbound call placement attempts by result",
		},
		[]string{"result"},
	)

	monitors := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "status_monitors_active",
		Help:      "Connected status monitor websockets",
	})

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		audioBytes,
		bargeIns,
		providerEvents,
		agentAudioDropped,
		handoffs,
		callbacks,
		placed,
		monitors,
	)

	return &Metrics{
		registry:                registry,
		CallsActive:             callsActive,
		CallsTotal:              callsTotal,
		CallDuration:            callDuration,
		AudioBytes:              audioBytes,
		BargeInsTotal:           bargeIns,
		ProviderEventsTotal:     providerEvents,
		AgentAudioDropped:       agentAudioDropped,
		TranscriptHandoffsTotal: handoffs,
		StatusCallbacksTotal:    callbacks,
		CallsPlacedTotal:        placed,
		MonitorsActive:          monitors,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio. direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

func (m *Metrics) RecordProviderEvent(eventType string) {
	if m == nil {
		return
	}
	m.ProviderEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordAgentAudioDropped() {
	if m == nil {
		return
	}
	m.AgentAudioDropped.Inc()
}

func (m *Metrics) RecordHandoff(result string) {
	if m == nil {
		return
	}
	m.TranscriptHandoffsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStatusCallback(status string) {
	if m == nil {
		return
	}
	m.StatusCallbacksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCallPlaced(result string) {
	if m == nil {
		return
	}
	m.CallsPlacedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) MonitorConnected() {
	if m == nil {
		return
	}
	m.MonitorsActive.Inc()
}

func (m *Metrics) MonitorDisconnected() {
	if m == nil {
		return
	}
	m.MonitorsActive.Dec()
}
