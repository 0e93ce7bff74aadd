package runner

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one session. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	AnswersTotal      *prometheus.CounterVec
	AnswerDuration    prometheus.Histogram
	TrackAcquisitions *prometheus.CounterVec
	FramesCaptured    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "alloy"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently connected to a room",
		},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_events_total",
			Help:      "Room events received, by kind and whether they produced an answer",
		},
		[]string{"kind", "result"},
	)

	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answer pipeline invocations by outcome",
		},
		[]string{"outcome", "image"},
	)

	answerDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "Time from user turn to spoken reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	trackAcquisitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_acquisitions_total",
			Help:      "Video track acquisition attempts by result",
		},
		[]string{"result"},
	)

	framesCaptured := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Video frames stored as the latest frame",
		},
	)

	registry.MustRegister(
		sessionsActive,
		eventsTotal,
		answersTotal,
		answerDuration,
		trackAcquisitions,
		framesCaptured,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		EventsTotal:       eventsTotal,
		AnswersTotal:      answersTotal,
		AnswerDuration:    answerDuration,
		TrackAcquisitions: trackAcquisitions,
		FramesCaptured:    framesCaptured,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordEvent(kind, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordAnswer(ok, usedImage bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	image := "false"
	if usedImage {
		image = "true"
	}
	m.AnswersTotal.WithLabelValues(outcome, image).Inc()
	if ok {
		m.AnswerDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordTrackAcquisition(found bool) {
	if m == nil {
		return
	}
	result := "timeout"
	if found {
		result = "found"
	}
	m.TrackAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}
