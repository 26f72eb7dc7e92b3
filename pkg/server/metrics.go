package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the server. Exposed on the
// internal metrics HTTP listener under /metrics.
type Metrics struct {
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	requestsReceived *prometheus.CounterVec
	eventsSent       *prometheus.CounterVec
	errorsSent       *prometheus.CounterVec

	messagesPersisted   prometheus.Counter
	broadcastRecipients prometheus.Counter

	challengesStarted   prometheus.Counter
	challengesCompleted *prometheus.CounterVec
	gameDuration        prometheus.Histogram
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duelchat_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duelchat_sessions_created_total",
			Help: "Total sessions created since startup",
		}),
		sessionsDisconnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duelchat_sessions_disconnected_total",
			Help: "Total sessions disconnected since startup",
		}),
		requestsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duelchat_requests_received_total",
			Help: "Requests received, by action",
		}, []string{"action"}),
		eventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duelchat_events_sent_total",
			Help: "Events sent to clients, by type",
		}, []string{"type"}),
		errorsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duelchat_errors_sent_total",
			Help: "Error responses sent, by action",
		}, []string{"action"}),
		messagesPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duelchat_messages_persisted_total",
			Help: "Chat and system messages written to the database",
		}),
		broadcastRecipients: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duelchat_broadcast_recipients_total",
			Help: "Total event deliveries across all broadcasts",
		}),
		challengesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duelchat_challenges_started_total",
			Help: "Challenges created",
		}),
		challengesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "duelchat_challenges_completed_total",
			Help: "Challenges resolved, by outcome",
		}, []string{"outcome"}),
		gameDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "duelchat_game_duration_seconds",
			Help:    "Wall-clock duration of supervised game processes",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~1h
		}),
	}
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordRequestReceived(action string) {
	m.requestsReceived.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordEventSent(eventType string) {
	m.eventsSent.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordErrorSent(action string) {
	m.errorsSent.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordMessagePersisted() {
	m.messagesPersisted.Inc()
}

func (m *Metrics) RecordBroadcastRecipients(count int) {
	m.broadcastRecipients.Add(float64(count))
}

func (m *Metrics) RecordChallengeStarted() {
	m.challengesStarted.Inc()
}

// RecordChallengeCompleted records a resolved challenge. outcome is one of
// "winner", "no_winner", "declined" or "timeout".
func (m *Metrics) RecordChallengeCompleted(outcome string) {
	m.challengesCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGameDuration(seconds float64) {
	m.gameDuration.Observe(seconds)
}
