// Package metrics provides Prometheus instrumentation for the marketplace chat
// client. Counters track outgoing requests by outcome; gauges track live
// store subscriptions and open modal sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// MessagesSent counts send attempts, labeled by kind ("text", "image")
	// and result.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_messages_sent_total",
		Help: "Total number of chat messages sent",
	}, []string{"kind", "result"})

	// PresenceBeacons counts activity beacons by result.
	PresenceBeacons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_presence_beacons_total",
		Help: "Total number of presence beacons posted",
	}, []string{"result"})

	// TypingSignals counts typing flags published, labeled by state
	// ("true", "false").
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_typing_signals_total",
		Help: "Total number of typing signals published",
	}, []string{"state"})

	// TransactionActions counts deal requests and confirmations.
	TransactionActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_transaction_actions_total",
		Help: "Total number of transaction actions",
	}, []string{"action", "result"}) // action = "request", "confirm"

	// StoreUpdates counts snapshots received, labeled by concern
	// ("messages", "typing", "presence").
	StoreUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_store_updates_total",
		Help: "Total number of realtime store snapshots received",
	}, []string{"concern"})

	// ActiveSubscriptions tracks live store subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_active_subscriptions",
		Help: "Current number of live store subscriptions",
	})

	// OpenSessions tracks open chat modals.
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_open_sessions",
		Help: "Current number of open chat modal sessions",
	})

	// RequestLatency records backend request latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketchat_request_latency_seconds",
		Help:    "Backend request latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		PresenceBeacons,
		TypingSignals,
		TransactionActions,
		StoreUpdates,
		ActiveSubscriptions,
		OpenSessions,
		RequestLatency,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
