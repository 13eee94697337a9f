package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_online_users",
		Help: "Number of users with a live signaling connection.",
	})

	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "calls_active",
		Help: "Number of non-ended call sessions tracked by the relay.",
	})

	CallsInitiated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_initiated_total",
		Help: "Total call initiations by outcome.",
	}, []string{"outcome"}) // created/busy/offline/glare/capacity

	CallsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_ended_total",
		Help: "Total ended calls by reason.",
	}, []string{"reason"})

	CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Answered-call durations in seconds.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	SignalingMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_total",
		Help: "Total signaling messages by type and direction.",
	}, []string{"type", "direction"}) // in/out

	SignalingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_errors_total",
		Help: "Total signaling errors returned to clients by code.",
	}, []string{"code"})

	CandidatesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "candidates_buffered_total",
		Help: "Candidates parked in the pending buffer before accept.",
	})

	CandidatesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "candidates_forwarded_total",
		Help: "Candidates relayed to the peer, buffered flushes included.",
	})

	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_auth_failures_total",
		Help: "Connections rejected during the auth handshake.",
	})

	ConnectionsSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_superseded_total",
		Help: "Connections closed because the user reconnected elsewhere.",
	})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		OnlineUsers, ActiveCalls,
		CallsInitiated, CallsEnded, CallDuration,
		SignalingMessages, SignalingErrors,
		CandidatesBuffered, CandidatesForwarded,
		AuthFailures, ConnectionsSuperseded,
	)
}
