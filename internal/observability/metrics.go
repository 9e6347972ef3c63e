package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "rides_created_total", Help: "Ride requests created"})
	RidesMatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "rides_matched_total", Help: "Rides matched to a captain"})
	RidesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "rides_expired_total", Help: "Rides expired without a match"})

	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "bids_submitted_total", Help: "Bids submitted by captains"})
	BidsRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "bids_rejected_total", Help: "Bids rejected (including force-rejects)"})

	NegotiationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "negotiation_conflicts_total", Help: "Negotiation calls rejected due to stale state"})

	SweepsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "sweeps_total", Help: "Escalation sweeper passes"})
	SweepActions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "sweep_actions_total", Help: "Rides escalated or expired by the sweeper"})

	PresencePings = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi", Name: "presence_pings_total", Help: "Captain presence updates"})

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
