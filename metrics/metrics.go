package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and gauges. Registered on the default registry and
// served by the API's /metrics endpoint.
var (
	RequestsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_requests_admitted_total",
		Help: "Number of transfer requests admitted as pending.",
	})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "servicenode_requests_rejected_total",
		Help: "Number of transfer requests rejected at admission, by reason.",
	}, []string{"reason"})

	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_requests_submitted_total",
		Help: "Number of transactions accepted into the chain's pending pool.",
	})

	RequestsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_requests_confirmed_total",
		Help: "Number of transfer requests confirmed on-chain.",
	})

	RequestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_requests_failed_total",
		Help: "Number of transfer requests that reached the failed state.",
	})

	RequestsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_requests_requeued_total",
		Help: "Number of submissions released back to pending for retry.",
	})

	BidsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "servicenode_bids_issued_total",
		Help: "Number of bids issued.",
	})

	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "servicenode_pending_requests",
		Help: "Number of requests currently pending submission.",
	})

	LastAssignedNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "servicenode_last_assigned_nonce",
		Help: "Most recently assigned signing nonce.",
	})
)
