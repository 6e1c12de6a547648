// Package metrics exposes pool collectors to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghostpool"

var (
	SessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_connected",
		Help:      "Number of open stratum connections.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Connections subscribed to job notifications.",
	})

	TemplatesCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "templates_cached",
		Help:      "Block templates live in the job window.",
	})

	PendingContributions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_contributions",
		Help:      "Accepted shares waiting for the next block.",
	})

	PendingBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_blocks",
		Help:      "Found blocks whose contributions are not yet distributed.",
	})

	QueuedPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_payments",
		Help:      "Distribution requests waiting for the ledger.",
	})

	Shares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_total",
		Help:      "Submitted shares by result.",
	}, []string{"result"})

	BlockSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_submissions_total",
		Help:      "Block submission attempts by result.",
	}, []string{"result"})

	JobsAnnounced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_announced_total",
		Help:      "Jobs broadcast to subscribers.",
	})

	PayoutsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payouts_sent_total",
		Help:      "Payout transactions sent to miners.",
	})

	PaidAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "paid_amount_total",
		Help:      "Total amount paid out to miners in base units.",
	})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per collaborator (0 closed, 1 open, 2 half-open).",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(
		SessionsConnected,
		Subscribers,
		TemplatesCached,
		PendingContributions,
		PendingBlocks,
		QueuedPayments,
		Shares,
		BlockSubmissions,
		JobsAnnounced,
		PayoutsSent,
		PaidAmount,
		BreakerState,
	)
}

// Handler returns the HTTP handler serving the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
