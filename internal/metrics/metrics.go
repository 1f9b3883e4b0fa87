// Package metrics exposes tunapool prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlockNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunapool",
		Name:      "block_number",
		Help:      "Block number of the cached puzzle head.",
	})

	SharesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "shares_submitted_total",
		Help:      "Nonces received through /submit.",
	})

	SharesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "shares_rejected_total",
		Help:      "Submitted nonces that were not recorded, by reason.",
	}, []string{"reason"})

	SharesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "shares_accepted_total",
		Help:      "Shares persisted for hashrate accounting.",
	})

	WinningShares = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "winning_shares_total",
		Help:      "Shares that met the on-chain puzzle target.",
	})

	DatumSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "datum_submissions_total",
		Help:      "Datum submission state changes, by state.",
	}, []string{"state"})

	PaymentBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "payment_batches_total",
		Help:      "Payment batch state changes, by state.",
	}, []string{"state"})

	PoolHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunapool",
		Name:      "pool_hashrate",
		Help:      "Estimated pool hashrate in H/s over the last settlement window.",
	})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tunapool",
		Name:      "rate_limited_total",
		Help:      "Submit requests refused by the per-miner limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		BlockNumber,
		SharesSubmitted,
		SharesRejected,
		SharesAccepted,
		WinningShares,
		DatumSubmissions,
		PaymentBatches,
		PoolHashrate,
		RateLimited,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
