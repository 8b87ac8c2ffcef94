package payout

import "github.com/prometheus/client_golang/prometheus"

var (
	payoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_payouts_total",
			Help: "Total number of payout delivery attempts by rail and result.",
		},
		[]string{"rail", "result"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_payout_delivery_duration_seconds",
			Help:    "Payout delivery duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rail"},
	)
)

func init() {
	prometheus.MustRegister(payoutsTotal)
	prometheus.MustRegister(deliveryDuration)
}
