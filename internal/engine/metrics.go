package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/escrowd/internal/model"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_engine_operations_total",
			Help: "Total number of engine operations by outcome code.",
		},
		[]string{"op", "code"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_engine_transitions_total",
			Help: "Total number of committed engagement status transitions.",
		},
		[]string{"from", "to"},
	)

	escrowDepositedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_escrow_deposited_minor_units_total",
			Help: "Total value credited into escrow, in minor units.",
		},
	)

	escrowDisbursedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_escrow_disbursed_minor_units_total",
			Help: "Total value queued for payout, in minor units, by payout kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(escrowDepositedTotal)
	prometheus.MustRegister(escrowDisbursedTotal)
}

// observe records the outcome of one operation.
func observe(op string, err error) {
	code := "OK"
	if err != nil {
		code = string(model.ErrorCode(err))
	}
	operationsTotal.WithLabelValues(op, code).Inc()
}

func observeChange(from, to model.Status, payouts []model.Payout) {
	if from != to {
		transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	for _, p := range payouts {
		escrowDisbursedTotal.WithLabelValues(string(p.Kind)).Add(float64(p.Amount))
	}
}
