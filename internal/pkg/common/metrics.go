package common

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "prisoners"

var (
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "dilemma_outcomes_total",
		Help:      "Resolved dilemmas by outcome.",
	}, []string{"outcome"})

	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "payouts_total",
		Help:      "Payout attempts by result.",
	}, []string{"result"})

	ThrottleWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "throttle_warnings_total",
		Help:      "Pairing passes aborted by the address diversity check, by reason.",
	}, []string{"reason"})

	ThrottleScale = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "throttle_min_address_scale",
		Help:      "Current multiplier on the minimum unique address requirement.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected_clients",
		Help:      "Open websocket connections.",
	})
)
