package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "signet"

var (
	issuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "certificates_issued_total",
		Help:      "Total number of certificates issued",
	})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "requests_rejected_total",
		Help:      "Total number of signing requests rejected by validation or policy",
	})

	signingFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "signing_failures_total",
		Help:      "Total number of capability-provider signing failures",
	})

	revokedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "certificates_revoked_total",
		Help:      "Total number of certificates marked revoked",
	})
)
