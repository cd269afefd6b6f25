package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the login flow
var (
	loginsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bffd_logins_started_total",
		Help: "Total number of login redirects issued to the identity provider",
	})

	loginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bffd_login_outcomes_total",
		Help: "Total number of completed callbacks by outcome",
	}, []string{"outcome"})

	discoveryFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bffd_discovery_fetches_total",
		Help: "Total number of discovery document fetches by result",
	}, []string{"result"})

	tokenExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bffd_token_exchange_duration_seconds",
		Help:    "Time spent exchanging authorization codes at the identity provider",
		Buckets: prometheus.DefBuckets,
	})

	logouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bffd_logouts_total",
		Help: "Total number of logout requests",
	})
)
