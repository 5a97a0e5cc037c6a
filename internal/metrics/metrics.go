// Package metrics exposes Prometheus collectors for the gateway, voice SFU,
// and federation ingress as package-level collectors bound to a private
// registry, served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexus"

// Registry is the collector registry served by Handler. Kept separate from
// prometheus.DefaultRegisterer so tests can construct collectors without
// colliding with other packages' registration.
var Registry = prometheus.NewRegistry()

var (
	// GatewaySessionsActive tracks currently connected gateway sessions.
	GatewaySessionsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Number of gateway sessions currently connected.",
	})

	// GatewayResumesTotal counts session resume attempts, by outcome.
	GatewayResumesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "resumes_total",
		Help:      "Total number of RESUME attempts, labeled by outcome.",
	}, []string{"outcome"})

	// VoiceRoomsActive tracks the number of running SFU rooms, including
	// rooms that have no peer yet.
	VoiceRoomsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "rooms_active",
		Help:      "Number of voice channels with an active SFU room.",
	})

	// VoicePeersActive tracks connected voice peers across all rooms.
	VoicePeersActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "voice",
		Name:      "peers_active",
		Help:      "Number of peers currently connected to any SFU room.",
	})

	// FederationTransactionsTotal counts inbound federation transactions, by
	// verification outcome (accepted, rejected).
	FederationTransactionsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "federation",
		Name:      "transactions_total",
		Help:      "Total inbound federation transactions, labeled by outcome.",
	}, []string{"outcome"})

	// FederationEventsTotal counts PDUs persisted from inbound transactions.
	FederationEventsTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "federation",
		Name:      "events_persisted_total",
		Help:      "Total federation PDUs persisted from inbound transactions.",
	})
)
