// Package metrics exposes the focus counters to Prometheus. The registry is
// package-level: conferences, rooms and bridge sessions live on different
// goroutines and all bump the same counters, which is why everything here is
// an atomic prometheus collector and never a plain int.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	ConferencesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "conferences_started_total",
		Help:      "Number of conferences ever started.",
	})

	ConferencesEnded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "conferences_ended_total",
		Help:      "Number of conferences that ended.",
	})

	LiveConferences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "headwater",
		Name:      "conferences_live",
		Help:      "Number of conferences currently running.",
	})

	ParticipantsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "participants_joined_total",
		Help:      "Number of participants that ever joined a conference.",
	})

	ParticipantsLeft = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "participants_left_total",
		Help:      "Number of participants that left a conference.",
	})

	LiveParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "headwater",
		Name:      "participants_live",
		Help:      "Number of participants currently in conferences.",
	})

	// Allocations by outcome: ok, selection_failed, bridge_failed,
	// conference_expired, bad_request, disposed.
	Allocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "allocations_total",
		Help:      "Colibri endpoint allocations by outcome.",
	}, []string{"outcome"})

	// Selector decisions by the branch of the selection algorithm that
	// produced the bridge (or failed to).
	SelectorDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "bridge_selections_total",
		Help:      "Bridge selector decisions by algorithm branch.",
	}, []string{"branch"})

	BridgeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "bridge_failures_total",
		Help:      "Bridges declared non-operational after a failed request.",
	})

	Reinvites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "participant_reinvites_total",
		Help:      "Participants moved to a new bridge after a failure.",
	})

	OperationalBridges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "headwater",
		Name:      "bridges_operational",
		Help:      "Number of operational bridges in the registry.",
	})

	SourceRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "headwater",
		Name:      "source_rejections_total",
		Help:      "Source advertisements rejected by the validator, by reason.",
	}, []string{"reason"})
)

func init() {
	registry.MustRegister(
		ConferencesStarted,
		ConferencesEnded,
		LiveConferences,
		ParticipantsJoined,
		ParticipantsLeft,
		LiveParticipants,
		Allocations,
		SelectorDecisions,
		BridgeFailures,
		Reinvites,
		OperationalBridges,
		SourceRejections,
	)
}

// Handler returns the scrape handler for the focus registry. Serving it is up
// to the embedding process; the core never opens listening sockets itself.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
