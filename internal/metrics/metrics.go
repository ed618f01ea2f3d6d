// Package metrics exposes Prometheus instruments for the synchronization engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crmsync"

var (
	// EventsRouted counts inbound real-time events by routed kind.
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_routed_total",
		Help:      "Inbound real-time events by routed kind.",
	}, []string{"kind"})

	// EventOutcomes counts what happened to events for the open conversation.
	EventOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_outcomes_total",
		Help:      "Message store outcome of events for the open conversation.",
	}, []string{"outcome"})

	// Sends counts send attempts by final local status.
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Outgoing message sends by result.",
	}, []string{"result"})

	// Uploads counts attachment uploads by result.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Attachment uploads by result.",
	}, []string{"result"})

	// PipelineAttempts counts board bootstrap attempts by result.
	PipelineAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_attempts_total",
		Help:      "Pipeline bootstrap attempts by result.",
	}, []string{"result"})

	// StageMoves counts optimistic stage moves by result.
	StageMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_moves_total",
		Help:      "Conversation stage moves by result.",
	}, []string{"result"})

	// PagesLoaded counts loaded history and column pages by scope.
	PagesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_loaded_total",
		Help:      "Loaded pages by scope (history, column).",
	}, []string{"scope"})

	// OpenMessages is the size of the open conversation's timeline.
	OpenMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_conversation_messages",
		Help:      "Messages held for the open conversation.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
