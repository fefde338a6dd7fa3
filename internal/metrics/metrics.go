package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsHandled counts every Handle call by its final outcome.
	EventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbbot_events_total",
			Help: "Inbound events by handling outcome",
		},
		[]string{"outcome"}, // answered, duplicate, already_answered, backend_failed, ignored, error
	)

	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbbot_backend_duration_seconds",
			Help:    "Answering backend call duration",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"result"}, // ok, error
	)

	ContextResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbbot_context_resolutions_total",
			Help: "Context resolutions by resolved kind",
		},
		[]string{"kind"}, // none, session, summary
	)

	// RecoveredFailures counts failures that were absorbed without failing the event.
	RecoveredFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbbot_recovered_failures_total",
			Help: "Failures recovered locally",
		},
		[]string{"kind"}, // context_lookup, context_persist, transcript, reply, reaction
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbbot_webhook_requests_total",
			Help: "Slack webhook requests by response status",
		},
		[]string{"status"},
	)
)
