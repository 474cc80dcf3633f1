// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts successful phase transitions.
	// Labels: from, to, event
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "machine",
			Name:      "transitions_total",
			Help:      "Total number of phase transitions",
		},
		[]string{"from", "to", "event"},
	)

	// DispatchErrors counts rejected dispatches.
	// Labels: code (invalid_transition, undefined_target, unknown_state, store)
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "orchestrator",
			Name:      "dispatch_errors_total",
			Help:      "Total number of failed dispatches by error code",
		},
		[]string{"code"},
	)

	// Intents counts interpreted intents by outcome.
	// Labels: status (dispatched, no_intent, unhandled, rejected)
	Intents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "orchestrator",
			Name:      "intents_total",
			Help:      "Total number of interpreted intents by outcome",
		},
		[]string{"status"},
	)

	// TasksInProgress is the number of delegation tasks currently assigned.
	TasksInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "foundry",
			Subsystem: "delegation",
			Name:      "tasks_in_progress",
			Help:      "Delegation tasks currently in progress",
		},
	)

	// TaskOutcomes counts task state changes reported back to the engine.
	// Labels: outcome (assigned, completed, retried, failed, cascaded, reset)
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "delegation",
			Name:      "task_outcomes_total",
			Help:      "Total number of delegation task outcomes",
		},
		[]string{"outcome"},
	)

	// StoreErrors counts context store failures, including soft read failures.
	// Labels: backend (sqlite, postgres), op
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of context store errors",
		},
		[]string{"backend", "op"},
	)

	// WebhookDeliveries counts webhook delivery attempts.
	// Labels: result (success, error, dropped)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts",
		},
		[]string{"result"},
	)
)
