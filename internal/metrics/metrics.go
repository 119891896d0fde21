// Package metrics provides Prometheus collectors for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. Construct once and share; collectors are
// registered on their own registry so tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	TurnsTotal          *prometheus.CounterVec
	TurnDuration        prometheus.Histogram
	HandoffsTotal       prometheus.Counter
	WorkflowLaunches    prometheus.Counter
	RequirementUpdates  *prometheus.CounterVec
	SessionsSweptTotal  prometheus.Counter
	ClassifierFallbacks prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{Registry: reg}

	m.TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_turns_total",
			Help: "Conversational turns processed, by outcome",
		},
		[]string{"outcome"},
	)

	m.TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coachflow_turn_duration_seconds",
			Help:    "End-to-end duration of one conversational turn",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.HandoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coachflow_handoffs_total",
			Help: "Agent handoffs committed",
		},
	)

	m.WorkflowLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coachflow_workflow_launches_total",
			Help: "Domain workflow bodies started",
		},
	)

	m.RequirementUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachflow_requirement_updates_total",
			Help: "Requirement updates applied to running workflows, by severity",
		},
		[]string{"severity"},
	)

	m.SessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coachflow_sessions_swept_total",
			Help: "Expired sessions removed by the background sweep",
		},
	)

	m.ClassifierFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coachflow_classifier_fallbacks_total",
			Help: "Turns where malformed classifier output degraded to a clarifying question",
		},
	)

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.HandoffsTotal,
		m.WorkflowLaunches,
		m.RequirementUpdates,
		m.SessionsSweptTotal,
		m.ClassifierFallbacks,
	)
	return m
}
