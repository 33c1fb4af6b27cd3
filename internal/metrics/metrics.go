package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts committed state changes by entity and from/to state.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_state_transitions_total",
		Help: "Committed request and request group state transitions",
	}, []string{"entity", "from", "to"})

	// TransitionConflicts counts conditional updates that matched no row.
	TransitionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_state_transition_conflicts_total",
		Help: "Transitions skipped because another writer already moved the row",
	}, []string{"entity"})

	// LedgerAdjustments counts IPP ledger writes by direction and which bound was hit.
	LedgerAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ipp_ledger_adjustments_total",
		Help: "IPP time adjustments applied to time allocations",
	}, []string{"direction", "clamp"})

	LedgerHours = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ipp_ledger_hours_total",
		Help: "Absolute IPP hours moved by direction",
	}, []string{"direction"})

	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_window_sweeps_total",
		Help: "Window expiration sweeps by outcome",
	}, []string{"outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portal_window_sweep_duration_seconds",
		Help:    "Window expiration sweep latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_outbox_events_total",
		Help: "State transition events streamed from the outbox by result",
	}, []string{"result"})
)
