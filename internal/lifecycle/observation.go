package lifecycle

import (
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// ObservationState derives an observation's state from its configuration statuses.
// The second return is false when the statuses are ambiguous and the observation
// should keep whatever state it already has.
func ObservationState(states []models.ConfigurationState) (models.ObservationState, bool) {
	switch {
	case allIn(states, models.ConfigurationPending):
		return models.ObservationPending, true
	case allIn(states, models.ConfigurationNotAttempted):
		return models.ObservationNotAttempted, true
	// keep waiting while the remaining statuses report in
	case allIn(states, models.ConfigurationPending, models.ConfigurationNotAttempted):
		return models.ObservationPending, true
	case allIn(states, models.ConfigurationPending, models.ConfigurationAttempted):
		return models.ObservationInProgress, true
	case anyIs(states, models.ConfigurationNotAttempted):
		return models.ObservationFailed, true
	case anyIs(states, models.ConfigurationFailed):
		return models.ObservationFailed, true
	case anyIs(states, models.ConfigurationAborted):
		return models.ObservationAborted, true
	case allIn(states, models.ConfigurationCompleted):
		return models.ObservationCompleted, true
	}
	return "", false
}

// NeedsReschedule reports whether an observation result should wake the scheduler.
func NeedsReschedule(s models.ObservationState) bool {
	switch s {
	case models.ObservationFailed, models.ObservationAborted, models.ObservationNotAttempted:
		return true
	}
	return false
}

func allIn(states []models.ConfigurationState, allowed ...models.ConfigurationState) bool {
	for _, s := range states {
		if !contains(allowed, s) {
			return false
		}
	}
	return true
}

func anyIs(states []models.ConfigurationState, want models.ConfigurationState) bool {
	return contains(states, want)
}

func contains(states []models.ConfigurationState, want models.ConfigurationState) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
