// Package lifecycle holds the pure state logic for requests, request groups and
// observations. Nothing here touches storage; the service package drives it.
package lifecycle

import (
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// RequestStateMap maps a target state to the states it may be entered from.
var RequestStateMap = map[models.RequestState][]models.RequestState{
	models.RequestCompleted: {
		models.RequestPending,
		models.RequestWindowExpired,
		models.RequestCanceled,
		models.RequestFailureLimitReached,
	},
	models.RequestWindowExpired:       {models.RequestPending},
	models.RequestCanceled:            {models.RequestPending},
	models.RequestFailureLimitReached: {models.RequestPending},
	models.RequestPending:             {},
}

var TerminalRequestStates = []models.RequestState{
	models.RequestCompleted,
	models.RequestCanceled,
	models.RequestWindowExpired,
	models.RequestFailureLimitReached,
}

var TerminalObservationStates = []models.ObservationState{
	models.ObservationCanceled,
	models.ObservationAborted,
	models.ObservationFailed,
	models.ObservationCompleted,
	models.ObservationNotAttempted,
}

func IsTerminalRequestState(s models.RequestState) bool {
	for _, t := range TerminalRequestStates {
		if t == s {
			return true
		}
	}
	return false
}

func IsTerminalObservationState(s models.ObservationState) bool {
	for _, t := range TerminalObservationStates {
		if t == s {
			return true
		}
	}
	return false
}

// AllowedSources returns a copy of the legal source states for to. Unknown targets have none.
func AllowedSources(to models.RequestState) []models.RequestState {
	src := RequestStateMap[to]
	out := make([]models.RequestState, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from is a legal source of to.
func CanTransition(from, to models.RequestState) bool {
	for _, s := range RequestStateMap[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ValidTransition returns an *InvalidStateChangeError when from -> to is not legal.
func ValidTransition(from, to models.RequestState) error {
	if !CanTransition(from, to) {
		return &InvalidStateChangeError{From: from, To: to}
	}
	return nil
}
