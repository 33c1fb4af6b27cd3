package lifecycle

import (
	"math"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// ThresholdTolerance is the absolute tolerance, in percent, applied when comparing
// completion against a request's acceptability threshold.
const ThresholdTolerance = 1e-4

// CompletionPercent returns completed exposure time over planned exposure time as a
// percentage. REPEAT configurations count summary wall time against repeat_duration.
func CompletionPercent(statuses []models.ConfigurationStatus) float64 {
	var planned, completed float64
	for _, cs := range statuses {
		if cs.Configuration.IsRepeat() {
			planned += *cs.Configuration.RepeatDuration
			if cs.Summary != nil && cs.Summary.End.After(cs.Summary.Start) {
				completed += cs.Summary.End.Sub(cs.Summary.Start).Seconds()
			}
			continue
		}
		planned += cs.Configuration.ExposureSeconds()
		if cs.Summary != nil {
			completed += cs.Summary.TimeCompleted
		}
	}
	if planned == 0 {
		return 100.0
	}
	return completed / planned * 100.0
}

type DeriveInput struct {
	AcceptabilityThreshold float64
	Statuses               []models.ConfigurationStatus
	// FailedObservations is the number of the request's observations already in FAILED.
	FailedObservations int
	// MaxFailures disables the failure limit when zero.
	MaxFailures  int
	GroupExpired bool
}

// DeriveRequestState computes the state a request should move to. It returns old when
// nothing should change. COMPLETED is never recomputed.
func DeriveRequestState(old models.RequestState, in DeriveInput) models.RequestState {
	if old == models.RequestCompleted {
		return old
	}

	candidate := stateFromStatuses(old, in)
	if !IsTerminalRequestState(candidate) && in.GroupExpired {
		candidate = models.RequestWindowExpired
	}
	return candidate
}

func stateFromStatuses(old models.RequestState, in DeriveInput) models.RequestState {
	states := make([]models.ConfigurationState, 0, len(in.Statuses))
	for _, cs := range in.Statuses {
		states = append(states, cs.State)
	}
	obsState, _ := ObservationState(states)
	percent := CompletionPercent(in.Statuses)

	if math.Abs(percent-in.AcceptabilityThreshold) <= ThresholdTolerance ||
		percent >= in.AcceptabilityThreshold ||
		obsState == models.ObservationCompleted {
		return models.RequestCompleted
	}
	if in.MaxFailures > 0 && obsState == models.ObservationFailed && in.FailedObservations >= in.MaxFailures {
		return models.RequestFailureLimitReached
	}
	return old
}

var (
	defaultPriority = []models.RequestState{
		models.RequestWindowExpired,
		models.RequestPending,
		models.RequestCompleted,
		models.RequestFailureLimitReached,
		models.RequestCanceled,
	}
	manyPriority = []models.RequestState{
		models.RequestPending,
		models.RequestCompleted,
		models.RequestWindowExpired,
		models.RequestFailureLimitReached,
		models.RequestCanceled,
	}
)

// AggregateRequestStates picks a request group state from its children's states.
func AggregateRequestStates(op models.Operator, states []models.RequestState) (models.RequestState, error) {
	priority := defaultPriority
	if op == models.OperatorMany {
		priority = manyPriority
	}
	for _, p := range priority {
		for _, s := range states {
			if s == p {
				return p, nil
			}
		}
	}
	return "", &AggregateStateError{States: states}
}

// CascadesToChildren reports whether a group entering s forces its PENDING children to s.
func CascadesToChildren(s models.RequestState) bool {
	return s == models.RequestCanceled || s == models.RequestWindowExpired
}
