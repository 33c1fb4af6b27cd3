package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

var (
	ErrInvalidStateChange = errors.New("invalid state change")
	ErrAggregateState     = errors.New("unable to aggregate states")

	// ErrUnknownConfigurationState rejects status reports outside the configuration state set.
	ErrUnknownConfigurationState = errors.New("unknown configuration state")
)

// InvalidStateChangeError is returned when a transition is not in RequestStateMap.
type InvalidStateChangeError struct {
	From   models.RequestState
	To     models.RequestState
	Entity string
}

func (e *InvalidStateChangeError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("cannot transition from request state %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot transition from request state %s to %s for %s", e.From, e.To, e.Entity)
}

func (e *InvalidStateChangeError) Is(target error) bool {
	return target == ErrInvalidStateChange
}

type AggregateStateError struct {
	States []models.RequestState
}

func (e *AggregateStateError) Error() string {
	return fmt.Sprintf("unable to aggregate states: %v", e.States)
}

func (e *AggregateStateError) Is(target error) bool {
	return target == ErrAggregateState
}
