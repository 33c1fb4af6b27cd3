package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusFinal is returned when a terminal configuration status is moved to another state.
	ErrStatusFinal = errors.New("configuration status is in a final state")
)

const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamDone       = "streamed"
)

// StaleClaimAfter is how long an in_progress outbox row may sit before another
// streamer reclaims it. A streamer that dies between claim and mark leaves such rows.
const StaleClaimAfter = 5 * time.Minute

type Store interface {
	Ping(ctx context.Context) error

	CreateTimeAllocation(ctx context.Context, in TimeAllocationInput) (models.TimeAllocation, error)
	GetTimeAllocation(ctx context.Context, id int64) (models.TimeAllocation, error)
	FindTimeAllocation(ctx context.Context, proposalID string, key models.TimeAllocationKey) (models.TimeAllocation, error)
	AdjustIPPTime(ctx context.Context, id int64, fn func(available, limit float64) float64) (before, after float64, err error)

	ListSemesters(ctx context.Context) ([]models.Semester, error)

	GetRequestGroup(ctx context.Context, id int64) (models.RequestGroup, error)
	ListActiveRequestGroups(ctx context.Context) ([]models.RequestGroup, error)
	TransitionRequestGroup(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error)

	GetRequest(ctx context.Context, id int64) (models.Request, error)
	TransitionRequest(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error)

	GetObservation(ctx context.Context, id int64) (models.Observation, error)
	ListObservations(ctx context.Context, requestID int64) ([]models.Observation, error)
	// UpdateObservationState writes state unless the stored observation is already terminal.
	// It returns the state the row holds afterwards and whether it changed.
	UpdateObservationState(ctx context.Context, id int64, state models.ObservationState) (models.ObservationState, bool, error)
	CountObservations(ctx context.Context, requestID int64, state models.ObservationState) (int, error)

	GetConfigurationStatus(ctx context.Context, id int64) (models.ConfigurationStatus, error)
	ListConfigurationStatuses(ctx context.Context, observationID int64) ([]models.ConfigurationStatus, error)
	UpdateConfigurationStatus(ctx context.Context, in ConfigurationStatusUpdate) (previous models.ConfigurationState, err error)

	ClaimPendingTransitions(ctx context.Context, limit int) ([]models.StateTransition, error)
	MarkTransitionStreamed(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error

	// TouchLastChange moves each telescope class's last change time forward to at.
	TouchLastChange(ctx context.Context, telescopeClasses []string, at time.Time) error
	GetLastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error)
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type TimeAllocationInput struct {
	ProposalID      string
	Semester        string
	InstrumentTypes []string
	StdAllocation   float64
	RRAllocation    float64
	TCAllocation    float64
	// Nil IPP values are replaced with defaults by ledger.CreateAllocation. An explicit
	// zero is kept.
	IPPLimit         *float64
	IPPTimeAvailable *float64
}

// Float64 returns a pointer to v, for the optional TimeAllocationInput fields.
func Float64(v float64) *float64 { return &v }

func (in TimeAllocationInput) ipp() (limit, available float64) {
	if in.IPPLimit != nil {
		limit = *in.IPPLimit
	}
	if in.IPPTimeAvailable != nil {
		available = *in.IPPTimeAvailable
	}
	return limit, available
}

type ConfigurationStatusUpdate struct {
	ID      int64                     `json:"id"`
	State   models.ConfigurationState `json:"state"`
	Summary *models.Summary           `json:"summary,omitempty"`
}

// IsFinalConfigurationState reports whether a configuration status may no longer change state.
func IsFinalConfigurationState(s models.ConfigurationState) bool {
	switch s {
	case models.ConfigurationCompleted, models.ConfigurationFailed, models.ConfigurationAborted, models.ConfigurationNotAttempted:
		return true
	}
	return false
}

func stateStrings(states []models.RequestState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func containsState(states []models.RequestState, s models.RequestState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func newTransition(entity models.EntityKind, id int64, from, to models.RequestState, at time.Time) models.StateTransition {
	return models.StateTransition{
		ID:           uuid.New(),
		Entity:       entity,
		EntityID:     id,
		FromState:    from,
		ToState:      to,
		OccurredAt:   at,
		StreamStatus: StreamPending,
	}
}
