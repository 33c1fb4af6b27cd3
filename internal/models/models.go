package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RequestState string

const (
	RequestPending             RequestState = "PENDING"
	RequestCompleted           RequestState = "COMPLETED"
	RequestWindowExpired       RequestState = "WINDOW_EXPIRED"
	RequestCanceled            RequestState = "CANCELED"
	RequestFailureLimitReached RequestState = "FAILURE_LIMIT_REACHED"
)

type ObservationState string

const (
	ObservationPending      ObservationState = "PENDING"
	ObservationInProgress   ObservationState = "IN_PROGRESS"
	ObservationNotAttempted ObservationState = "NOT_ATTEMPTED"
	ObservationCompleted    ObservationState = "COMPLETED"
	ObservationCanceled     ObservationState = "CANCELED"
	ObservationAborted      ObservationState = "ABORTED"
	ObservationFailed       ObservationState = "FAILED"
)

type ConfigurationState string

const (
	ConfigurationPending      ConfigurationState = "PENDING"
	ConfigurationAttempted    ConfigurationState = "ATTEMPTED"
	ConfigurationNotAttempted ConfigurationState = "NOT_ATTEMPTED"
	ConfigurationCompleted    ConfigurationState = "COMPLETED"
	ConfigurationFailed       ConfigurationState = "FAILED"
	ConfigurationAborted      ConfigurationState = "ABORTED"
)

// Valid reports whether s is one of the known configuration states.
func (s ConfigurationState) Valid() bool {
	switch s {
	case ConfigurationPending, ConfigurationAttempted, ConfigurationNotAttempted,
		ConfigurationCompleted, ConfigurationFailed, ConfigurationAborted:
		return true
	}
	return false
}

type Operator string

const (
	OperatorSingle Operator = "SINGLE"
	OperatorMany   Operator = "MANY"
	OperatorAnd    Operator = "AND"
	OperatorOneOf  Operator = "ONEOF"
)

type ObservationType string

const (
	ObservationTypeNormal        ObservationType = "NORMAL"
	ObservationTypeRapidResponse ObservationType = "RAPID_RESPONSE"
	ObservationTypeTimeCritical  ObservationType = "TIME_CRITICAL"
	ObservationTypeDirect        ObservationType = "DIRECT"
	ObservationTypeRealTime      ObservationType = "REAL_TIME"
)

// TimeAllocationKey identifies the ledger row a request's duration is charged against.
type TimeAllocationKey struct {
	Semester       string `json:"semester"`
	InstrumentType string `json:"instrumentType"`
}

func (k TimeAllocationKey) String() string {
	return k.Semester + "/" + k.InstrumentType
}

type TimeAllocation struct {
	ID               int64     `json:"id"`
	ProposalID       string    `json:"proposalId"`
	Semester         string    `json:"semester"`
	InstrumentTypes  []string  `json:"instrumentTypes"`
	StdAllocation    float64   `json:"stdAllocation"`
	StdTimeUsed      float64   `json:"stdTimeUsed"`
	RRAllocation     float64   `json:"rrAllocation"`
	RRTimeUsed       float64   `json:"rrTimeUsed"`
	TCAllocation     float64   `json:"tcAllocation"`
	TCTimeUsed       float64   `json:"tcTimeUsed"`
	IPPLimit         float64   `json:"ippLimit"`
	IPPTimeAvailable float64   `json:"ippTimeAvailable"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Covers reports whether the allocation is shared by the given instrument type.
func (t TimeAllocation) Covers(instrumentType string) bool {
	for _, it := range t.InstrumentTypes {
		if strings.EqualFold(it, instrumentType) {
			return true
		}
	}
	return false
}

type Semester struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether [start, end] lies inside the semester.
func (s Semester) Contains(start, end time.Time) bool {
	return !start.Before(s.Start) && !end.After(s.End)
}

type RequestGroup struct {
	ID              int64           `json:"id"`
	ProposalID      string          `json:"proposalId"`
	Name            string          `json:"name"`
	State           RequestState    `json:"state"`
	Operator        Operator        `json:"operator"`
	ObservationType ObservationType `json:"observationType"`
	IPPValue        float64         `json:"ippValue"`
	Requests        []Request       `json:"requests,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ModifiedAt      time.Time       `json:"modifiedAt"`
}

// MaxWindowTime is the latest window end across all child requests.
func (g RequestGroup) MaxWindowTime() time.Time {
	var latest time.Time
	for _, r := range g.Requests {
		if t := r.MaxWindowTime(); t.After(latest) {
			latest = t
		}
	}
	return latest
}

type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type InstrumentConfig struct {
	ExposureCount int     `json:"exposureCount"`
	ExposureTime  float64 `json:"exposureTime"`
	Mode          string  `json:"mode"`
}

type Configuration struct {
	ID                int64              `json:"id"`
	Priority          int                `json:"priority"`
	Type              string             `json:"type"`
	InstrumentType    string             `json:"instrumentType"`
	RepeatDuration    *float64           `json:"repeatDuration,omitempty"`
	InstrumentConfigs []InstrumentConfig `json:"instrumentConfigs"`
}

// IsRepeat reports whether the configuration is a REPEAT_* type with a declared duration.
func (c Configuration) IsRepeat() bool {
	return strings.Contains(strings.ToUpper(c.Type), "REPEAT") && c.RepeatDuration != nil
}

// ExposureSeconds is the planned exposure time across all instrument configs.
func (c Configuration) ExposureSeconds() float64 {
	var total float64
	for _, ic := range c.InstrumentConfigs {
		total += float64(ic.ExposureCount) * ic.ExposureTime
	}
	return total
}

type Request struct {
	ID                     int64           `json:"id"`
	RequestGroupID         int64           `json:"requestGroupId"`
	State                  RequestState    `json:"state"`
	AcceptabilityThreshold float64         `json:"acceptabilityThreshold"`
	TelescopeClass         string          `json:"telescopeClass,omitempty"`
	Windows                []Window        `json:"windows"`
	Configurations         []Configuration `json:"configurations"`
	CreatedAt              time.Time       `json:"createdAt"`
	ModifiedAt             time.Time       `json:"modifiedAt"`
}

func (r Request) MinWindowTime() time.Time {
	var earliest time.Time
	for i, w := range r.Windows {
		if i == 0 || w.Start.Before(earliest) {
			earliest = w.Start
		}
	}
	return earliest
}

func (r Request) MaxWindowTime() time.Time {
	var latest time.Time
	for _, w := range r.Windows {
		if w.End.After(latest) {
			latest = w.End
		}
	}
	return latest
}

type Observation struct {
	ID         int64            `json:"id"`
	RequestID  int64            `json:"requestId"`
	Site       string           `json:"site"`
	Enclosure  string           `json:"enclosure"`
	Telescope  string           `json:"telescope"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Priority   int              `json:"priority"`
	State      ObservationState `json:"state"`
	CreatedAt  time.Time        `json:"createdAt"`
	ModifiedAt time.Time        `json:"modifiedAt"`
}

type Summary struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	TimeCompleted float64   `json:"timeCompleted"`
}

type ConfigurationStatus struct {
	ID             int64              `json:"id"`
	ObservationID  int64              `json:"observationId"`
	Configuration  Configuration      `json:"configuration"`
	InstrumentName string             `json:"instrumentName"`
	State          ConfigurationState `json:"state"`
	Summary        *Summary           `json:"summary,omitempty"`
	ModifiedAt     time.Time          `json:"modifiedAt"`
}

type EntityKind string

const (
	EntityRequest      EntityKind = "request"
	EntityRequestGroup EntityKind = "requestgroup"
)

// StateTransition is an append-only record of a committed state change. It doubles as the
// outbox row streamed to Kafka/S3.
type StateTransition struct {
	ID           uuid.UUID    `json:"id"`
	Entity       EntityKind   `json:"entity"`
	EntityID     int64        `json:"entityId"`
	FromState    RequestState `json:"fromState"`
	ToState      RequestState `json:"toState"`
	OccurredAt   time.Time    `json:"occurredAt"`
	StreamStatus string       `json:"streamStatus,omitempty"`
	Attempts     int          `json:"attempts,omitempty"`
}
