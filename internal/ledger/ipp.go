package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

var ErrTimeAllocation = errors.New("time allocation error")

// TimeAllocationError rejects a submission whose IPP value cannot be covered by the
// available IPP time of one of its time allocations.
type TimeAllocationError struct {
	IPPValue        float64
	ObservationType models.ObservationType
	Key             models.TimeAllocationKey
	MaxAllowableIPP float64
	// Missing is set when no time allocation exists for Key.
	Missing bool
}

func (e *TimeAllocationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("no time allocation for semester %s and instrument type %s", e.Key.Semester, e.Key.InstrumentType)
	}
	return fmt.Sprintf(
		"An IPP Value of %s requires more IPP time than you have available for '%s' Observation with the %s . "+
			"Please lower your IPP Value to <= %s and submit again.",
		formatFloat(e.IPPValue), e.ObservationType, e.Key.InstrumentType, formatFloat(e.MaxAllowableIPP),
	)
}

func (e *TimeAllocationError) Is(target error) bool {
	return target == ErrTimeAllocation
}

type ClampResult string

const (
	ClampNone    ClampResult = "none"
	ClampFloor   ClampResult = "floor"
	ClampCeiling ClampResult = "ceiling"
)

// Clamp applies delta to available and bounds the result to [0, limit].
func Clamp(available, delta, limit float64) (float64, ClampResult) {
	next := available + delta
	switch {
	case next < 0:
		return 0, ClampFloor
	case next > limit:
		return limit, ClampCeiling
	}
	return next, ClampNone
}

// DefaultIPP returns the ipp_limit and ipp_time_available a new allocation receives
// when neither is supplied.
func DefaultIPP(stdAllocation float64) (limit, available float64) {
	return stdAllocation * 0.1, stdAllocation * 0.05
}

// Truncate3 truncates v to three decimal places.
func Truncate3(v float64) float64 {
	return math.Floor(v*1000) / 1000
}

// MaxAllowableIPP is the largest IPP value the available time covers for a duration,
// capped at maxIPP and truncated to three decimals.
func MaxAllowableIPP(available, durationSeconds, maxIPP float64) float64 {
	hours := durationSeconds / 3600
	if hours <= 0 {
		return Truncate3(maxIPP)
	}
	return Truncate3(math.Min(available/hours+1, maxIPP))
}

// ValidateIPP checks every time allocation key can cover the IPP boost. Keys are
// processed in sorted order and each debit is subtracted from the working balance.
// available must hold an entry for every key in durations.
func ValidateIPP(ippValue float64, obsType models.ObservationType, available, durations map[models.TimeAllocationKey]float64) error {
	effective := ippValue - 1
	if effective <= 0 {
		return nil
	}

	working := make(map[models.TimeAllocationKey]float64, len(available))
	for k, v := range available {
		working[k] = v
	}

	for _, key := range SortedKeys(durations) {
		balance, ok := working[key]
		if !ok {
			return &TimeAllocationError{IPPValue: ippValue, ObservationType: obsType, Key: key, Missing: true}
		}
		hours := durations[key] / 3600
		required := hours * effective
		if balance < required {
			return &TimeAllocationError{
				IPPValue:        ippValue,
				ObservationType: obsType,
				Key:             key,
				MaxAllowableIPP: Truncate3(balance/hours + 1),
			}
		}
		working[key] = balance - required
	}
	return nil
}

// SortedKeys returns the keys of m ordered by semester then instrument type.
func SortedKeys(m map[models.TimeAllocationKey]float64) []models.TimeAllocationKey {
	keys := make([]models.TimeAllocationKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Semester != keys[j].Semester {
			return keys[i].Semester < keys[j].Semester
		}
		return keys[i].InstrumentType < keys[j].InstrumentType
	})
	return keys
}

func formatFloat(v float64) string {
	s := fmt.Sprintf("%g", v)
	if math.Trunc(v) == v && !math.IsInf(v, 0) {
		s = fmt.Sprintf("%.1f", v)
	}
	return s
}
