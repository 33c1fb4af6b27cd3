// Package ipp turns request and request group lifecycle events into IPP ledger
// adjustments. Only NORMAL observation types are accounted.
package ipp

import (
	"context"
	"fmt"
	"math"

	"github.com/ILLUVRSE/observation-portal/internal/ledger"
	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// Adjustment is a signed change to one time allocation's ipp_time_available.
type Adjustment struct {
	Key   models.TimeAllocationKey
	Hours float64
	// TolerateShortfall marks debits whose clamping at zero is expected and only logged.
	TolerateShortfall bool
	Reason            string
}

// Hours converts seconds to hours after rounding the seconds up.
func Hours(durationSeconds float64) float64 {
	return math.Ceil(durationSeconds) / 3600
}

// CreationAdjustments reserves the IPP boost of a newly submitted group.
func CreationAdjustments(group models.RequestGroup, durations map[models.TimeAllocationKey]float64) []Adjustment {
	if group.ObservationType != models.ObservationTypeNormal {
		return nil
	}
	effective := group.IPPValue - 1
	if effective <= 0 {
		return nil
	}
	out := make([]Adjustment, 0, len(durations))
	for _, key := range ledger.SortedKeys(durations) {
		out = append(out, Adjustment{
			Key:    key,
			Hours:  -effective * Hours(durations[key]),
			Reason: "creation",
		})
	}
	return out
}

// TransitionAdjustments returns the adjustments owed when a request of group moves
// from -> to. durations holds that request's own duration per time allocation key.
func TransitionAdjustments(from, to models.RequestState, group models.RequestGroup, durations map[models.TimeAllocationKey]float64) []Adjustment {
	if group.ObservationType != models.ObservationTypeNormal || from == to {
		return nil
	}
	ippValue := group.IPPValue
	effective := ippValue - 1
	if effective == 0 {
		return nil
	}

	var sign float64
	var tolerate bool
	reason := string(to)
	switch to {
	case models.RequestCompleted:
		switch {
		case ippValue < 1:
			sign = 1
		case from == models.RequestWindowExpired:
			sign, tolerate = -1, true
			reason = "reactivated"
		}
	case models.RequestCanceled, models.RequestWindowExpired, models.RequestFailureLimitReached:
		if ippValue >= 1 {
			sign = 1
		}
	}
	if sign == 0 {
		return nil
	}

	out := make([]Adjustment, 0, len(durations))
	for _, key := range ledger.SortedKeys(durations) {
		out = append(out, Adjustment{
			Key:               key,
			Hours:             sign * math.Abs(effective) * Hours(durations[key]),
			TolerateShortfall: tolerate,
			Reason:            reason,
		})
	}
	return out
}

type AllocationFinder interface {
	FindTimeAllocation(ctx context.Context, proposalID string, key models.TimeAllocationKey) (models.TimeAllocation, error)
}

// Accountant applies adjustments to the ledger. A failed adjustment is logged and the
// rest are still applied.
type Accountant struct {
	finder AllocationFinder
	ledger *ledger.Ledger
	log    *logging.Logger
}

func NewAccountant(finder AllocationFinder, l *ledger.Ledger, log *logging.Logger) *Accountant {
	if log == nil {
		log = logging.Nop()
	}
	return &Accountant{finder: finder, ledger: l, log: log.Named("ipp")}
}

// Apply returns the results of the adjustments that landed and the number that failed.
func (a *Accountant) Apply(ctx context.Context, proposalID string, subject string, adjustments []Adjustment) ([]ledger.Result, int) {
	var (
		results []ledger.Result
		failed  int
	)
	for _, adj := range adjustments {
		res, err := a.applyOne(ctx, proposalID, adj)
		if err != nil {
			failed++
			a.log.Warn("problem applying ipp time",
				logging.String("subject", subject),
				logging.String("proposal_id", proposalID),
				logging.String("time_allocation_key", adj.Key.String()),
				logging.String("reason", adj.Reason),
				logging.Float64("hours", adj.Hours),
				logging.Error(err))
			continue
		}
		if adj.TolerateShortfall && res.Clamp == ledger.ClampFloor {
			a.log.Warn("request switched from WINDOW_EXPIRED to COMPLETED without enough ipp time to debit",
				logging.String("subject", subject),
				logging.String("time_allocation_key", adj.Key.String()),
				logging.Float64("requested_hours", adj.Hours),
				logging.Float64("applied_hours", res.Applied()))
		}
		results = append(results, res)
	}
	return results, failed
}

func (a *Accountant) applyOne(ctx context.Context, proposalID string, adj Adjustment) (ledger.Result, error) {
	ta, err := a.finder.FindTimeAllocation(ctx, proposalID, adj.Key)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("find time allocation %s: %w", adj.Key, err)
	}
	return a.ledger.CreditOrDebit(ctx, ta.ID, adj.Hours)
}
