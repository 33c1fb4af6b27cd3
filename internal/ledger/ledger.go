// Package ledger owns IPP balance arithmetic for time allocations. Every write goes
// through Allocations.AdjustIPPTime so the read-modify-write runs under a row lock.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/metrics"
	"github.com/ILLUVRSE/observation-portal/internal/models"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

type Allocations interface {
	CreateTimeAllocation(ctx context.Context, in store.TimeAllocationInput) (models.TimeAllocation, error)
	FindTimeAllocation(ctx context.Context, proposalID string, key models.TimeAllocationKey) (models.TimeAllocation, error)
	// AdjustIPPTime locks the allocation row, passes its balance and limit to fn,
	// persists fn's result and returns the balance before and after.
	AdjustIPPTime(ctx context.Context, id int64, fn func(available, limit float64) float64) (before, after float64, err error)
}

type Config struct {
	MinIPPValue float64
	MaxIPPValue float64
}

type Ledger struct {
	allocs Allocations
	cfg    Config
	log    *logging.Logger
}

func New(allocs Allocations, cfg Config, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.Nop()
	}
	return &Ledger{allocs: allocs, cfg: cfg, log: log.Named("ledger")}
}

// CreateAllocation persists a new time allocation, deriving ipp_limit and
// ipp_time_available from std_allocation when they are not supplied. Supplied values,
// zero included, are kept; available is capped at the limit.
func (l *Ledger) CreateAllocation(ctx context.Context, in store.TimeAllocationInput) (models.TimeAllocation, error) {
	limit, available := DefaultIPP(in.StdAllocation)
	if in.IPPLimit != nil {
		limit = *in.IPPLimit
	}
	if in.IPPTimeAvailable != nil {
		available = *in.IPPTimeAvailable
	}
	if available > limit {
		available = limit
	}
	in.IPPLimit, in.IPPTimeAvailable = &limit, &available
	ta, err := l.allocs.CreateTimeAllocation(ctx, in)
	if err != nil {
		return models.TimeAllocation{}, fmt.Errorf("create time allocation: %w", err)
	}
	l.log.Info("time allocation created",
		logging.Int64("time_allocation_id", ta.ID),
		logging.String("proposal_id", ta.ProposalID),
		logging.String("semester", ta.Semester),
		logging.Float64("ipp_limit", ta.IPPLimit),
		logging.Float64("ipp_time_available", ta.IPPTimeAvailable))
	return ta, nil
}

// Result describes one applied adjustment.
type Result struct {
	TimeAllocationID int64
	Requested        float64
	Before           float64
	After            float64
	Clamp            ClampResult
}

// Applied is the delta that actually landed after clamping.
func (r Result) Applied() float64 {
	return r.After - r.Before
}

// CreditOrDebit adds deltaHours to the allocation's ipp_time_available. Results that
// would leave [0, ipp_limit] are clamped and logged; clamping is never an error.
func (l *Ledger) CreditOrDebit(ctx context.Context, timeAllocationID int64, deltaHours float64) (Result, error) {
	res := Result{TimeAllocationID: timeAllocationID, Requested: deltaHours, Clamp: ClampNone}
	before, after, err := l.allocs.AdjustIPPTime(ctx, timeAllocationID, func(available, limit float64) float64 {
		next, clamp := Clamp(available, deltaHours, limit)
		res.Clamp = clamp
		return next
	})
	if err != nil {
		return res, fmt.Errorf("adjust ipp time: %w", err)
	}
	res.Before, res.After = before, after

	direction := "credit"
	if deltaHours < 0 {
		direction = "debit"
	}
	switch res.Clamp {
	case ClampFloor:
		l.log.Warn("ipp debit would set ipp_time_available below 0, capped at 0",
			logging.Int64("time_allocation_id", timeAllocationID),
			logging.Float64("requested_hours", deltaHours),
			logging.Float64("before", before))
	case ClampCeiling:
		l.log.Warn("ipp credit would set ipp_time_available above ipp_limit, capped at ipp_limit",
			logging.Int64("time_allocation_id", timeAllocationID),
			logging.Float64("requested_hours", deltaHours),
			logging.Float64("before", before))
	}
	metrics.LedgerAdjustments.WithLabelValues(direction, string(res.Clamp)).Inc()
	applied := res.Applied()
	if applied < 0 {
		applied = -applied
	}
	metrics.LedgerHours.WithLabelValues(direction).Add(applied)
	return res, nil
}

// Validate loads the proposal's balances for each key and runs ValidateIPP.
func (l *Ledger) Validate(ctx context.Context, proposalID string, ippValue float64, obsType models.ObservationType, durations map[models.TimeAllocationKey]float64) error {
	if ippValue-1 <= 0 {
		return nil
	}
	available := make(map[models.TimeAllocationKey]float64, len(durations))
	for key := range durations {
		ta, err := l.allocs.FindTimeAllocation(ctx, proposalID, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find time allocation %s: %w", key, err)
		}
		available[key] = ta.IPPTimeAvailable
	}
	return ValidateIPP(ippValue, obsType, available, durations)
}

type IPPSummary struct {
	Semester             string  `json:"semester"`
	InstrumentType       string  `json:"instrumentType"`
	IPPTimeAvailable     float64 `json:"ippTimeAvailable"`
	IPPLimit             float64 `json:"ippLimit"`
	RequestDurationHours float64 `json:"requestDuration"`
	MaxAllowableIPPValue float64 `json:"maxAllowableIppValue"`
	MinAllowableIPPValue float64 `json:"minAllowableIppValue"`
}

// MaxAllowable reports, per time allocation key, the highest IPP value the proposal
// could submit with.
func (l *Ledger) MaxAllowable(ctx context.Context, proposalID string, durations map[models.TimeAllocationKey]float64) ([]IPPSummary, error) {
	out := make([]IPPSummary, 0, len(durations))
	for _, key := range SortedKeys(durations) {
		ta, err := l.allocs.FindTimeAllocation(ctx, proposalID, key)
		if err != nil {
			return nil, fmt.Errorf("find time allocation %s: %w", key, err)
		}
		seconds := durations[key]
		out = append(out, IPPSummary{
			Semester:             key.Semester,
			InstrumentType:       key.InstrumentType,
			IPPTimeAvailable:     ta.IPPTimeAvailable,
			IPPLimit:             ta.IPPLimit,
			RequestDurationHours: seconds / 3600,
			MaxAllowableIPPValue: MaxAllowableIPP(ta.IPPTimeAvailable, seconds, l.cfg.MaxIPPValue),
			MinAllowableIPPValue: l.cfg.MinIPPValue,
		})
	}
	return out, nil
}
