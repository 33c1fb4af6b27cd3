// Package service drives the request lifecycle: configuration status reports roll up into
// observation, request and request group states, and every committed request transition
// settles its IPP time and notifies downstream consumers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/ipp"
	"github.com/ILLUVRSE/observation-portal/internal/ledger"
	"github.com/ILLUVRSE/observation-portal/internal/lifecycle"
	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/metrics"
	"github.com/ILLUVRSE/observation-portal/internal/models"
	"github.com/ILLUVRSE/observation-portal/internal/notify"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

// Durations computes the seconds a request or request group charges per time allocation key.
type Durations interface {
	RequestDurationByTAK(ctx context.Context, req models.Request) (map[models.TimeAllocationKey]float64, error)
	TotalDurationByTAK(ctx context.Context, group models.RequestGroup) (map[models.TimeAllocationKey]float64, error)
}

type Options struct {
	// MaxFailuresPerRequest disables the failure limit when zero.
	MaxFailuresPerRequest int
	Now                   func() time.Time
	Logger                *logging.Logger
}

type Engine struct {
	store      store.Store
	ledger     *ledger.Ledger
	accountant *ipp.Accountant
	durations  Durations
	notifier   notify.Notifier
	reschedule notify.RescheduleSignal

	maxFailures int
	now         func() time.Time
	log         *logging.Logger
}

func New(st store.Store, l *ledger.Ledger, durations Durations, notifier notify.Notifier, reschedule notify.RescheduleSignal, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if notifier == nil {
		notifier = notify.Fanout{}
	}
	if reschedule == nil {
		reschedule = notify.NewStoreSignal(st, opts.Now, opts.Logger)
	}
	return &Engine{
		store:       st,
		ledger:      l,
		accountant:  ipp.NewAccountant(st, l, opts.Logger),
		durations:   durations,
		notifier:    notifier,
		reschedule:  reschedule,
		maxFailures: opts.MaxFailuresPerRequest,
		now:         opts.Now,
		log:         opts.Logger.Named("lifecycle"),
	}
}

// ReportConfigurationStatus records an executor's status report. The lifecycle is only
// recomputed when the reported state differs from the stored one.
func (e *Engine) ReportConfigurationStatus(ctx context.Context, update store.ConfigurationStatusUpdate) (bool, error) {
	if !update.State.Valid() {
		return false, fmt.Errorf("configuration status %d reported %q: %w", update.ID, update.State, lifecycle.ErrUnknownConfigurationState)
	}
	previous, err := e.store.UpdateConfigurationStatus(ctx, update)
	if err != nil {
		return false, fmt.Errorf("update configuration status %d: %w", update.ID, err)
	}
	if previous == update.State {
		return false, nil
	}
	if err := e.OnConfigurationStatusChanged(ctx, update.ID); err != nil {
		return true, err
	}
	return true, nil
}

// OnConfigurationStatusChanged rolls a configuration status change up through its
// observation, request and request group.
func (e *Engine) OnConfigurationStatusChanged(ctx context.Context, configurationStatusID int64) error {
	cs, err := e.store.GetConfigurationStatus(ctx, configurationStatusID)
	if err != nil {
		return fmt.Errorf("get configuration status %d: %w", configurationStatusID, err)
	}
	obs, err := e.store.GetObservation(ctx, cs.ObservationID)
	if err != nil {
		return fmt.Errorf("get observation %d: %w", cs.ObservationID, err)
	}
	if !lifecycle.IsTerminalObservationState(obs.State) {
		if _, _, err := e.UpdateObservationState(ctx, obs); err != nil {
			return err
		}
	}

	req, err := e.store.GetRequest(ctx, obs.RequestID)
	if err != nil {
		return fmt.Errorf("get request %d: %w", obs.RequestID, err)
	}
	group, err := e.store.GetRequestGroup(ctx, req.RequestGroupID)
	if err != nil {
		return fmt.Errorf("get request group %d: %w", req.RequestGroupID, err)
	}
	statuses, err := e.store.ListConfigurationStatuses(ctx, obs.ID)
	if err != nil {
		return fmt.Errorf("list configuration statuses for observation %d: %w", obs.ID, err)
	}

	// DIRECT groups are only expired by the sweep, keyed on their observation end.
	expired := group.ObservationType != models.ObservationTypeDirect && group.MaxWindowTime().Before(e.now())
	if _, err := e.UpdateRequestState(ctx, group, req, statuses, expired); err != nil {
		return err
	}
	_, err = e.UpdateRequestGroupState(ctx, group.ID)
	return err
}

// UpdateObservationState recomputes an observation from its configuration statuses. The
// bool is false when the statuses were ambiguous, the stored observation is already
// terminal, or it already held the derived state; the returned state is then the stored one.
func (e *Engine) UpdateObservationState(ctx context.Context, obs models.Observation) (models.ObservationState, bool, error) {
	statuses, err := e.store.ListConfigurationStatuses(ctx, obs.ID)
	if err != nil {
		return "", false, fmt.Errorf("list configuration statuses for observation %d: %w", obs.ID, err)
	}
	states := make([]models.ConfigurationState, 0, len(statuses))
	for _, cs := range statuses {
		states = append(states, cs.State)
	}
	state, ok := lifecycle.ObservationState(states)
	if !ok {
		return obs.State, false, nil
	}
	stored, changed, err := e.store.UpdateObservationState(ctx, obs.ID, state)
	if err != nil {
		return "", false, fmt.Errorf("update observation %d: %w", obs.ID, err)
	}
	if !changed {
		return stored, false, nil
	}
	if lifecycle.NeedsReschedule(state) {
		telescopeClass := ""
		if req, err := e.store.GetRequest(ctx, obs.RequestID); err == nil {
			telescopeClass = req.TelescopeClass
		}
		e.reschedule.SignalRescheduleNeeded(ctx, telescopeClass)
	}
	return state, true, nil
}

// UpdateRequestState derives req's next state from one observation's configuration
// statuses and commits it if the request is still in a legal source state.
func (e *Engine) UpdateRequestState(ctx context.Context, group models.RequestGroup, req models.Request, statuses []models.ConfigurationStatus, groupExpired bool) (bool, error) {
	if req.State == models.RequestCompleted {
		return false, nil
	}
	failed := 0
	if e.maxFailures > 0 {
		n, err := e.store.CountObservations(ctx, req.ID, models.ObservationFailed)
		if err != nil {
			return false, fmt.Errorf("count failed observations for request %d: %w", req.ID, err)
		}
		failed = n
	}
	next := lifecycle.DeriveRequestState(req.State, lifecycle.DeriveInput{
		AcceptabilityThreshold: req.AcceptabilityThreshold,
		Statuses:               statuses,
		FailedObservations:     failed,
		MaxFailures:            e.maxFailures,
		GroupExpired:           groupExpired,
	})
	if next == req.State {
		return false, nil
	}
	return e.transitionRequest(ctx, group, req, next)
}

// transitionRequest commits req -> to, then applies IPP accounting, wakes the scheduler
// and notifies. Losing a race to another writer is a no-op, not an error.
func (e *Engine) transitionRequest(ctx context.Context, group models.RequestGroup, req models.Request, to models.RequestState) (bool, error) {
	tr, ok, err := e.store.TransitionRequest(ctx, req.ID, lifecycle.AllowedSources(to), to)
	if err != nil {
		return false, fmt.Errorf("transition request %d to %s: %w", req.ID, to, err)
	}
	if !ok {
		metrics.TransitionConflicts.WithLabelValues(string(models.EntityRequest)).Inc()
		e.log.Debug("request transition skipped",
			logging.Int64("request_id", req.ID),
			logging.String("to", string(to)))
		return false, nil
	}
	if err := lifecycle.ValidTransition(tr.FromState, to); err != nil {
		return true, fmt.Errorf("request %d: %w", req.ID, err)
	}
	metrics.Transitions.WithLabelValues(string(models.EntityRequest), string(tr.FromState), string(to)).Inc()
	e.reschedule.SignalRescheduleNeeded(ctx, req.TelescopeClass)

	req.State, req.ModifiedAt = to, tr.OccurredAt
	e.settleRequestIPP(ctx, group, req, tr.FromState)

	if err := e.notifier.RequestStateChanged(ctx, tr.FromState, req); err != nil {
		e.log.Warn("request notification failed", logging.Int64("request_id", req.ID), logging.Error(err))
	}
	return true, nil
}

func (e *Engine) settleRequestIPP(ctx context.Context, group models.RequestGroup, req models.Request, from models.RequestState) {
	if group.ObservationType != models.ObservationTypeNormal {
		return
	}
	durations, err := e.durations.RequestDurationByTAK(ctx, req)
	if err != nil {
		e.log.Warn("problem computing request duration for ipp",
			logging.Int64("request_id", req.ID),
			logging.Error(err))
		return
	}
	adjustments := ipp.TransitionAdjustments(from, req.State, group, durations)
	if len(adjustments) == 0 {
		return
	}
	e.accountant.Apply(ctx, group.ProposalID, fmt.Sprintf("request %d", req.ID), adjustments)
}

// UpdateRequestGroupState aggregates the group's request states and commits the result.
// A group entering CANCELED or WINDOW_EXPIRED takes its PENDING requests with it.
func (e *Engine) UpdateRequestGroupState(ctx context.Context, groupID int64) (bool, error) {
	group, err := e.store.GetRequestGroup(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("get request group %d: %w", groupID, err)
	}
	states := make([]models.RequestState, 0, len(group.Requests))
	for _, r := range group.Requests {
		states = append(states, r.State)
	}
	next, err := lifecycle.AggregateRequestStates(group.Operator, states)
	if err != nil {
		e.log.Error("request group aggregation failed", logging.Int64("request_group_id", groupID), logging.Error(err))
		return false, err
	}
	if next == group.State {
		return false, nil
	}
	return e.transitionGroup(ctx, group, next)
}

func (e *Engine) transitionGroup(ctx context.Context, group models.RequestGroup, to models.RequestState) (bool, error) {
	tr, ok, err := e.store.TransitionRequestGroup(ctx, group.ID, lifecycle.AllowedSources(to), to)
	if err != nil {
		return false, fmt.Errorf("transition request group %d to %s: %w", group.ID, to, err)
	}
	if !ok {
		metrics.TransitionConflicts.WithLabelValues(string(models.EntityRequestGroup)).Inc()
		return false, nil
	}
	if err := lifecycle.ValidTransition(tr.FromState, to); err != nil {
		return true, fmt.Errorf("request group %d: %w", group.ID, err)
	}
	metrics.Transitions.WithLabelValues(string(models.EntityRequestGroup), string(tr.FromState), string(to)).Inc()
	group.State, group.ModifiedAt = to, tr.OccurredAt

	var errs []error
	if lifecycle.CascadesToChildren(to) {
		for i, req := range group.Requests {
			if req.State != models.RequestPending {
				continue
			}
			changed, err := e.transitionRequest(ctx, group, req, to)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if changed {
				group.Requests[i].State = to
			}
		}
	}

	if err := e.notifier.RequestGroupStateChanged(ctx, tr.FromState, group); err != nil {
		e.log.Warn("request group notification failed", logging.Int64("request_group_id", group.ID), logging.Error(err))
	}
	return true, errors.Join(errs...)
}

// CancelRequestGroup cancels a PENDING group and its PENDING requests.
func (e *Engine) CancelRequestGroup(ctx context.Context, groupID int64) error {
	group, err := e.store.GetRequestGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("get request group %d: %w", groupID, err)
	}
	if err := lifecycle.ValidTransition(group.State, models.RequestCanceled); err != nil {
		return fmt.Errorf("request group %d: %w", groupID, err)
	}
	changed, err := e.transitionGroup(ctx, group, models.RequestCanceled)
	if err != nil {
		return err
	}
	if !changed {
		current, err := e.store.GetRequestGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("get request group %d: %w", groupID, err)
		}
		return &lifecycle.InvalidStateChangeError{
			From:   current.State,
			To:     models.RequestCanceled,
			Entity: fmt.Sprintf("request group %d", groupID),
		}
	}
	return nil
}

// SweepWindowExpirations expires PENDING requests whose last window (or, for DIRECT
// groups, whose observation) has ended. Each request commits on its own; a failing group
// is logged and the sweep moves on.
func (e *Engine) SweepWindowExpirations(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	groups, err := e.store.ListActiveRequestGroups(ctx)
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()
		return false, fmt.Errorf("list active request groups: %w", err)
	}
	now := e.now()
	anyChanged := false
	for _, group := range groups {
		changed, err := e.sweepGroup(ctx, group, now)
		if err != nil {
			e.log.Error("window expiration sweep failed for request group",
				logging.Int64("request_group_id", group.ID),
				logging.Error(err))
		}
		anyChanged = anyChanged || changed
	}
	if anyChanged {
		metrics.Sweeps.WithLabelValues("changed").Inc()
	} else {
		metrics.Sweeps.WithLabelValues("unchanged").Inc()
	}
	return anyChanged, nil
}

func (e *Engine) sweepGroup(ctx context.Context, group models.RequestGroup, now time.Time) (bool, error) {
	var (
		changed bool
		errs    []error
	)
	for _, req := range group.Requests {
		if req.State != models.RequestPending {
			continue
		}
		expired, err := e.requestExpired(ctx, group, req, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !expired {
			continue
		}
		e.log.Info("expiring request",
			logging.Int64("request_id", req.ID),
			logging.Int64("request_group_id", group.ID))
		ok, err := e.transitionRequest(ctx, group, req, models.RequestWindowExpired)
		if err != nil {
			errs = append(errs, err)
		}
		changed = changed || ok
	}
	if changed {
		if _, err := e.UpdateRequestGroupState(ctx, group.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return changed, errors.Join(errs...)
}

func (e *Engine) requestExpired(ctx context.Context, group models.RequestGroup, req models.Request, now time.Time) (bool, error) {
	if group.ObservationType != models.ObservationTypeDirect {
		return len(req.Windows) > 0 && req.MaxWindowTime().Before(now), nil
	}
	observations, err := e.store.ListObservations(ctx, req.ID)
	if err != nil {
		return false, fmt.Errorf("list observations for request %d: %w", req.ID, err)
	}
	if len(observations) == 0 {
		return false, nil
	}
	return observations[0].End.Before(now), nil
}

// OnRequestGroupCreated reserves the IPP boost of a newly submitted group. durations may
// be nil, in which case they are computed. Ledger failures are logged, not returned.
func (e *Engine) OnRequestGroupCreated(ctx context.Context, groupID int64, durations map[models.TimeAllocationKey]float64) error {
	group, err := e.store.GetRequestGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("get request group %d: %w", groupID, err)
	}
	if durations == nil {
		if durations, err = e.durations.TotalDurationByTAK(ctx, group); err != nil {
			return fmt.Errorf("duration of request group %d: %w", groupID, err)
		}
	}
	adjustments := ipp.CreationAdjustments(group, durations)
	if len(adjustments) == 0 {
		return nil
	}
	e.accountant.Apply(ctx, group.ProposalID, fmt.Sprintf("requestgroup %d", group.ID), adjustments)
	return nil
}

// ValidateIPP rejects a submission whose IPP boost the proposal cannot afford.
func (e *Engine) ValidateIPP(ctx context.Context, proposalID string, ippValue float64, obsType models.ObservationType, durations map[models.TimeAllocationKey]float64) error {
	return e.ledger.Validate(ctx, proposalID, ippValue, obsType, durations)
}

func (e *Engine) MaxAllowableIPP(ctx context.Context, proposalID string, durations map[models.TimeAllocationKey]float64) ([]ledger.IPPSummary, error) {
	return e.ledger.MaxAllowable(ctx, proposalID, durations)
}

func (e *Engine) CreateTimeAllocation(ctx context.Context, in store.TimeAllocationInput) (models.TimeAllocation, error) {
	return e.ledger.CreateAllocation(ctx, in)
}

func (e *Engine) GetTimeAllocation(ctx context.Context, id int64) (models.TimeAllocation, error) {
	return e.store.GetTimeAllocation(ctx, id)
}
