package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/observation-portal/internal/duration"
	"github.com/ILLUVRSE/observation-portal/internal/ledger"
	"github.com/ILLUVRSE/observation-portal/internal/lifecycle"
	"github.com/ILLUVRSE/observation-portal/internal/models"
	"github.com/ILLUVRSE/observation-portal/internal/notify"
	"github.com/ILLUVRSE/observation-portal/internal/semesters"
	"github.com/ILLUVRSE/observation-portal/internal/service"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

const imager = "1M0-SCICAM-SINISTRO"

var (
	semesterStart = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	windowStart   = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd     = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

type recordingNotifier struct {
	mu       sync.Mutex
	requests []models.RequestState
	groups   []models.RequestState
}

func (r *recordingNotifier) RequestStateChanged(ctx context.Context, old models.RequestState, req models.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.State)
	return nil
}

func (r *recordingNotifier) RequestGroupStateChanged(ctx context.Context, old models.RequestState, group models.RequestGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, group.State)
	return nil
}

type fixture struct {
	mem      *store.MemoryStore
	engine   *service.Engine
	notifier *recordingNotifier
	signal   *notify.StoreSignal
	alloc    models.TimeAllocation
	now      time.Time
}

func newFixture(t *testing.T, now time.Time, maxFailures int) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		now:      now,
	}
	f.mem.AddSemester(models.Semester{ID: "2026A", Start: semesterStart, End: semesterStart.AddDate(0, 6, 0)})
	clock := func() time.Time { return f.now }
	f.signal = notify.NewStoreSignal(f.mem, clock, nil)

	l := ledger.New(f.mem, ledger.Config{MinIPPValue: 0.5, MaxIPPValue: 2}, nil)
	calc := duration.NewCalculator(
		duration.NewStaticOverheads(map[string]duration.InstrumentOverheads{imager: {}}),
		semesters.NewCache(f.mem, time.Hour),
	)
	f.engine = service.New(f.mem, l, calc, f.notifier, f.signal, service.Options{
		MaxFailuresPerRequest: maxFailures,
		Now:                   clock,
	})

	ta, err := f.engine.CreateTimeAllocation(context.Background(), store.TimeAllocationInput{
		ProposalID: "LCO2026A-001", Semester: "2026A", InstrumentTypes: []string{imager}, StdAllocation: 200,
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, ta.IPPTimeAvailable)
	f.alloc = ta
	return f
}

// tenHourRequest plans a single 36000 second exposure, which is ten hours with zero overheads.
func tenHourRequest() models.Request {
	return models.Request{
		AcceptabilityThreshold: 90,
		TelescopeClass:         "1m0",
		Windows:                []models.Window{{Start: windowStart, End: windowEnd}},
		Configurations: []models.Configuration{{
			Priority:          1,
			Type:              "EXPOSE",
			InstrumentType:    imager,
			InstrumentConfigs: []models.InstrumentConfig{{ExposureCount: 1, ExposureTime: 36000}},
		}},
	}
}

func (f *fixture) addGroup(op models.Operator, obsType models.ObservationType, ippValue float64, n int) models.RequestGroup {
	reqs := make([]models.Request, n)
	for i := range reqs {
		reqs[i] = tenHourRequest()
	}
	return f.mem.AddRequestGroup(models.RequestGroup{
		ProposalID:      "LCO2026A-001",
		Name:            "m51",
		Operator:        op,
		ObservationType: obsType,
		IPPValue:        ippValue,
		Requests:        reqs,
	})
}

func (f *fixture) addObservation(req models.Request) (models.Observation, models.ConfigurationStatus) {
	obs := f.mem.AddObservation(models.Observation{
		RequestID: req.ID, Site: "ogg", Enclosure: "clma", Telescope: "2m0a",
		Start: windowStart, End: windowStart.Add(11 * time.Hour),
	})
	cs := f.mem.AddConfigurationStatus(models.ConfigurationStatus{
		ObservationID: obs.ID, Configuration: req.Configurations[0], InstrumentName: "fa01",
	})
	return obs, cs
}

func (f *fixture) balance(t *testing.T) float64 {
	t.Helper()
	ta, err := f.mem.GetTimeAllocation(context.Background(), f.alloc.ID)
	require.NoError(t, err)
	return ta.IPPTimeAvailable
}

func (f *fixture) requestState(t *testing.T, id int64) models.RequestState {
	t.Helper()
	r, err := f.mem.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return r.State
}

func (f *fixture) groupState(t *testing.T, id int64) models.RequestState {
	t.Helper()
	g, err := f.mem.GetRequestGroup(context.Background(), id)
	require.NoError(t, err)
	return g.State
}

func TestConcurrentCompletionSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 0.5, 1)
	req := g.Requests[0]
	_, cs := f.addObservation(req)
	cs.State = models.ConfigurationCompleted
	cs.Summary = &models.Summary{State: "COMPLETED", TimeCompleted: 36000}
	statuses := []models.ConfigurationStatus{cs}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.engine.UpdateRequestState(ctx, g, req, statuses, false)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	assert.Equal(t, []models.RequestState{models.RequestCompleted}, f.notifier.requests)
	// ipp 0.5 credits half the ten hours back exactly once
	assert.InDelta(t, 15.0, f.balance(t), 1e-9)
	assert.Len(t, f.mem.Transitions(), 1)
}

func TestReportedCompletionRollsUpToGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	obs, cs := f.addObservation(g.Requests[0])

	changed, err := f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{
		ID:    cs.ID,
		State: models.ConfigurationCompleted,
		Summary: &models.Summary{
			Start: windowStart, End: windowStart.Add(10 * time.Hour), State: "COMPLETED", TimeCompleted: 36000,
		},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	o, err := f.mem.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationCompleted, o.State)
	assert.Equal(t, models.RequestCompleted, f.requestState(t, g.Requests[0].ID))
	assert.Equal(t, models.RequestCompleted, f.groupState(t, g.ID))
	assert.Equal(t, []models.RequestState{models.RequestCompleted}, f.notifier.groups)
	assert.InDelta(t, 10.0, f.balance(t), 1e-9)

	changed, err = f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{ID: cs.ID, State: models.ConfigurationCompleted})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{ID: cs.ID, State: models.ConfigurationFailed})
	assert.ErrorIs(t, err, store.ErrStatusFinal)
}

func TestPartialCompletionAboveThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	_, cs := f.addObservation(g.Requests[0])

	_, err := f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{
		ID:      cs.ID,
		State:   models.ConfigurationFailed,
		Summary: &models.Summary{State: "FAILED", TimeCompleted: 32400},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, f.requestState(t, g.Requests[0].ID))

	_, ok, err := f.signal.LastChange(ctx, "1m0")
	require.NoError(t, err)
	assert.True(t, ok, "failed observation wakes the scheduler")
}

func TestWindowExpirationSweepCreditsIPP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowEnd.Add(time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.5, 1)

	require.NoError(t, f.engine.OnRequestGroupCreated(ctx, g.ID, nil))
	assert.InDelta(t, 5.0, f.balance(t), 1e-9)

	changed, err := f.engine.SweepWindowExpirations(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, models.RequestWindowExpired, f.requestState(t, g.Requests[0].ID))
	assert.Equal(t, models.RequestWindowExpired, f.groupState(t, g.ID))
	assert.InDelta(t, 10.0, f.balance(t), 1e-9)
	assert.Equal(t, []models.RequestState{models.RequestWindowExpired}, f.notifier.requests)
	assert.Equal(t, []models.RequestState{models.RequestWindowExpired}, f.notifier.groups)

	changed, err = f.engine.SweepWindowExpirations(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSweepLeavesOpenWindowsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowEnd.Add(-time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)

	changed, err := f.engine.SweepWindowExpirations(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.RequestPending, f.groupState(t, g.ID))
}

func TestDirectSweepUsesObservationEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(12*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeDirect, 1.0, 1)
	f.addObservation(g.Requests[0])

	changed, err := f.engine.SweepWindowExpirations(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.RequestWindowExpired, f.requestState(t, g.Requests[0].ID))
}

func TestFailureLimitReached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 2)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	req := g.Requests[0]
	_, first := f.addObservation(req)
	_, second := f.addObservation(req)

	_, err := f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{ID: first.ID, State: models.ConfigurationFailed})
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, f.requestState(t, req.ID))

	_, err = f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{ID: second.ID, State: models.ConfigurationFailed})
	require.NoError(t, err)
	assert.Equal(t, models.RequestFailureLimitReached, f.requestState(t, req.ID))
	assert.Equal(t, models.RequestFailureLimitReached, f.groupState(t, g.ID))
}

func TestCancelCascadesToPendingRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorMany, models.ObservationTypeNormal, 1.2, 2)

	require.NoError(t, f.engine.OnRequestGroupCreated(ctx, g.ID, nil))
	// MANY charges the longest request: 0.2 * 10 hours
	assert.InDelta(t, 8.0, f.balance(t), 1e-9)

	require.NoError(t, f.engine.CancelRequestGroup(ctx, g.ID))
	assert.Equal(t, models.RequestCanceled, f.groupState(t, g.ID))
	for _, r := range g.Requests {
		assert.Equal(t, models.RequestCanceled, f.requestState(t, r.ID))
	}
	// each canceled request credits its own share back
	assert.InDelta(t, 12.0, f.balance(t), 1e-9)
	assert.Len(t, f.notifier.requests, 2)
	assert.Len(t, f.notifier.groups, 1)

	err := f.engine.CancelRequestGroup(ctx, g.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidStateChange)
}

func TestAggregationKeepsGroupPendingWhileChildPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorAnd, models.ObservationTypeNormal, 1.0, 2)
	_, cs := f.addObservation(g.Requests[0])

	_, err := f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{
		ID: cs.ID, State: models.ConfigurationCompleted, Summary: &models.Summary{TimeCompleted: 36000},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, f.requestState(t, g.Requests[0].ID))
	assert.Equal(t, models.RequestPending, f.groupState(t, g.ID))
	assert.Empty(t, f.notifier.groups)
}

func TestValidateAndMaxAllowableIPP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart, 0)
	key := models.TimeAllocationKey{Semester: "2026A", InstrumentType: imager}
	durations := map[models.TimeAllocationKey]float64{key: 20 * 3600}

	require.NoError(t, f.engine.ValidateIPP(ctx, "LCO2026A-001", 1.5, models.ObservationTypeNormal, durations))
	err := f.engine.ValidateIPP(ctx, "LCO2026A-001", 2.0, models.ObservationTypeNormal, durations)
	assert.ErrorIs(t, err, ledger.ErrTimeAllocation)

	summaries, err := f.engine.MaxAllowableIPP(ctx, "LCO2026A-001", durations)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.InDelta(t, 1.5, summaries[0].MaxAllowableIPPValue, 1e-9)
}

func TestStaleRecomputeKeepsTerminalObservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	req := g.Requests[0]
	obs := f.mem.AddObservation(models.Observation{RequestID: req.ID, State: models.ObservationCompleted})
	f.mem.AddConfigurationStatus(models.ConfigurationStatus{ObservationID: obs.ID, State: models.ConfigurationAttempted})
	f.mem.AddConfigurationStatus(models.ConfigurationStatus{ObservationID: obs.ID, State: models.ConfigurationPending})

	// a recompute that read the observation before it completed
	stale := obs
	stale.State = models.ObservationPending
	state, changed, err := f.engine.UpdateObservationState(ctx, stale)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.ObservationCompleted, state)

	got, err := f.mem.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationCompleted, got.State)
}

func TestStaleFailureRecomputeDoesNotWakeScheduler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	obs := f.mem.AddObservation(models.Observation{RequestID: g.Requests[0].ID, State: models.ObservationCanceled})
	f.mem.AddConfigurationStatus(models.ConfigurationStatus{ObservationID: obs.ID, State: models.ConfigurationFailed})

	stale := obs
	stale.State = models.ObservationInProgress
	state, changed, err := f.engine.UpdateObservationState(ctx, stale)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.ObservationCanceled, state)

	_, ok, err := f.signal.LastChange(ctx, "1m0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownConfigurationStateRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	obs, cs := f.addObservation(g.Requests[0])

	changed, err := f.engine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{ID: cs.ID, State: "BOGUS"})
	assert.ErrorIs(t, err, lifecycle.ErrUnknownConfigurationState)
	assert.False(t, changed)

	got, err := f.mem.GetConfigurationStatus(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConfigurationPending, got.State)
	o, err := f.mem.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObservationPending, o.State)
	assert.Equal(t, models.RequestPending, f.requestState(t, g.Requests[0].ID))
}

func TestRescheduleSignalSharedThroughStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, windowStart.Add(24*time.Hour), 0)
	g := f.addGroup(models.OperatorSingle, models.ObservationTypeNormal, 1.0, 1)
	_, cs := f.addObservation(g.Requests[0])

	// a second portal process over the same store, with its own signal
	clock := func() time.Time { return f.now }
	other := notify.NewStoreSignal(f.mem, clock, nil)
	l := ledger.New(f.mem, ledger.Config{MinIPPValue: 0.5, MaxIPPValue: 2}, nil)
	calc := duration.NewCalculator(
		duration.NewStaticOverheads(map[string]duration.InstrumentOverheads{imager: {}}),
		semesters.NewCache(f.mem, time.Hour),
	)
	otherEngine := service.New(f.mem, l, calc, nil, other, service.Options{Now: clock})

	_, ok, err := f.signal.LastChange(ctx, "1m0")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = otherEngine.ReportConfigurationStatus(ctx, store.ConfigurationStatusUpdate{
		ID:      cs.ID,
		State:   models.ConfigurationFailed,
		Summary: &models.Summary{State: "FAILED", TimeCompleted: 32400},
	})
	require.NoError(t, err)

	ts, ok, err := f.signal.LastChange(ctx, "1m0")
	require.NoError(t, err)
	require.True(t, ok, "change made through the other engine is visible here")
	assert.True(t, ts.Equal(f.now))
	all, ok, err := f.signal.LastChange(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, all.Equal(f.now))
}
