package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/observation-portal/internal/lifecycle"
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// MemoryStore is an in-memory Store for tests and local runs. A single mutex serializes
// writers, which gives conditional transitions the same linearization a row lock does.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	nextID      int64
	allocations map[int64]models.TimeAllocation
	semesters   map[string]models.Semester
	groups      map[int64]models.RequestGroup
	requests    map[int64]models.Request
	groupReqs   map[int64][]int64
	obs         map[int64]models.Observation
	statuses    map[int64]models.ConfigurationStatus
	transitions []models.StateTransition
	claimedAt   map[uuid.UUID]time.Time
	lastChanges map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		allocations: map[int64]models.TimeAllocation{},
		semesters:   map[string]models.Semester{},
		groups:      map[int64]models.RequestGroup{},
		requests:    map[int64]models.Request{},
		groupReqs:   map[int64][]int64{},
		obs:         map[int64]models.Observation{},
		statuses:    map[int64]models.ConfigurationStatus{},
		claimedAt:   map[uuid.UUID]time.Time{},
		lastChanges: map[string]time.Time{},
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// AddSemester seeds a semester.
func (m *MemoryStore) AddSemester(s models.Semester) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.semesters[s.ID] = s
}

// AddRequestGroup seeds a group and its requests, assigning ids where zero.
func (m *MemoryStore) AddRequestGroup(g models.RequestGroup) models.RequestGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if g.ID == 0 {
		g.ID = m.id()
	}
	if g.State == "" {
		g.State = models.RequestPending
	}
	g.CreatedAt, g.ModifiedAt = now, now
	for i := range g.Requests {
		r := &g.Requests[i]
		if r.ID == 0 {
			r.ID = m.id()
		}
		if r.State == "" {
			r.State = models.RequestPending
		}
		r.RequestGroupID = g.ID
		r.CreatedAt, r.ModifiedAt = now, now
		for j := range r.Configurations {
			if r.Configurations[j].ID == 0 {
				r.Configurations[j].ID = m.id()
			}
		}
		m.requests[r.ID] = *r
		m.groupReqs[g.ID] = append(m.groupReqs[g.ID], r.ID)
	}
	stored := g
	stored.Requests = nil
	m.groups[g.ID] = stored
	return g
}

// AddObservation seeds an observation.
func (m *MemoryStore) AddObservation(o models.Observation) models.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		o.ID = m.id()
	}
	if o.State == "" {
		o.State = models.ObservationPending
	}
	o.CreatedAt, o.ModifiedAt = m.now(), m.now()
	m.obs[o.ID] = o
	return o
}

// AddConfigurationStatus seeds a configuration status.
func (m *MemoryStore) AddConfigurationStatus(cs models.ConfigurationStatus) models.ConfigurationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs.ID == 0 {
		cs.ID = m.id()
	}
	if cs.State == "" {
		cs.State = models.ConfigurationPending
	}
	cs.ModifiedAt = m.now()
	m.statuses[cs.ID] = cs
	return cs
}

// Transitions returns a copy of every recorded transition.
func (m *MemoryStore) Transitions() []models.StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StateTransition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func (m *MemoryStore) CreateTimeAllocation(ctx context.Context, in TimeAllocationInput) (models.TimeAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	limit, available := in.ipp()
	ta := models.TimeAllocation{
		ID:               m.id(),
		ProposalID:       in.ProposalID,
		Semester:         in.Semester,
		InstrumentTypes:  append([]string(nil), in.InstrumentTypes...),
		StdAllocation:    in.StdAllocation,
		RRAllocation:     in.RRAllocation,
		TCAllocation:     in.TCAllocation,
		IPPLimit:         limit,
		IPPTimeAvailable: available,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.allocations[ta.ID] = ta
	return ta, nil
}

func (m *MemoryStore) GetTimeAllocation(ctx context.Context, id int64) (models.TimeAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ta, ok := m.allocations[id]
	if !ok {
		return models.TimeAllocation{}, ErrNotFound
	}
	return ta, nil
}

func (m *MemoryStore) FindTimeAllocation(ctx context.Context, proposalID string, key models.TimeAllocationKey) (models.TimeAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *models.TimeAllocation
	for _, ta := range m.allocations {
		if ta.ProposalID != proposalID || ta.Semester != key.Semester {
			continue
		}
		for _, it := range ta.InstrumentTypes {
			if it == key.InstrumentType && (match == nil || ta.ID < match.ID) {
				ta := ta
				match = &ta
			}
		}
	}
	if match == nil {
		return models.TimeAllocation{}, ErrNotFound
	}
	return *match, nil
}

func (m *MemoryStore) AdjustIPPTime(ctx context.Context, id int64, fn func(available, limit float64) float64) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ta, ok := m.allocations[id]
	if !ok {
		return 0, 0, ErrNotFound
	}
	before := ta.IPPTimeAvailable
	ta.IPPTimeAvailable = fn(before, ta.IPPLimit)
	ta.UpdatedAt = m.now()
	m.allocations[id] = ta
	return before, ta.IPPTimeAvailable, nil
}

func (m *MemoryStore) ListSemesters(ctx context.Context) ([]models.Semester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Semester, 0, len(m.semesters))
	for _, s := range m.semesters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out, nil
}

func (m *MemoryStore) groupWithRequests(g models.RequestGroup) models.RequestGroup {
	ids := m.groupReqs[g.ID]
	g.Requests = make([]models.Request, 0, len(ids))
	for _, id := range ids {
		g.Requests = append(g.Requests, m.requests[id])
	}
	return g
}

func (m *MemoryStore) GetRequestGroup(ctx context.Context, id int64) (models.RequestGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return models.RequestGroup{}, ErrNotFound
	}
	return m.groupWithRequests(g), nil
}

func (m *MemoryStore) ListActiveRequestGroups(ctx context.Context) ([]models.RequestGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RequestGroup
	for _, g := range m.groups {
		if lifecycle.IsTerminalRequestState(g.State) {
			continue
		}
		out = append(out, m.groupWithRequests(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TransitionRequestGroup(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return models.StateTransition{}, false, ErrNotFound
	}
	if !containsState(allowedFrom, g.State) {
		return models.StateTransition{}, false, nil
	}
	now := m.now()
	tr := newTransition(models.EntityRequestGroup, id, g.State, to, now)
	g.State, g.ModifiedAt = to, now
	m.groups[id] = g
	m.transitions = append(m.transitions, tr)
	return tr, true, nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id int64) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) TransitionRequest(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.StateTransition{}, false, ErrNotFound
	}
	if !containsState(allowedFrom, r.State) {
		return models.StateTransition{}, false, nil
	}
	now := m.now()
	tr := newTransition(models.EntityRequest, id, r.State, to, now)
	r.State, r.ModifiedAt = to, now
	m.requests[id] = r
	m.transitions = append(m.transitions, tr)
	return tr, true, nil
}

func (m *MemoryStore) GetObservation(ctx context.Context, id int64) (models.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obs[id]
	if !ok {
		return models.Observation{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListObservations(ctx context.Context, requestID int64) ([]models.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Observation
	for _, o := range m.obs {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateObservationState(ctx context.Context, id int64, state models.ObservationState) (models.ObservationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obs[id]
	if !ok {
		return "", false, ErrNotFound
	}
	if o.State == state || lifecycle.IsTerminalObservationState(o.State) {
		return o.State, false, nil
	}
	o.State, o.ModifiedAt = state, m.now()
	m.obs[id] = o
	return state, true, nil
}

func (m *MemoryStore) CountObservations(ctx context.Context, requestID int64, state models.ObservationState) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.obs {
		if o.RequestID == requestID && o.State == state {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetConfigurationStatus(ctx context.Context, id int64) (models.ConfigurationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.statuses[id]
	if !ok {
		return models.ConfigurationStatus{}, ErrNotFound
	}
	return copyStatus(cs), nil
}

func (m *MemoryStore) ListConfigurationStatuses(ctx context.Context, observationID int64) ([]models.ConfigurationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ConfigurationStatus
	for _, cs := range m.statuses {
		if cs.ObservationID == observationID {
			out = append(out, copyStatus(cs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateConfigurationStatus(ctx context.Context, in ConfigurationStatusUpdate) (models.ConfigurationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.statuses[in.ID]
	if !ok {
		return "", ErrNotFound
	}
	previous := cs.State
	if IsFinalConfigurationState(previous) && in.State != previous {
		return previous, ErrStatusFinal
	}
	cs.State, cs.ModifiedAt = in.State, m.now()
	if in.Summary != nil {
		sm := *in.Summary
		cs.Summary = &sm
	}
	m.statuses[in.ID] = cs
	return previous, nil
}

func (m *MemoryStore) ClaimPendingTransitions(ctx context.Context, limit int) ([]models.StateTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	now := m.now()
	var out []models.StateTransition
	for i := range m.transitions {
		if len(out) == limit {
			break
		}
		tr := &m.transitions[i]
		switch tr.StreamStatus {
		case StreamPending:
		case StreamInProgress:
			if now.Sub(m.claimedAt[tr.ID]) <= StaleClaimAfter {
				continue
			}
		default:
			continue
		}
		tr.StreamStatus = StreamInProgress
		tr.Attempts++
		m.claimedAt[tr.ID] = now
		out = append(out, *tr)
	}
	return out, nil
}

func (m *MemoryStore) MarkTransitionStreamed(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transitions {
		tr := &m.transitions[i]
		if tr.ID != id {
			continue
		}
		if streamErr != nil {
			tr.StreamStatus = StreamPending
		} else {
			tr.StreamStatus = StreamDone
		}
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) TouchLastChange(ctx context.Context, telescopeClasses []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, class := range telescopeClasses {
		if prev, ok := m.lastChanges[class]; !ok || at.After(prev) {
			m.lastChanges[class] = at
		}
	}
	return nil
}

func (m *MemoryStore) GetLastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.lastChanges[telescopeClass]
	return at, ok, nil
}

func copyStatus(cs models.ConfigurationStatus) models.ConfigurationStatus {
	if cs.Summary != nil {
		sm := *cs.Summary
		cs.Summary = &sm
	}
	cs.Configuration.InstrumentConfigs = append([]models.InstrumentConfig(nil), cs.Configuration.InstrumentConfigs...)
	return cs
}
