package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/observation-portal/internal/lifecycle"
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const timeAllocationColumns = `id, proposal_id, semester_id, instrument_types, std_allocation, std_time_used,
	rr_allocation, rr_time_used, tc_allocation, tc_time_used, ipp_limit, ipp_time_available, created_at, updated_at`

func scanTimeAllocation(row rowScanner) (models.TimeAllocation, error) {
	var ta models.TimeAllocation
	if err := row.Scan(
		&ta.ID,
		&ta.ProposalID,
		&ta.Semester,
		pq.Array(&ta.InstrumentTypes),
		&ta.StdAllocation,
		&ta.StdTimeUsed,
		&ta.RRAllocation,
		&ta.RRTimeUsed,
		&ta.TCAllocation,
		&ta.TCTimeUsed,
		&ta.IPPLimit,
		&ta.IPPTimeAvailable,
		&ta.CreatedAt,
		&ta.UpdatedAt,
	); err != nil {
		return models.TimeAllocation{}, err
	}
	return ta, nil
}

func (s *PGStore) CreateTimeAllocation(ctx context.Context, in TimeAllocationInput) (models.TimeAllocation, error) {
	query := `
		INSERT INTO time_allocations (proposal_id, semester_id, instrument_types, std_allocation, rr_allocation, tc_allocation, ipp_limit, ipp_time_available)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + timeAllocationColumns
	limit, available := in.ipp()
	ta, err := scanTimeAllocation(s.db.QueryRowContext(ctx, query,
		in.ProposalID, in.Semester, pq.Array(in.InstrumentTypes),
		in.StdAllocation, in.RRAllocation, in.TCAllocation, limit, available))
	if err != nil {
		return models.TimeAllocation{}, fmt.Errorf("insert time allocation: %w", err)
	}
	return ta, nil
}

func (s *PGStore) GetTimeAllocation(ctx context.Context, id int64) (models.TimeAllocation, error) {
	query := `SELECT ` + timeAllocationColumns + ` FROM time_allocations WHERE id=$1`
	ta, err := scanTimeAllocation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TimeAllocation{}, ErrNotFound
		}
		return models.TimeAllocation{}, fmt.Errorf("get time allocation: %w", err)
	}
	return ta, nil
}

func (s *PGStore) FindTimeAllocation(ctx context.Context, proposalID string, key models.TimeAllocationKey) (models.TimeAllocation, error) {
	query := `SELECT ` + timeAllocationColumns + `
		FROM time_allocations
		WHERE proposal_id=$1 AND semester_id=$2 AND $3 = ANY(instrument_types)
		ORDER BY id
		LIMIT 1`
	ta, err := scanTimeAllocation(s.db.QueryRowContext(ctx, query, proposalID, key.Semester, key.InstrumentType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TimeAllocation{}, ErrNotFound
		}
		return models.TimeAllocation{}, fmt.Errorf("find time allocation: %w", err)
	}
	return ta, nil
}

// AdjustIPPTime runs fn against the row-locked balance and persists its result in the same transaction.
func (s *PGStore) AdjustIPPTime(ctx context.Context, id int64, fn func(available, limit float64) float64) (float64, float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var available, limit float64
	const lockQuery = `SELECT ipp_time_available, ipp_limit FROM time_allocations WHERE id=$1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lockQuery, id).Scan(&available, &limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("lock time allocation: %w", err)
	}

	next := fn(available, limit)
	const updateQuery = `UPDATE time_allocations SET ipp_time_available=$2, updated_at=$3 WHERE id=$1`
	if _, err := tx.ExecContext(ctx, updateQuery, id, next, s.now()); err != nil {
		return 0, 0, fmt.Errorf("update ipp time: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit ipp adjustment: %w", err)
	}
	return available, next, nil
}

func (s *PGStore) ListSemesters(ctx context.Context) ([]models.Semester, error) {
	const query = `SELECT id, start_ts, end_ts FROM semesters ORDER BY start_ts DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list semesters: %w", err)
	}
	defer rows.Close()
	var out []models.Semester
	for rows.Next() {
		var sem models.Semester
		if err := rows.Scan(&sem.ID, &sem.Start, &sem.End); err != nil {
			return nil, fmt.Errorf("scan semester: %w", err)
		}
		out = append(out, sem)
	}
	return out, rows.Err()
}

const requestGroupColumns = `id, proposal_id, name, state, operator, observation_type, ipp_value, created_at, modified_at`

func scanRequestGroup(row rowScanner) (models.RequestGroup, error) {
	var g models.RequestGroup
	if err := row.Scan(&g.ID, &g.ProposalID, &g.Name, &g.State, &g.Operator, &g.ObservationType, &g.IPPValue, &g.CreatedAt, &g.ModifiedAt); err != nil {
		return models.RequestGroup{}, err
	}
	return g, nil
}

func (s *PGStore) GetRequestGroup(ctx context.Context, id int64) (models.RequestGroup, error) {
	query := `SELECT ` + requestGroupColumns + ` FROM request_groups WHERE id=$1`
	g, err := scanRequestGroup(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RequestGroup{}, ErrNotFound
		}
		return models.RequestGroup{}, fmt.Errorf("get request group: %w", err)
	}
	byGroup, err := s.loadRequests(ctx, s.db, `request_group_id = ANY($1)`, pq.Array([]int64{id}))
	if err != nil {
		return models.RequestGroup{}, err
	}
	g.Requests = byGroup[id]
	return g, nil
}

func (s *PGStore) ListActiveRequestGroups(ctx context.Context) ([]models.RequestGroup, error) {
	query := `SELECT ` + requestGroupColumns + ` FROM request_groups WHERE state <> ALL($1) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(stateStrings(lifecycle.TerminalRequestStates)))
	if err != nil {
		return nil, fmt.Errorf("list active request groups: %w", err)
	}
	var groups []models.RequestGroup
	var ids []int64
	for rows.Next() {
		g, err := scanRequestGroup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan request group: %w", err)
		}
		groups = append(groups, g)
		ids = append(ids, g.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate request groups: %w", err)
	}
	rows.Close()
	if len(groups) == 0 {
		return nil, nil
	}

	byGroup, err := s.loadRequests(ctx, s.db, `request_group_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Requests = byGroup[groups[i].ID]
	}
	return groups, nil
}

// loadRequests returns requests matching where, keyed by request group, with their configurations.
func (s *PGStore) loadRequests(ctx context.Context, q queryer, where string, arg interface{}) (map[int64][]models.Request, error) {
	query := `SELECT id, request_group_id, state, acceptability_threshold, telescope_class, windows, created_at, modified_at
		FROM requests WHERE ` + where + ` ORDER BY id`
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	var reqs []models.Request
	var ids []int64
	for rows.Next() {
		var (
			r       models.Request
			windows []byte
		)
		if err := rows.Scan(&r.ID, &r.RequestGroupID, &r.State, &r.AcceptabilityThreshold, &r.TelescopeClass, &windows, &r.CreatedAt, &r.ModifiedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if len(windows) > 0 {
			if err := json.Unmarshal(windows, &r.Windows); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode windows for request %d: %w", r.ID, err)
			}
		}
		reqs = append(reqs, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	rows.Close()

	out := make(map[int64][]models.Request)
	if len(reqs) == 0 {
		return out, nil
	}
	confs, err := s.loadConfigurations(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		r.Configurations = confs[r.ID]
		out[r.RequestGroupID] = append(out[r.RequestGroupID], r)
	}
	return out, nil
}

const configurationColumns = `c.id, c.request_id, c.priority, c.type, c.instrument_type, c.repeat_duration, c.instrument_configs`

func scanConfiguration(row rowScanner) (models.Configuration, int64, error) {
	var (
		c         models.Configuration
		requestID int64
		repeat    sql.NullFloat64
		ics       []byte
	)
	if err := row.Scan(&c.ID, &requestID, &c.Priority, &c.Type, &c.InstrumentType, &repeat, &ics); err != nil {
		return models.Configuration{}, 0, err
	}
	if repeat.Valid {
		v := repeat.Float64
		c.RepeatDuration = &v
	}
	if len(ics) > 0 {
		if err := json.Unmarshal(ics, &c.InstrumentConfigs); err != nil {
			return models.Configuration{}, 0, fmt.Errorf("decode instrument configs for configuration %d: %w", c.ID, err)
		}
	}
	return c, requestID, nil
}

func (s *PGStore) loadConfigurations(ctx context.Context, q queryer, requestIDs []int64) (map[int64][]models.Configuration, error) {
	query := `SELECT ` + configurationColumns + ` FROM configurations c WHERE c.request_id = ANY($1) ORDER BY c.request_id, c.priority, c.id`
	rows, err := q.QueryContext(ctx, query, pq.Array(requestIDs))
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]models.Configuration)
	for rows.Next() {
		c, requestID, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		out[requestID] = append(out[requestID], c)
	}
	return out, rows.Err()
}

func (s *PGStore) GetRequest(ctx context.Context, id int64) (models.Request, error) {
	byGroup, err := s.loadRequests(ctx, s.db, `id = $1`, id)
	if err != nil {
		return models.Request{}, err
	}
	for _, reqs := range byGroup {
		if len(reqs) > 0 {
			return reqs[0], nil
		}
	}
	return models.Request{}, ErrNotFound
}

func (s *PGStore) TransitionRequest(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error) {
	return s.transition(ctx, "requests", models.EntityRequest, id, allowedFrom, to)
}

func (s *PGStore) TransitionRequestGroup(ctx context.Context, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error) {
	return s.transition(ctx, "request_groups", models.EntityRequestGroup, id, allowedFrom, to)
}

// transition locks the row, moves it to `to` only if its current state is in allowedFrom,
// and records the change in state_transitions within the same transaction. A row in any
// other state is reported as not changed.
func (s *PGStore) transition(ctx context.Context, table string, entity models.EntityKind, id int64, allowedFrom []models.RequestState, to models.RequestState) (models.StateTransition, bool, error) {
	if len(allowedFrom) == 0 {
		return models.StateTransition{}, false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StateTransition{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current models.RequestState
	lockQuery := fmt.Sprintf(`SELECT state FROM %s WHERE id=$1 FOR UPDATE`, table)
	if err := tx.QueryRowContext(ctx, lockQuery, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StateTransition{}, false, ErrNotFound
		}
		return models.StateTransition{}, false, fmt.Errorf("lock %s %d: %w", entity, id, err)
	}
	if !containsState(allowedFrom, current) {
		return models.StateTransition{}, false, nil
	}

	now := s.now()
	updateQuery := fmt.Sprintf(`UPDATE %s SET state=$2, modified_at=$3 WHERE id=$1 AND state = ANY($4)`, table)
	res, err := tx.ExecContext(ctx, updateQuery, id, string(to), now, pq.Array(stateStrings(allowedFrom)))
	if err != nil {
		return models.StateTransition{}, false, fmt.Errorf("update %s state: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.StateTransition{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return models.StateTransition{}, false, nil
	}

	tr := newTransition(entity, id, current, to, now)
	const insertQuery = `
		INSERT INTO state_transitions (id, entity, entity_id, from_state, to_state, occurred_at, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	if _, err := tx.ExecContext(ctx, insertQuery, tr.ID, string(tr.Entity), tr.EntityID, string(tr.FromState), string(tr.ToState), tr.OccurredAt, tr.StreamStatus); err != nil {
		return models.StateTransition{}, false, fmt.Errorf("insert state transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.StateTransition{}, false, fmt.Errorf("commit transition: %w", err)
	}
	return tr, true, nil
}

const observationColumns = `id, request_id, site, enclosure, telescope, start_ts, end_ts, priority, state, created_at, modified_at`

func scanObservation(row rowScanner) (models.Observation, error) {
	var o models.Observation
	if err := row.Scan(&o.ID, &o.RequestID, &o.Site, &o.Enclosure, &o.Telescope, &o.Start, &o.End, &o.Priority, &o.State, &o.CreatedAt, &o.ModifiedAt); err != nil {
		return models.Observation{}, err
	}
	return o, nil
}

func (s *PGStore) GetObservation(ctx context.Context, id int64) (models.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE id=$1`
	o, err := scanObservation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Observation{}, ErrNotFound
		}
		return models.Observation{}, fmt.Errorf("get observation: %w", err)
	}
	return o, nil
}

func (s *PGStore) ListObservations(ctx context.Context, requestID int64) ([]models.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE request_id=$1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateObservationState(ctx context.Context, id int64, state models.ObservationState) (models.ObservationState, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current models.ObservationState
	const lockQuery = `SELECT state FROM observations WHERE id=$1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lockQuery, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("lock observation %d: %w", id, err)
	}
	if current == state || lifecycle.IsTerminalObservationState(current) {
		return current, false, nil
	}

	const updateQuery = `UPDATE observations SET state=$2, modified_at=$3 WHERE id=$1 AND state <> ALL($4)`
	terminal := make([]string, len(lifecycle.TerminalObservationStates))
	for i, t := range lifecycle.TerminalObservationStates {
		terminal[i] = string(t)
	}
	if _, err := tx.ExecContext(ctx, updateQuery, id, string(state), s.now(), pq.Array(terminal)); err != nil {
		return "", false, fmt.Errorf("update observation state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit observation state: %w", err)
	}
	return state, true, nil
}

func (s *PGStore) CountObservations(ctx context.Context, requestID int64, state models.ObservationState) (int, error) {
	const query = `SELECT COUNT(*) FROM observations WHERE request_id=$1 AND state=$2`
	var n int
	if err := s.db.QueryRowContext(ctx, query, requestID, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

const configurationStatusQuery = `
	SELECT cs.id, cs.observation_id, cs.instrument_name, cs.state, cs.modified_at,
		` + configurationColumns + `,
		sm.start_ts, sm.end_ts, sm.state, sm.reason, sm.time_completed
	FROM configuration_statuses cs
	JOIN configurations c ON c.id = cs.configuration_id
	LEFT JOIN summaries sm ON sm.configuration_status_id = cs.id`

func scanConfigurationStatus(row rowScanner) (models.ConfigurationStatus, error) {
	var (
		cs            models.ConfigurationStatus
		requestID     int64
		repeat        sql.NullFloat64
		ics           []byte
		smStart       sql.NullTime
		smEnd         sql.NullTime
		smState       sql.NullString
		smReason      sql.NullString
		timeCompleted sql.NullFloat64
	)
	if err := row.Scan(
		&cs.ID, &cs.ObservationID, &cs.InstrumentName, &cs.State, &cs.ModifiedAt,
		&cs.Configuration.ID, &requestID, &cs.Configuration.Priority, &cs.Configuration.Type,
		&cs.Configuration.InstrumentType, &repeat, &ics,
		&smStart, &smEnd, &smState, &smReason, &timeCompleted,
	); err != nil {
		return models.ConfigurationStatus{}, err
	}
	if repeat.Valid {
		v := repeat.Float64
		cs.Configuration.RepeatDuration = &v
	}
	if len(ics) > 0 {
		if err := json.Unmarshal(ics, &cs.Configuration.InstrumentConfigs); err != nil {
			return models.ConfigurationStatus{}, fmt.Errorf("decode instrument configs: %w", err)
		}
	}
	if smStart.Valid {
		cs.Summary = &models.Summary{
			Start:         smStart.Time,
			End:           smEnd.Time,
			State:         smState.String,
			Reason:        smReason.String,
			TimeCompleted: timeCompleted.Float64,
		}
	}
	return cs, nil
}

func (s *PGStore) GetConfigurationStatus(ctx context.Context, id int64) (models.ConfigurationStatus, error) {
	cs, err := scanConfigurationStatus(s.db.QueryRowContext(ctx, configurationStatusQuery+` WHERE cs.id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ConfigurationStatus{}, ErrNotFound
		}
		return models.ConfigurationStatus{}, fmt.Errorf("get configuration status: %w", err)
	}
	return cs, nil
}

func (s *PGStore) ListConfigurationStatuses(ctx context.Context, observationID int64) ([]models.ConfigurationStatus, error) {
	rows, err := s.db.QueryContext(ctx, configurationStatusQuery+` WHERE cs.observation_id=$1 ORDER BY cs.id`, observationID)
	if err != nil {
		return nil, fmt.Errorf("list configuration statuses: %w", err)
	}
	defer rows.Close()
	var out []models.ConfigurationStatus
	for rows.Next() {
		cs, err := scanConfigurationStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan configuration status: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpdateConfigurationStatus writes the reported state and summary under a row lock and
// returns the state the row held before.
func (s *PGStore) UpdateConfigurationStatus(ctx context.Context, in ConfigurationStatusUpdate) (models.ConfigurationState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previous models.ConfigurationState
	const lockQuery = `SELECT state FROM configuration_statuses WHERE id=$1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lockQuery, in.ID).Scan(&previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lock configuration status: %w", err)
	}
	if IsFinalConfigurationState(previous) && in.State != previous {
		return previous, ErrStatusFinal
	}

	const updateQuery = `UPDATE configuration_statuses SET state=$2, modified_at=$3 WHERE id=$1`
	if _, err := tx.ExecContext(ctx, updateQuery, in.ID, string(in.State), s.now()); err != nil {
		return "", fmt.Errorf("update configuration status: %w", err)
	}
	if in.Summary != nil {
		const upsertSummary = `
			INSERT INTO summaries (configuration_status_id, start_ts, end_ts, state, reason, time_completed)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (configuration_status_id)
			DO UPDATE SET start_ts = EXCLUDED.start_ts,
				end_ts = EXCLUDED.end_ts,
				state = EXCLUDED.state,
				reason = EXCLUDED.reason,
				time_completed = EXCLUDED.time_completed
		`
		sm := in.Summary
		if _, err := tx.ExecContext(ctx, upsertSummary, in.ID, sm.Start, sm.End, sm.State, sm.Reason, sm.TimeCompleted); err != nil {
			return "", fmt.Errorf("upsert summary: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit configuration status: %w", err)
	}
	return previous, nil
}

// ClaimPendingTransitions selects pending outbox rows, plus in_progress rows whose claim
// is older than StaleClaimAfter, with SKIP LOCKED so concurrent streamers never claim the
// same row, and marks them in progress.
func (s *PGStore) ClaimPendingTransitions(ctx context.Context, limit int) ([]models.StateTransition, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectPending = `
		SELECT id, entity, entity_id, from_state, to_state, occurred_at, stream_attempts
		FROM state_transitions
		WHERE stream_status='pending'
		   OR (stream_status='in_progress' AND claimed_at < $1)
		ORDER BY occurred_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	now := s.now()
	rows, err := tx.QueryContext(ctx, selectPending, now.Add(-StaleClaimAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending transitions: %w", err)
	}
	var (
		out []models.StateTransition
		ids []string
	)
	for rows.Next() {
		var tr models.StateTransition
		if err := rows.Scan(&tr.ID, &tr.Entity, &tr.EntityID, &tr.FromState, &tr.ToState, &tr.OccurredAt, &tr.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.StreamStatus = StreamInProgress
		tr.Attempts++
		out = append(out, tr)
		ids = append(ids, tr.ID.String())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}

	const claim = `UPDATE state_transitions SET stream_status='in_progress', stream_attempts=stream_attempts+1, claimed_at=$2 WHERE id::text = ANY($1)`
	if _, err := tx.ExecContext(ctx, claim, pq.Array(ids), now); err != nil {
		return nil, fmt.Errorf("claim transitions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// MarkTransitionStreamed records the outcome of streaming one outbox row. Failed rows go
// back to pending so a later pass retries them.
func (s *PGStore) MarkTransitionStreamed(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error {
	if streamErr != nil {
		const failQuery = `UPDATE state_transitions SET stream_status='pending', last_stream_error=$1 WHERE id=$2`
		if _, err := s.db.ExecContext(ctx, failQuery, streamErr.Error(), id); err != nil {
			return fmt.Errorf("mark transition failed: %w", err)
		}
		return nil
	}
	const okQuery = `
		UPDATE state_transitions
		SET stream_status='streamed', s3_object_key=NULLIF($1, ''), streamed_at=NOW(), last_stream_error=NULL
		WHERE id=$2
	`
	if _, err := s.db.ExecContext(ctx, okQuery, archiveKey, id); err != nil {
		return fmt.Errorf("mark transition streamed: %w", err)
	}
	return nil
}

func (s *PGStore) TouchLastChange(ctx context.Context, telescopeClasses []string, at time.Time) error {
	const query = `
		INSERT INTO last_changes (telescope_class, changed_at)
		SELECT unnest($1::text[]), $2
		ON CONFLICT (telescope_class) DO UPDATE
		SET changed_at = GREATEST(last_changes.changed_at, EXCLUDED.changed_at)
	`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(telescopeClasses), at); err != nil {
		return fmt.Errorf("touch last change: %w", err)
	}
	return nil
}

func (s *PGStore) GetLastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT changed_at FROM last_changes WHERE telescope_class=$1`, telescopeClass).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last change %q: %w", telescopeClass, err)
	}
	return at.UTC(), true, nil
}
