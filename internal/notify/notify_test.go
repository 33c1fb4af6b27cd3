package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/observation-portal/internal/models"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

type fakePublisher struct {
	mu          sync.Mutex
	publishFunc func(ctx context.Context, key, value []byte) (time.Time, error)
	keys        []string
}

func (f *fakePublisher) Publish(ctx context.Context, key, value []byte) (time.Time, error) {
	f.mu.Lock()
	f.keys = append(f.keys, string(key))
	f.mu.Unlock()
	if f.publishFunc != nil {
		return f.publishFunc(ctx, key, value)
	}
	return time.Now().UTC(), nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeArchiver struct {
	archiveFunc func(ctx context.Context, tr models.StateTransition, body []byte) (string, error)
}

func (f *fakeArchiver) Archive(ctx context.Context, tr models.StateTransition, body []byte) (string, error) {
	if f.archiveFunc != nil {
		return f.archiveFunc(ctx, tr, body)
	}
	return "transitions/" + tr.ID.String() + ".json", nil
}

type recordingNotifier struct {
	requests int
	groups   int
	err      error
}

func (r *recordingNotifier) RequestStateChanged(ctx context.Context, old models.RequestState, req models.Request) error {
	r.requests++
	return r.err
}

func (r *recordingNotifier) RequestGroupStateChanged(ctx context.Context, old models.RequestState, group models.RequestGroup) error {
	r.groups++
	return r.err
}

func sampleTransition() models.StateTransition {
	return models.StateTransition{
		ID:         uuid.MustParse("6f1c1d52-8f0e-4b53-9e57-6a1f4f3c2b10"),
		Entity:     models.EntityRequest,
		EntityID:   42,
		FromState:  models.RequestPending,
		ToState:    models.RequestCompleted,
		OccurredAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestEnvelopeIsCanonical(t *testing.T) {
	b, err := Envelope(sampleTransition())
	require.NoError(t, err)
	assert.Equal(t,
		`{"entity":"request","entityId":42,"fromState":"PENDING","id":"6f1c1d52-8f0e-4b53-9e57-6a1f4f3c2b10","occurredAt":"2026-03-04T05:06:07Z","toState":"COMPLETED"}`,
		string(b))
	assert.Equal(t, "request/42", string(MessageKey(sampleTransition())))
}

func TestMarshalSortedRejectsUnsupportedValues(t *testing.T) {
	b, err := marshalSorted(map[string]any{"b": "x\"y", "a": json.Number("1.50")})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.50,"b":"x\"y"}`, string(b))

	_, err = marshalSorted(map[string]any{"n": 3})
	assert.Error(t, err)
}

func TestS3ObjectKey(t *testing.T) {
	a := &S3Archiver{bucket: "b", prefix: "portal"}
	assert.Equal(t, "portal/transitions/2026/03/04/6f1c1d52-8f0e-4b53-9e57-6a1f4f3c2b10.json", a.ObjectKey(sampleTransition()))
}

func TestStoreSignalNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := NewStoreSignal(mem, func() time.Time { return clock }, nil)

	_, ok, err := sig.LastChange(ctx, "1m0")
	require.NoError(t, err)
	assert.False(t, ok)

	sig.SignalRescheduleNeeded(ctx, "1m0")
	ts, ok, err := sig.LastChange(ctx, "1m0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock, ts)

	clock = clock.Add(time.Minute)
	sig.SignalRescheduleNeeded(ctx, "")
	all, ok, err := sig.LastChange(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock, all)
	ts, _, _ = sig.LastChange(ctx, "1m0")
	assert.Equal(t, clock.Add(-time.Minute), ts)

	// a process with a lagging clock
	lagging := NewStoreSignal(mem, func() time.Time { return clock.Add(-time.Hour) }, nil)
	lagging.SignalRescheduleNeeded(ctx, "1m0")
	ts, _, _ = sig.LastChange(ctx, "1m0")
	assert.Equal(t, clock.Add(-time.Minute), ts)
}

func TestStoreSignalWritesLastChangesTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := NewStoreSignal(store.NewPGStore(db), func() time.Time { return clock }, nil)

	mock.ExpectExec("INSERT INTO last_changes .*ON CONFLICT \\(telescope_class\\) DO UPDATE").
		WithArgs(sqlmock.AnyArg(), clock).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT changed_at FROM last_changes WHERE telescope_class=\\$1").
		WithArgs(AllTelescopeClasses).
		WillReturnRows(sqlmock.NewRows([]string{"changed_at"}).AddRow(clock))
	mock.ExpectQuery("SELECT changed_at FROM last_changes WHERE telescope_class=\\$1").
		WithArgs("2m0").
		WillReturnRows(sqlmock.NewRows([]string{"changed_at"}))

	sig.SignalRescheduleNeeded(ctx, "1m0")
	ts, ok, err := sig.LastChange(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock, ts)
	_, ok, err = sig.LastChange(ctx, "2m0")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSignalSwallowsWriteErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sig := NewStoreSignal(store.NewPGStore(db), nil, nil)

	mock.ExpectExec("INSERT INTO last_changes").WillReturnError(errors.New("connection reset"))
	sig.SignalRescheduleNeeded(context.Background(), "1m0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("smtp down")
	a := &recordingNotifier{}
	b := &recordingNotifier{err: boom}
	f := Fanout{a, b, NewLogNotifier(nil)}

	err := f.RequestStateChanged(context.Background(), models.RequestPending, models.Request{ID: 1, State: models.RequestCompleted})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, Fanout{a}.RequestGroupStateChanged(context.Background(), models.RequestPending, models.RequestGroup{ID: 1}))
	assert.Equal(t, 1, a.requests)
	assert.Equal(t, 1, a.groups)
	assert.Equal(t, 1, b.requests)
}

type flakyWriter struct {
	failures int
	calls    int
}

func (w *flakyWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func TestKafkaPublisherRetries(t *testing.T) {
	w := &flakyWriter{failures: 2}
	p := newKafkaPublisher(w, 3, time.Second)
	p.backoff = time.Millisecond

	_, err := p.Publish(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 3, w.calls)

	w = &flakyWriter{failures: 5}
	p = newKafkaPublisher(w, 2, time.Second)
	p.backoff = time.Millisecond
	_, err = p.Publish(context.Background(), []byte("k"), []byte("v"))
	require.Error(t, err)
	assert.Equal(t, 2, w.calls)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestProcessSuccessMarksStreamed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tr := sampleTransition()
	s := NewStreamer(store.NewPGStore(db), &fakePublisher{}, &fakeArchiver{}, StreamerConfig{BatchSize: 1, MaxConcurrency: 1}, nil)

	mock.ExpectExec("UPDATE\\s+state_transitions").
		WithArgs("transitions/"+tr.ID.String()+".json", tr.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.process(context.Background(), tr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPublishFailureReturnsRowToPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tr := sampleTransition()
	pub := &fakePublisher{publishFunc: func(ctx context.Context, key, value []byte) (time.Time, error) {
		return time.Time{}, errors.New("broker unreachable")
	}}
	archived := false
	arch := &fakeArchiver{archiveFunc: func(ctx context.Context, tr models.StateTransition, body []byte) (string, error) {
		archived = true
		return "", nil
	}}
	s := NewStreamer(store.NewPGStore(db), pub, arch, StreamerConfig{}, nil)

	mock.ExpectExec("UPDATE\\s+state_transitions\\s+SET\\s+stream_status='pending'").
		WithArgs(sqlmock.AnyArg(), tr.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.process(context.Background(), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish")
	assert.False(t, archived)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceDrainsMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	g := mem.AddRequestGroup(models.RequestGroup{
		ProposalID: "p",
		Operator:   models.OperatorMany,
		Requests:   []models.Request{{}, {}, {}},
	})
	for _, r := range g.Requests {
		_, ok, err := mem.TransitionRequest(ctx, r.ID, []models.RequestState{models.RequestPending}, models.RequestCanceled)
		require.NoError(t, err)
		require.True(t, ok)
	}

	pub := &fakePublisher{}
	s := NewStreamer(mem, pub, nil, StreamerConfig{BatchSize: 2, MaxConcurrency: 2}, nil)

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, pub.keys, 3)
	for _, tr := range mem.Transitions() {
		assert.Equal(t, store.StreamDone, tr.StreamStatus)
	}
}
