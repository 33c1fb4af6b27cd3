package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/observation-portal/internal/notify"
	"github.com/ILLUVRSE/observation-portal/internal/store"
)

type fakeSweeper struct {
	calls   atomic.Int32
	changed bool
	err     error
}

func (f *fakeSweeper) SweepWindowExpirations(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	return f.changed, f.err
}

func TestRunOnceSignalsOnChange(t *testing.T) {
	signal := notify.NewStoreSignal(store.NewMemoryStore(), nil, nil)
	r := NewRunner(&fakeSweeper{changed: true}, signal, 0, nil)

	changed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	_, ok, err := signal.LastChange(context.Background(), notify.AllTelescopeClasses)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnceQuietWhenNothingChanged(t *testing.T) {
	signal := notify.NewStoreSignal(store.NewMemoryStore(), nil, nil)
	r := NewRunner(&fakeSweeper{}, signal, 0, nil)

	changed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	_, ok, err := signal.LastChange(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOnceReturnsSweepError(t *testing.T) {
	r := NewRunner(&fakeSweeper{err: errors.New("db down")}, nil, 0, nil)
	_, err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := &fakeSweeper{err: errors.New("transient")}
	r := NewRunner(s, nil, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return s.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
