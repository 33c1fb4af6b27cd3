package semesters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

type countingSource struct {
	calls int
	list  []models.Semester
	err   error
}

func (c *countingSource) ListSemesters(ctx context.Context) ([]models.Semester, error) {
	c.calls++
	return append([]models.Semester(nil), c.list...), c.err
}

func semester(id string, start time.Time, months int) models.Semester {
	return models.Semester{ID: id, Start: start, End: start.AddDate(0, months, 0)}
}

func TestSemesterInAndCaching(t *testing.T) {
	a := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	src := &countingSource{list: []models.Semester{semester("2026A", a, 6), semester("2026B", a.AddDate(0, 6, 0), 6)}}
	c := NewCache(src, time.Hour)
	clock := a
	c.now = func() time.Time { return clock }

	got, err := c.SemesterIn(context.Background(), a.AddDate(0, 7, 0), a.AddDate(0, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, "2026B", got.ID)

	got, err = c.SemesterIn(context.Background(), a.AddDate(0, 1, 0), a.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, "2026A", got.ID)
	assert.Equal(t, 1, src.calls)

	clock = clock.Add(2 * time.Hour)
	_, err = c.Semesters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	c.Invalidate()
	_, err = c.Semesters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestSemesterInSpanningRangeFails(t *testing.T) {
	a := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	src := &countingSource{list: []models.Semester{semester("2026A", a, 6), semester("2026B", a.AddDate(0, 6, 0), 6)}}
	c := NewCache(src, time.Hour)

	_, err := c.SemesterIn(context.Background(), a.AddDate(0, 5, 0), a.AddDate(0, 7, 0))
	assert.True(t, errors.Is(err, ErrNoSemester))
}

func TestSourceErrorIsNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	c := NewCache(src, time.Hour)
	_, err := c.Semesters(context.Background())
	require.Error(t, err)
	_, err = c.Semesters(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, src.calls)
}
