// Package semesters provides a read-through cache of semester boundaries.
package semesters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/models"
)

var ErrNoSemester = errors.New("no semester contains the given range")

type Source interface {
	ListSemesters(ctx context.Context) ([]models.Semester, error)
}

// Cache holds the semester list for TTL before reloading from Source.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	list     []models.Semester
	loadedAt time.Time
}

func NewCache(src Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

// Semesters returns semesters ordered by start, newest first.
func (c *Cache) Semesters(ctx context.Context) ([]models.Semester, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.list != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.list, nil
	}
	list, err := c.src.ListSemesters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load semesters: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Start.After(list[j].Start) })
	if list == nil {
		list = []models.Semester{}
	}
	c.list = list
	c.loadedAt = c.now()
	return c.list, nil
}

// Invalidate drops the cached list so the next lookup reloads it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.list = nil
	c.mu.Unlock()
}

// SemesterIn returns the semester that fully contains [start, end].
func (c *Cache) SemesterIn(ctx context.Context, start, end time.Time) (models.Semester, error) {
	list, err := c.Semesters(ctx)
	if err != nil {
		return models.Semester{}, err
	}
	for _, s := range list {
		if s.Contains(start, end) {
			return s, nil
		}
	}
	return models.Semester{}, fmt.Errorf("%w: %s - %s", ErrNoSemester, start.Format(time.RFC3339), end.Format(time.RFC3339))
}
