package notify

import (
	"context"
	"time"

	"github.com/ILLUVRSE/observation-portal/internal/logging"
)

// LastChangeStore persists last change timestamps so every portal process and the
// scheduler see the same value.
type LastChangeStore interface {
	// TouchLastChange moves each class forward to at. It never moves a class backwards.
	TouchLastChange(ctx context.Context, telescopeClasses []string, at time.Time) error
	GetLastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error)
}

// StoreSignal records when a reschedule was last requested, per telescope class and
// across all classes. The scheduler polls the last change time to decide whether to re-run.
type StoreSignal struct {
	store LastChangeStore
	now   func() time.Time
	log   *logging.Logger
}

func NewStoreSignal(st LastChangeStore, now func() time.Time, log *logging.Logger) *StoreSignal {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &StoreSignal{store: st, now: now, log: log.Named("reschedule")}
}

// SignalRescheduleNeeded bumps AllTelescopeClasses and telescopeClass. A failed write is
// logged; the state change that caused it has already committed.
func (s *StoreSignal) SignalRescheduleNeeded(ctx context.Context, telescopeClass string) {
	classes := []string{AllTelescopeClasses}
	if telescopeClass != "" && telescopeClass != AllTelescopeClasses {
		classes = append(classes, telescopeClass)
	}
	if err := s.store.TouchLastChange(ctx, classes, s.now().UTC()); err != nil {
		s.log.Error("record last change",
			logging.String("telescope_class", telescopeClass),
			logging.Error(err))
	}
}

// LastChange returns the last signal time for telescopeClass, or for all classes when it
// is empty. ok is false if no signal has been recorded.
func (s *StoreSignal) LastChange(ctx context.Context, telescopeClass string) (time.Time, bool, error) {
	if telescopeClass == "" {
		telescopeClass = AllTelescopeClasses
	}
	return s.store.GetLastChange(ctx, telescopeClass)
}
