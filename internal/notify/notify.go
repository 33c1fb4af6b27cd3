// Package notify carries state change notifications out of the lifecycle engine: in
// process hooks, the scheduler's last change timestamps, and the durable outbox stream.
package notify

import (
	"context"
	"errors"

	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// AllTelescopeClasses is the last change key bumped on every reschedule signal.
const AllTelescopeClasses = "all"

// Notifier receives committed request and request group state changes.
type Notifier interface {
	RequestStateChanged(ctx context.Context, old models.RequestState, req models.Request) error
	RequestGroupStateChanged(ctx context.Context, old models.RequestState, group models.RequestGroup) error
}

// RescheduleSignal tells the scheduler that observations need to be planned again.
type RescheduleSignal interface {
	SignalRescheduleNeeded(ctx context.Context, telescopeClass string)
}

// LogNotifier writes every change to the structured log.
type LogNotifier struct {
	log *logging.Logger
}

func NewLogNotifier(log *logging.Logger) *LogNotifier {
	if log == nil {
		log = logging.Nop()
	}
	return &LogNotifier{log: log.Named("notify")}
}

func (n *LogNotifier) RequestStateChanged(ctx context.Context, old models.RequestState, req models.Request) error {
	n.log.Info("request state changed",
		logging.Int64("request_id", req.ID),
		logging.Int64("request_group_id", req.RequestGroupID),
		logging.String("from", string(old)),
		logging.String("to", string(req.State)))
	return nil
}

func (n *LogNotifier) RequestGroupStateChanged(ctx context.Context, old models.RequestState, group models.RequestGroup) error {
	n.log.Info("request group state changed",
		logging.Int64("request_group_id", group.ID),
		logging.String("proposal", group.ProposalID),
		logging.String("from", string(old)),
		logging.String("to", string(group.State)))
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) RequestStateChanged(ctx context.Context, old models.RequestState, req models.Request) error {
	var errs []error
	for _, n := range f {
		if err := n.RequestStateChanged(ctx, old, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RequestGroupStateChanged(ctx context.Context, old models.RequestState, group models.RequestGroup) error {
	var errs []error
	for _, n := range f {
		if err := n.RequestGroupStateChanged(ctx, old, group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
