package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/observation-portal/internal/logging"
	"github.com/ILLUVRSE/observation-portal/internal/metrics"
	"github.com/ILLUVRSE/observation-portal/internal/models"
)

// Outbox is the store side of the stream: claimed rows are in progress until marked.
type Outbox interface {
	ClaimPendingTransitions(ctx context.Context, limit int) ([]models.StateTransition, error)
	MarkTransitionStreamed(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error
}

type Publisher interface {
	Publish(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

type Archiver interface {
	Archive(ctx context.Context, tr models.StateTransition, body []byte) (string, error)
}

type StreamerConfig struct {
	// BatchSize is how many transitions are claimed at once.
	BatchSize int

	// PollInterval is the wait after an empty or failed claim.
	PollInterval time.Duration

	// MaxConcurrency bounds transitions processed in parallel within a batch.
	MaxConcurrency int
}

// Streamer drains the state_transitions outbox: each claimed row is published to Kafka,
// archived to S3 when an archiver is configured, then marked so the database stays the
// source of truth for retries.
type Streamer struct {
	outbox    Outbox
	publisher Publisher
	archiver  Archiver
	cfg       StreamerConfig
	log       *logging.Logger
}

// NewStreamer applies defaults for zero config fields. archiver may be nil.
func NewStreamer(outbox Outbox, publisher Publisher, archiver Archiver, cfg StreamerConfig, log *logging.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Streamer{
		outbox:    outbox,
		publisher: publisher,
		archiver:  archiver,
		cfg:       cfg,
		log:       log.Named("streamer"),
	}
}

// Run streams until ctx is cancelled, then closes the publisher.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.Info("starting", logging.Int("batch", s.cfg.BatchSize), logging.Int("concurrency", s.cfg.MaxConcurrency))
	defer func() {
		if s.publisher != nil {
			_ = s.publisher.Close()
		}
		s.log.Info("stopped")
	}()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Warn("claim pending transitions", logging.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes one batch, returning how many rows were claimed.
// Per transition failures are recorded on the row, not returned.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	batch, err := s.outbox.ClaimPendingTransitions(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, tr := range batch {
		tr := tr
		g.Go(func() error {
			if err := s.process(gctx, tr); err != nil {
				s.log.Warn("stream transition",
					logging.String("transition_id", tr.ID.String()),
					logging.Int("attempt", tr.Attempts),
					logging.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

func (s *Streamer) process(parent context.Context, tr models.StateTransition) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	fail := func(stage string, err error) error {
		err = fmt.Errorf("%s: %w", stage, err)
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		if markErr := s.outbox.MarkTransitionStreamed(parent, tr.ID, "", err); markErr != nil {
			return fmt.Errorf("%w (mark failed: %v)", err, markErr)
		}
		return err
	}

	body, err := Envelope(tr)
	if err != nil {
		return fail("canonicalize envelope", err)
	}
	if _, err := s.publisher.Publish(ctx, MessageKey(tr), body); err != nil {
		return fail("kafka publish", err)
	}
	var archiveKey string
	if s.archiver != nil {
		if archiveKey, err = s.archiver.Archive(ctx, tr, body); err != nil {
			return fail("s3 archive", err)
		}
	}
	if err := s.outbox.MarkTransitionStreamed(parent, tr.ID, archiveKey, nil); err != nil {
		return fmt.Errorf("mark transition streamed: %w", err)
	}
	metrics.OutboxPublished.WithLabelValues("streamed").Inc()
	s.log.Debug("transition streamed",
		logging.String("transition_id", tr.ID.String()),
		logging.String("archive_key", archiveKey))
	return nil
}
