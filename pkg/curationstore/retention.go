package curationstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// prunePageSize bounds how many documents one delete pass touches.
const prunePageSize = 500

// Pruner removes aged records from one retention domain and reports how many
// were deleted.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PrunerFunc adapts a function to the Pruner interface.
type PrunerFunc func(ctx context.Context, cutoff time.Time) (int64, error)

// PruneBefore calls the wrapped function.
func (f PrunerFunc) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}

// PruneLineageBefore deletes lineage records published before cutoff, in
// pages. Wrap it in PrunerFunc to hand it to a RetentionSweeper.
func (c *Client) PruneLineageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		refs, err := c.lineageRefsBefore(ctx, cutoff)
		if err != nil {
			return total, err
		}
		if len(refs) == 0 {
			return total, nil
		}

		bw := c.fs.BulkWriter(ctx)
		jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
		for _, ref := range refs {
			job, err := bw.Delete(ref)
			if err != nil {
				bw.End()
				return total, fmt.Errorf("enqueue lineage delete: %w", err)
			}
			jobs = append(jobs, job)
		}
		bw.End()
		for _, job := range jobs {
			if _, err := job.Results(); err != nil {
				return total, fmt.Errorf("lineage delete: %w", err)
			}
		}

		total += int64(len(refs))
		if len(refs) < prunePageSize {
			return total, nil
		}
	}
}

func (c *Client) lineageRefsBefore(ctx context.Context, cutoff time.Time) ([]*firestore.DocumentRef, error) {
	iter := c.fs.Collection(c.cfg.LineageCollection).
		Where("publishedAt", "<", cutoff).
		Limit(prunePageSize).
		Documents(ctx)
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return refs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query aged lineage: %w", err)
		}
		refs = append(refs, doc.Ref)
	}
}

// RetentionConfig controls the periodic retention sweep.
type RetentionConfig struct {
	// Interval is how often the sweep runs. Defaults to 6h.
	Interval time.Duration
	// MaxAge is how long records are kept. Defaults to 30 days.
	MaxAge time.Duration
	// SweepTimeout bounds one full sweep across all pruners. Defaults to
	// the interval.
	SweepTimeout time.Duration
}

// RetentionSweeper periodically deletes aged records through a set of named
// pruners. One pruner failing does not stop the others, and a failed sweep
// is retried on the next interval.
type RetentionSweeper struct {
	cfg     RetentionConfig
	pruners map[string]Pruner
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionSweeper creates a sweeper over the given pruners, keyed by a
// name used for logging.
func NewRetentionSweeper(cfg RetentionConfig, pruners map[string]Pruner, logger zerolog.Logger) (*RetentionSweeper, error) {
	if len(pruners) == 0 {
		return nil, errors.New("retention sweeper requires at least one pruner")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = cfg.Interval
	}
	return &RetentionSweeper{
		cfg:     cfg,
		pruners: pruners,
		logger:  logger.With().Str("component", "RetentionSweeper").Logger(),
	}, nil
}

// Start begins the periodic sweep. The first sweep happens one interval
// after start, not immediately, so service startup is never delayed by a
// large backlog delete.
func (s *RetentionSweeper) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("max_age", s.cfg.MaxAge).Msg("Retention sweeper started.")
	return nil
}

// Stop halts the sweep loop, waiting for an in-flight sweep to finish or the
// context to expire.
func (s *RetentionSweeper) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Retention sweeper stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RetentionSweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)
	for name, pruner := range s.pruners {
		deleted, err := pruner.PruneBefore(sweepCtx, cutoff)
		if err != nil {
			s.logger.Warn().Err(err).Str("pruner", name).Msg("Retention sweep failed; will retry next interval.")
			continue
		}
		s.logger.Info().Str("pruner", name).Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Retention sweep completed.")
	}
}
