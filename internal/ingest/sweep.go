package ingest

import (
	"context"
	"log"
	"time"

	"github.com/permitwatch/backend/internal/core"
)

const (
	// interSweepPause separates complete passes over the source list.
	interSweepPause = 5 * time.Minute

	// sourceRetryPause is how long a failed batch rests before the sweep
	// retries the same source. Failures never advance to the next source.
	sourceRetryPause = 30 * time.Second

	// sweepFailurePause follows a failure of the pass itself (source list
	// unreadable), so a broken database does not spin the loop hot.
	sweepFailurePause = time.Minute

	// zeroSaveBatchLimit ends a source's inner loop when this many
	// consecutive full batches produce no new rows: the portal keeps
	// serving pages of records already ingested.
	zeroSaveBatchLimit = 3
)

// Sweeper drives every enabled source to exhaustion, forever. One sweep pass
// runs backfill batches per source in a tight loop until the exhaustion rule
// fires, then moves on.
type Sweeper struct {
	orch   *Orchestrator
	logger *log.Logger
}

func NewSweeper(orch *Orchestrator) *Sweeper {
	return &Sweeper{
		orch:   orch,
		logger: log.New(log.Writer(), "[SWEEP] ", log.LstdFlags),
	}
}

// Run blocks until ctx is cancelled. Intended to be launched as a goroutine
// from main.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Printf("continuous sweep started (pause between passes: %s)", interSweepPause)
	for {
		if err := s.pass(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Printf("sweep stopped: %v", ctx.Err())
				return
			}
			s.logger.Printf("sweep pass failed: %v, pausing %s", err, sweepFailurePause)
			if s.orch.sleep(ctx, sweepFailurePause) != nil {
				return
			}
			continue
		}
		if s.orch.metrics != nil {
			s.orch.metrics.SweepsTotal.Inc()
		}
		if s.orch.sleep(ctx, interSweepPause) != nil {
			return
		}
	}
}

// pass drives every enabled source to exhaustion once, in listing order.
func (s *Sweeper) pass(ctx context.Context) error {
	sources, err := s.orch.store.GetSources(ctx)
	if err != nil {
		return err
	}

	for i := range sources {
		src := &sources[i]
		if !src.Enabled {
			continue
		}
		if err := s.drain(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

// drain runs backfill batches against one source until the exhaustion rule
// fires: a short page, or zeroSaveBatchLimit consecutive full batches that
// saved nothing new. Failed batches are retried after a pause without
// advancing to the next source. The validation probe runs once per drain,
// not per batch.
func (s *Sweeper) drain(ctx context.Context, src *core.Source) error {
	zeroSaveStreak := 0
	validate := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.orch.runBatch(ctx, src, ModeBackfill, validate)
		validate = false
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("source %d (%s): batch failed (%v), retrying in %s",
				src.ID, src.Name, err, sourceRetryPause)
			if s.orch.sleep(ctx, sourceRetryPause) != nil {
				return ctx.Err()
			}
			continue
		}

		if res.Exhausted {
			s.exhausted(src)
			return nil
		}
		if res.RowsSaved == 0 {
			zeroSaveStreak++
			if zeroSaveStreak >= zeroSaveBatchLimit {
				s.logger.Printf("source %d (%s): %d full batches with no new rows, exhausted",
					src.ID, src.Name, zeroSaveStreak)
				s.exhausted(src)
				return nil
			}
		} else {
			zeroSaveStreak = 0
		}

		if s.orch.sleep(ctx, time.Second) != nil {
			return ctx.Err()
		}
	}
}

func (s *Sweeper) exhausted(src *core.Source) {
	if s.orch.metrics != nil {
		s.orch.metrics.SourceExhausted.WithLabelValues(src.Name).Inc()
	}
}
