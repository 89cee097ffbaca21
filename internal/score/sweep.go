package score

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicpulse/question-engine/internal/platform/observability"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// sweepLockID guards the sweep against concurrent runs across instances.
const sweepLockID = int64(52407)

// SweepStore is the storage surface the sweep needs. TryAcquireAdvisoryLock
// returns a nil release func when another instance holds the lock.
type SweepStore interface {
	ListContests(ctx context.Context) ([]string, error)
	ListClusterIDs(ctx context.Context, contestID string) ([]string, error)
	RecomputeClusterAggregate(ctx context.Context, clusterID string, scorer db.Scorer) (bool, error)
	TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (func(context.Context) error, error)
}

// Sweeper runs the periodic full recompute: every cluster's tally is
// rebuilt from the vote ledger and rescored. Catches updates missed by the
// inline path after merges and fraud review, and doubles as the designed
// recovery path when aggregate corruption is suspected. Each per-cluster
// recompute is idempotent, so a canceled sweep resumes safely on the next
// interval.
type Sweeper struct {
	store  SweepStore
	engine *Engine
	logger *zerolog.Logger
}

// NewSweeper creates a sweep runner.
func NewSweeper(store SweepStore, engine *Engine, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Run executes one full sweep across all contests. Returns early with the
// context error when canceled mid-run.
func (s *Sweeper) Run(ctx context.Context) error {
	release, err := s.store.TryAcquireAdvisoryLock(ctx, sweepLockID)
	if err != nil {
		return fmt.Errorf("sweep lock: %w", err)
	}

	if release == nil {
		s.logger.Debug().Msg("score sweep already running elsewhere, skipping")

		return nil
	}

	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("release sweep lock")
		}
	}()

	start := time.Now()

	contests, err := s.store.ListContests(ctx)
	if err != nil {
		return fmt.Errorf("list contests: %w", err)
	}

	recomputed, drifted := 0, 0

	for _, contestID := range contests {
		n, d, err := s.sweepContest(ctx, contestID)
		if err != nil {
			return err
		}

		recomputed += n
		drifted += d
	}

	observability.SweepDuration.Observe(time.Since(start).Seconds())

	s.logger.Info().
		Int("contests", len(contests)).
		Int("clusters", recomputed).
		Int("drifted", drifted).
		Dur("took", time.Since(start)).
		Msg("score sweep complete")

	return nil
}

// RebuildContest recomputes every cluster aggregate in one contest from the
// vote ledger. This is the targeted recovery path when a single contest's
// aggregates are suspect; it takes no sweep lock because each per-cluster
// recompute is idempotent under concurrency.
func (s *Sweeper) RebuildContest(ctx context.Context, contestID string) error {
	n, drifted, err := s.sweepContest(ctx, contestID)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("contest_id", contestID).
		Int("clusters", n).
		Int("drifted", drifted).
		Msg("contest aggregates rebuilt")

	return nil
}

func (s *Sweeper) sweepContest(ctx context.Context, contestID string) (int, int, error) {
	clusterIDs, err := s.store.ListClusterIDs(ctx, contestID)
	if err != nil {
		return 0, 0, fmt.Errorf("list clusters for %s: %w", contestID, err)
	}

	drifted := 0

	for _, clusterID := range clusterIDs {
		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("sweep canceled: %w", ctx.Err())
		default:
		}

		changed, err := s.store.RecomputeClusterAggregate(ctx, clusterID, s.engine)
		if err != nil {
			return 0, 0, fmt.Errorf("recompute cluster %s: %w", clusterID, err)
		}

		observability.SweepClustersRecomputed.Inc()

		if changed {
			drifted++

			observability.AggregateDrift.Inc()
		}
	}

	return len(clusterIDs), drifted, nil
}
