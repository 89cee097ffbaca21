package score

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	db "github.com/civicpulse/question-engine/internal/storage"
)

type fakeSweepStore struct {
	contests map[string][]string
	drift    map[string]bool

	lockHeld   bool
	recomputed []string
	released   int
}

func (f *fakeSweepStore) ListContests(context.Context) ([]string, error) {
	out := make([]string, 0, len(f.contests))
	for id := range f.contests {
		out = append(out, id)
	}

	return out, nil
}

func (f *fakeSweepStore) ListClusterIDs(_ context.Context, contestID string) ([]string, error) {
	return f.contests[contestID], nil
}

func (f *fakeSweepStore) RecomputeClusterAggregate(_ context.Context, clusterID string, _ db.Scorer) (bool, error) {
	f.recomputed = append(f.recomputed, clusterID)
	return f.drift[clusterID], nil
}

func (f *fakeSweepStore) TryAcquireAdvisoryLock(context.Context, int64) (func(context.Context) error, error) {
	if f.lockHeld {
		return nil, nil
	}

	return func(context.Context) error {
		f.released++
		return nil
	}, nil
}

func newTestSweeper(store SweepStore) *Sweeper {
	logger := zerolog.Nop()
	return NewSweeper(store, New(0), &logger)
}

func TestSweepRecomputesEveryCluster(t *testing.T) {
	store := &fakeSweepStore{
		contests: map[string][]string{
			"contest-1": {"c1", "c2"},
			"contest-2": {"c3"},
		},
		drift: map[string]bool{"c2": true},
	}

	if err := newTestSweeper(store).Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(store.recomputed) != 3 {
		t.Errorf("recomputed %d clusters, want 3: %v", len(store.recomputed), store.recomputed)
	}

	if store.released != 1 {
		t.Errorf("advisory lock released %d times, want 1", store.released)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	store := &fakeSweepStore{
		contests: map[string][]string{"contest-1": {"c1"}},
		lockHeld: true,
	}

	if err := newTestSweeper(store).Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(store.recomputed) != 0 {
		t.Error("sweep ran while another instance held the lock")
	}

	if store.released != 0 {
		t.Error("released a lock that was never acquired")
	}
}

func TestRebuildContestTouchesOnlyThatContest(t *testing.T) {
	store := &fakeSweepStore{
		contests: map[string][]string{
			"contest-1": {"c1", "c2"},
			"contest-2": {"c3"},
		},
	}

	if err := newTestSweeper(store).RebuildContest(context.Background(), "contest-1"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if len(store.recomputed) != 2 {
		t.Errorf("recomputed %v, want contest-1's two clusters", store.recomputed)
	}

	if store.released != 0 {
		t.Error("targeted rebuild must not take the sweep lock")
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	store := &fakeSweepStore{
		contests: map[string][]string{"contest-1": {"c1", "c2", "c3"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := newTestSweeper(store).Run(ctx); err == nil {
		t.Fatal("expected context error from canceled sweep")
	}

	if len(store.recomputed) != 0 {
		t.Errorf("recomputed %v after cancellation", store.recomputed)
	}

	if store.released != 1 {
		t.Error("lock must be released even on cancellation")
	}
}
