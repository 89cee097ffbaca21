// Package fraud watches the vote stream for coordination patterns. It only
// detects and reports; flagged clusters keep ranking normally until a
// moderator acts on the flag.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicpulse/question-engine/internal/core/domain"
	"github.com/civicpulse/question-engine/internal/platform/observability"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// Store is the storage surface the monitor needs.
type Store interface {
	ListRecentVotes(ctx context.Context, since time.Time) ([]db.RecentVote, error)
	InsertFraudFlag(ctx context.Context, clusterID, reason, evidence string) (string, error)
	HasOpenFlag(ctx context.Context, clusterID, reason string) (bool, error)
	FlagClusterVotes(ctx context.Context, clusterID string, since time.Time) (int, error)
}

// VoteEvent is the per-vote signal the engine pushes to the monitor. It is
// advisory: dropping it never affects the ledger.
type VoteEvent struct {
	ClusterID        string
	UserID           string
	Fingerprint      string
	AccountCreatedAt time.Time
	At               time.Time
}

// Config holds the detection thresholds.
type Config struct {
	VelocityPerMinute  int
	YoungAccountAge    time.Duration
	YoungAccountShare  float64
	FingerprintPerHour int
	Window             time.Duration
	EventBuffer        int
}

// minSampleSize keeps the young-account share heuristic from firing on a
// handful of votes.
const minSampleSize = 10

// Monitor consumes vote events over a bounded buffer and runs a periodic
// ledger scan. The event path catches velocity bursts as they happen; the
// scan catches the slower patterns (young accounts, shared fingerprints)
// that need a full window of ledger context.
type Monitor struct {
	store  Store
	cfg    Config
	events chan VoteEvent
	logger *zerolog.Logger

	// perMinute counts votes per cluster per minute bucket, pruned as
	// buckets age out of the window. Accessed only from the Run goroutine.
	perMinute map[string]map[int64]int

	now func() time.Time
}

// NewMonitor creates a fraud monitor.
func NewMonitor(store Store, cfg Config, logger *zerolog.Logger) *Monitor {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}

	return &Monitor{
		store:     store,
		cfg:       cfg,
		events:    make(chan VoteEvent, cfg.EventBuffer),
		logger:    logger,
		perMinute: make(map[string]map[int64]int),
		now:       time.Now,
	}
}

// Offer hands a vote event to the monitor without blocking the vote write.
// Under backpressure the event is dropped and counted; the periodic scan
// still sees the vote in the ledger.
func (m *Monitor) Offer(ev VoteEvent) {
	select {
	case m.events <- ev:
	default:
		observability.FraudEventsDropped.Inc()
	}
}

// Run drains the event channel until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Msg("fraud monitor started")

	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("fraud monitor stopped")
			return
		case <-prune.C:
			m.pruneBuckets()
		case ev := <-m.events:
			m.observe(ctx, ev)
		}
	}
}

// observe updates the per-cluster minute counters and raises a velocity
// flag when the current minute crosses the threshold. Only votes from
// accounts created within the young-account age count toward the burst;
// organic spikes from established voters are expected around debates.
func (m *Monitor) observe(ctx context.Context, ev VoteEvent) {
	if m.cfg.VelocityPerMinute <= 0 {
		return
	}

	at := ev.At
	if at.IsZero() {
		at = m.now()
	}

	if ev.AccountCreatedAt.IsZero() || ev.AccountCreatedAt.Before(at.Add(-m.cfg.YoungAccountAge)) {
		return
	}

	minute := at.Truncate(time.Minute).Unix()

	buckets, ok := m.perMinute[ev.ClusterID]
	if !ok {
		buckets = make(map[int64]int)
		m.perMinute[ev.ClusterID] = buckets
	}

	buckets[minute]++

	if buckets[minute] == m.cfg.VelocityPerMinute {
		evidence := fmt.Sprintf("%d votes within one minute (threshold %d)",
			buckets[minute], m.cfg.VelocityPerMinute)
		m.raise(ctx, ev.ClusterID, domain.FlagReasonVelocity, evidence)
	}
}

// pruneBuckets drops minute counters older than the detection window.
func (m *Monitor) pruneBuckets() {
	cutoff := m.now().Add(-m.cfg.Window).Truncate(time.Minute).Unix()

	for clusterID, buckets := range m.perMinute {
		for minute := range buckets {
			if minute < cutoff {
				delete(buckets, minute)
			}
		}

		if len(buckets) == 0 {
			delete(m.perMinute, clusterID)
		}
	}
}

// Scan runs the windowed ledger heuristics. It is scheduled as a periodic
// task and shares nothing with the event path, so a crashed scan never
// loses events.
func (m *Monitor) Scan(ctx context.Context) error {
	since := m.now().Add(-m.cfg.Window)

	votes, err := m.store.ListRecentVotes(ctx, since)
	if err != nil {
		return fmt.Errorf("list recent votes: %w", err)
	}

	byCluster := make(map[string][]db.RecentVote)
	for _, v := range votes {
		byCluster[v.ClusterID] = append(byCluster[v.ClusterID], v)
	}

	for clusterID, cv := range byCluster {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.checkYoungAccounts(ctx, clusterID, cv)
		m.checkFingerprints(ctx, clusterID, cv)
	}

	return nil
}

// checkYoungAccounts flags a cluster when too large a share of its recent
// voters registered within the young-account age.
func (m *Monitor) checkYoungAccounts(ctx context.Context, clusterID string, votes []db.RecentVote) {
	if m.cfg.YoungAccountShare <= 0 || len(votes) < minSampleSize {
		return
	}

	cutoff := m.now().Add(-m.cfg.YoungAccountAge)

	// Count distinct voters, not votes, so one eager voter cannot tip
	// the share by flipping back and forth.
	young := make(map[string]struct{})
	total := make(map[string]struct{})

	for _, v := range votes {
		total[v.UserID] = struct{}{}
		if !v.AccountCreatedAt.IsZero() && v.AccountCreatedAt.After(cutoff) {
			young[v.UserID] = struct{}{}
		}
	}

	if len(total) < minSampleSize {
		return
	}

	share := float64(len(young)) / float64(len(total))
	if share < m.cfg.YoungAccountShare {
		return
	}

	evidence := fmt.Sprintf("%d of %d recent voters registered within %s (share %.2f, threshold %.2f)",
		len(young), len(total), m.cfg.YoungAccountAge, share, m.cfg.YoungAccountShare)
	m.raise(ctx, clusterID, domain.FlagReasonYoungAccounts, evidence)
}

// checkFingerprints flags a cluster when a single device fingerprint
// accounts for too many of its recent votes.
func (m *Monitor) checkFingerprints(ctx context.Context, clusterID string, votes []db.RecentVote) {
	if m.cfg.FingerprintPerHour <= 0 {
		return
	}

	// Scale the hourly threshold to the scan window.
	threshold := int(float64(m.cfg.FingerprintPerHour) * m.cfg.Window.Hours())
	if threshold < 1 {
		threshold = 1
	}

	counts := make(map[string]int)
	for _, v := range votes {
		if v.Fingerprint == "" {
			continue
		}

		counts[v.Fingerprint]++
	}

	for fp, n := range counts {
		if n < threshold {
			continue
		}

		evidence := fmt.Sprintf("fingerprint %s cast %d votes within %s (threshold %d)",
			fp, n, m.cfg.Window, threshold)
		m.raise(ctx, clusterID, domain.FlagReasonFingerprint, evidence)
		return
	}
}

// raise files a fraud flag and marks the window's ledger entries, unless an
// identical flag is already open for the cluster.
func (m *Monitor) raise(ctx context.Context, clusterID, reason, evidence string) {
	open, err := m.store.HasOpenFlag(ctx, clusterID, reason)
	if err != nil {
		m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("check open fraud flag")
		return
	}

	if open {
		return
	}

	flagID, err := m.store.InsertFraudFlag(ctx, clusterID, reason, evidence)
	if err != nil {
		m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("insert fraud flag")
		return
	}

	flagged, err := m.store.FlagClusterVotes(ctx, clusterID, m.now().Add(-m.cfg.Window))
	if err != nil {
		m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("flag cluster votes")
	}

	observability.FraudFlagsRaised.WithLabelValues(reason).Inc()

	m.logger.Warn().
		Str("flag_id", flagID).
		Str("cluster_id", clusterID).
		Str("reason", reason).
		Int("votes_flagged", flagged).
		Msg("fraud flag raised")
}
