// Package engine is the public facade of the question ranking engine. It
// wires validation, cluster assignment, the vote ledger, portfolio
// selection and the fraud signal behind a small set of operations.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicpulse/question-engine/internal/cluster"
	"github.com/civicpulse/question-engine/internal/core/domain"
	"github.com/civicpulse/question-engine/internal/dedup"
	"github.com/civicpulse/question-engine/internal/fraud"
	"github.com/civicpulse/question-engine/internal/platform/observability"
	"github.com/civicpulse/question-engine/internal/portfolio"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// Store is the storage surface the facade needs.
type Store interface {
	CreateQuestion(ctx context.Context, q *db.Question, textHash string) error
	GetQuestion(ctx context.Context, id string) (*db.Question, error)
	ApplyVote(ctx context.Context, userID, questionID string, value int, meta db.VoteMeta, scorer db.Scorer) (db.VoteOutcome, error)
	RetractVote(ctx context.Context, userID, questionID string, scorer db.Scorer) (db.VoteOutcome, error)
	ListRankableClusters(ctx context.Context, contestID string) ([]db.RankableCluster, error)
	GetCluster(ctx context.Context, id string) (*db.Cluster, error)
	GetClusterMembers(ctx context.Context, clusterID string) ([]db.Question, error)
	GetClusterVoteBreakdown(ctx context.Context, clusterID string) ([]db.MemberVotes, error)
	GetVote(ctx context.Context, userID, questionID string) (*domain.Vote, error)
	MergeClusters(ctx context.Context, srcID, dstID string, scorer db.Scorer) error
	CloseContest(ctx context.Context, contestID string) error
	ListOpenFlags(ctx context.Context, limit int) ([]domain.FraudFlag, error)
	ResolveFraudFlag(ctx context.Context, flagID string) error
}

// Assigner runs the submission pipeline.
type Assigner interface {
	Process(ctx context.Context, q *domain.Question) (cluster.Assignment, error)
}

// VoteSink receives advisory vote events. It must never block.
type VoteSink interface {
	Offer(ev fraud.VoteEvent)
}

// Options tunes the facade.
type Options struct {
	Taxonomy    domain.Taxonomy
	Portfolio   portfolio.Config
	DefaultTopN int
}

// Engine exposes the engine's operations.
type Engine struct {
	store    Store
	assigner Assigner
	scorer   db.Scorer
	sink     VoteSink
	opts     Options
	locks    shardedLocks
	logger   *zerolog.Logger
}

// New creates the facade.
func New(store Store, assigner Assigner, scorer db.Scorer, sink VoteSink, opts Options, logger *zerolog.Logger) *Engine {
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 100
	}

	return &Engine{
		store:    store,
		assigner: assigner,
		scorer:   scorer,
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

// Submission is one incoming question.
type Submission struct {
	ContestID string
	AuthorID  string
	Text      string
	IssueTag  string
}

// SubmitQuestion validates, persists and cluster-assigns a submission. The
// returned question carries its final status: active as a new cluster
// representative, or duplicate folded into an existing cluster.
func (e *Engine) SubmitQuestion(ctx context.Context, sub Submission) (*domain.Question, error) {
	text, err := validateSubmission(sub.Text, sub.IssueTag, e.opts.Taxonomy)
	if err != nil {
		observability.QuestionsSubmitted.WithLabelValues("rejected").Inc()
		return nil, err
	}

	q := &domain.Question{
		ContestID: sub.ContestID,
		AuthorID:  sub.AuthorID,
		Text:      text,
		IssueTag:  sub.IssueTag,
	}

	if err := e.store.CreateQuestion(ctx, q, dedup.TextHash(text)); err != nil {
		observability.QuestionsSubmitted.WithLabelValues("error").Inc()
		return nil, err
	}

	assignment, err := e.assigner.Process(ctx, q)
	if err != nil {
		// The question stays pending in storage; a requeue can finish the
		// assignment later without losing the submission.
		observability.QuestionsSubmitted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("assign question %s: %w", q.ID, err)
	}

	observability.QuestionsSubmitted.WithLabelValues(string(assignment.Status)).Inc()

	return q, nil
}

// VoteMeta is re-exported so callers do not import the storage package.
type VoteMeta = db.VoteMeta

// CastVote records one up or down vote. Repeating an identical vote is a
// no-op; voting the opposite direction replaces the previous vote
// atomically. One user holds at most one live vote per question.
func (e *Engine) CastVote(ctx context.Context, userID, questionID string, value int, meta VoteMeta) (db.VoteOutcome, error) {
	mu := e.locks.lock(questionID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()

	outcome, err := e.store.ApplyVote(ctx, userID, questionID, value, meta, e.scorer)
	if err != nil {
		return db.VoteOutcome{}, err
	}

	observability.VoteWriteDuration.Observe(time.Since(start).Seconds())
	observability.VotesProcessed.WithLabelValues(string(outcome.Op)).Inc()

	if e.sink != nil && outcome.Op != db.VoteOpRepeat {
		e.sink.Offer(fraud.VoteEvent{
			ClusterID:        outcome.ClusterID,
			UserID:           userID,
			Fingerprint:      meta.Fingerprint,
			AccountCreatedAt: meta.AccountCreatedAt,
			At:               time.Now(),
		})
	}

	return outcome, nil
}

// RetractVote withdraws a user's vote on a question. The ledger entry stays
// for audit; only the aggregate moves.
func (e *Engine) RetractVote(ctx context.Context, userID, questionID string) (db.VoteOutcome, error) {
	mu := e.locks.lock(questionID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()

	outcome, err := e.store.RetractVote(ctx, userID, questionID, e.scorer)
	if err != nil {
		return db.VoteOutcome{}, err
	}

	observability.VoteWriteDuration.Observe(time.Since(start).Seconds())
	observability.VotesProcessed.WithLabelValues(string(outcome.Op)).Inc()

	return outcome, nil
}

// GetTopQuestions returns the diversity-constrained top-N ranking for a
// contest. The ranking is a read-time projection over stored aggregates and
// is never persisted.
func (e *Engine) GetTopQuestions(ctx context.Context, contestID string, n int) (portfolio.Result, error) {
	if n <= 0 {
		n = e.opts.DefaultTopN
	}

	rows, err := e.store.ListRankableClusters(ctx, contestID)
	if err != nil {
		observability.RankingsServed.WithLabelValues("error").Inc()
		return portfolio.Result{}, fmt.Errorf("list rankable clusters: %w", err)
	}

	candidates := make([]portfolio.Candidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, portfolio.Candidate{
			ClusterID:          r.ClusterID,
			RepresentativeID:   r.RepresentativeID,
			RepresentativeText: r.RepresentativeText,
			IssueTag:           r.IssueTag,
			Score:              r.Score,
			CreatedAt:          r.CreatedAt,
		})
	}

	result := portfolio.SelectTop(candidates, n, e.opts.Portfolio)
	observability.RankingsServed.WithLabelValues("ok").Inc()

	return result, nil
}

// ClusterDetail is the audit view of one cluster: the aggregate, the member
// questions (representative first) and the per-member vote breakdown.
type ClusterDetail struct {
	Cluster   *domain.Cluster
	Members   []domain.Question
	Breakdown []db.MemberVotes
}

// GetClusterDetail returns the audit view of a cluster.
func (e *Engine) GetClusterDetail(ctx context.Context, clusterID string) (*ClusterDetail, error) {
	c, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	members, err := e.store.GetClusterMembers(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster members: %w", err)
	}

	breakdown, err := e.store.GetClusterVoteBreakdown(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster vote breakdown: %w", err)
	}

	return &ClusterDetail{Cluster: c, Members: members, Breakdown: breakdown}, nil
}

// GetUserVote returns the user's ledger entry for a question, retracted or
// not, or ErrVoteNotFound when the user never voted on it.
func (e *Engine) GetUserVote(ctx context.Context, userID, questionID string) (*domain.Vote, error) {
	return e.store.GetVote(ctx, userID, questionID)
}

// MergeClusters folds src into dst. This is the explicit moderator path;
// automatic merges only ever happen at submission time.
func (e *Engine) MergeClusters(ctx context.Context, srcID, dstID string) error {
	if err := e.store.MergeClusters(ctx, srcID, dstID, e.scorer); err != nil {
		return err
	}

	e.logger.Info().
		Str("src_cluster", srcID).
		Str("dst_cluster", dstID).
		Msg("clusters merged")

	return nil
}

// CloseContest freezes a contest: no further submissions or votes are
// accepted for its clusters.
func (e *Engine) CloseContest(ctx context.Context, contestID string) error {
	return e.store.CloseContest(ctx, contestID)
}

// ListOpenFraudFlags returns the unresolved moderation queue, oldest first.
func (e *Engine) ListOpenFraudFlags(ctx context.Context, limit int) ([]domain.FraudFlag, error) {
	if limit <= 0 {
		limit = 100
	}

	return e.store.ListOpenFlags(ctx, limit)
}

// ResolveFraudFlag closes a fraud flag after moderator review.
func (e *Engine) ResolveFraudFlag(ctx context.Context, flagID string) error {
	return e.store.ResolveFraudFlag(ctx, flagID)
}

// GetQuestion returns a question by id.
func (e *Engine) GetQuestion(ctx context.Context, id string) (*domain.Question, error) {
	return e.store.GetQuestion(ctx, id)
}
