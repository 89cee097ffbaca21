// Package cluster owns the question-to-cluster assignment.
//
// Automatic merges happen only at submission time against existing active
// questions, never retroactively; a later, more popular phrasing can absorb
// an earlier one only through explicit moderator action. This prevents
// retroactive vote theft.
package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/civicpulse/question-engine/internal/core/domain"
	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
	"github.com/civicpulse/question-engine/internal/dedup"
	"github.com/civicpulse/question-engine/internal/platform/observability"
)

// Store is the storage surface the manager needs.
type Store interface {
	ActivateQuestion(ctx context.Context, questionID, clusterID string) error
	MarkDuplicate(ctx context.Context, questionID, clusterID string) error
	CreateCluster(ctx context.Context, contestID, representativeID, issueTag string) (string, error)
	SaveEmbedding(ctx context.Context, questionID, contestID string, embedding []float32) error
	SaveRelatedHint(ctx context.Context, questionID, relatedID string, similarity float32) error
}

// Embedder produces a normalized vector for question text.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Matcher finds the best semantic match for an embedded submission.
type Matcher interface {
	FindNearest(ctx context.Context, contestID string, embedding []float32) (*dedup.Match, dedup.Outcome, error)
}

// TextMatcher is the degraded matcher used when embeddings are unavailable.
type TextMatcher interface {
	FindMatch(ctx context.Context, contestID, text string) (*dedup.Match, dedup.Outcome, error)
}

// Assignment is the result of processing one submission.
type Assignment struct {
	Status    domain.QuestionStatus
	ClusterID string
	// Embedded reports whether the semantic path served the submission;
	// false means the text fallback did.
	Embedded bool
}

// Manager runs the submission pipeline: embed, query the similarity index,
// then either fold the question into an existing cluster or promote it to
// representative of a new one.
type Manager struct {
	store    Store
	embedder Embedder
	index    Matcher
	fallback TextMatcher
	logger   *zerolog.Logger
}

// NewManager creates a cluster manager.
func NewManager(store Store, embedder Embedder, index Matcher, fallback TextMatcher, logger *zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		embedder: embedder,
		index:    index,
		fallback: fallback,
		logger:   logger,
	}
}

// Process assigns a pending question to a cluster. Provider outages are
// absorbed by the text fallback and never fail the submission; only a
// dimension mismatch (fatal configuration error) or a storage failure
// propagates.
func (m *Manager) Process(ctx context.Context, q *domain.Question) (Assignment, error) {
	match, outcome, embedding, err := m.classify(ctx, q)
	if err != nil {
		return Assignment{}, err
	}

	observability.DedupOutcomes.WithLabelValues(string(outcome)).Inc()

	if outcome == dedup.OutcomeDuplicate {
		// Duplicates never enter the similarity index: matching always
		// runs against cluster representatives, so clusters cannot drift
		// by chaining near-duplicates.
		if err := m.store.MarkDuplicate(ctx, q.ID, match.ClusterID); err != nil {
			return Assignment{}, fmt.Errorf("mark duplicate: %w", err)
		}

		q.Status = domain.StatusDuplicate
		q.ClusterID = match.ClusterID

		m.logger.Debug().
			Str("question_id", q.ID).
			Str("cluster_id", match.ClusterID).
			Float32("similarity", match.Similarity).
			Msg("question merged into existing cluster")

		return Assignment{Status: domain.StatusDuplicate, ClusterID: match.ClusterID, Embedded: embedding != nil}, nil
	}

	clusterID, err := m.promote(ctx, q, embedding)
	if err != nil {
		return Assignment{}, err
	}

	if outcome == dedup.OutcomeRelated && match != nil {
		// Below the duplicate threshold but above the related one: keep
		// the pair as a UI hint, not a merge.
		if err := m.store.SaveRelatedHint(ctx, q.ID, match.QuestionID, match.Similarity); err != nil {
			m.logger.Warn().Err(err).Str("question_id", q.ID).Msg("save related hint")
		}
	}

	return Assignment{Status: domain.StatusActive, ClusterID: clusterID, Embedded: embedding != nil}, nil
}

// classify embeds the text and consults the similarity index, degrading to
// the text fallback on provider failure.
func (m *Manager) classify(ctx context.Context, q *domain.Question) (*dedup.Match, dedup.Outcome, []float32, error) {
	embedding, err := m.embedder.GetEmbedding(ctx, q.Text)
	if err != nil {
		if errors.Is(err, engerrors.ErrDimensionMismatch) {
			return nil, dedup.OutcomeNew, nil, err
		}

		m.logger.Warn().Err(err).
			Str("question_id", q.ID).
			Msg("embedding unavailable, falling back to text matching")
		observability.DedupFallbacks.Inc()

		match, outcome, err := m.fallback.FindMatch(ctx, q.ContestID, q.Text)
		if err != nil {
			return nil, dedup.OutcomeNew, nil, fmt.Errorf("fallback match: %w", err)
		}

		return match, outcome, nil, nil
	}

	match, outcome, err := m.index.FindNearest(ctx, q.ContestID, embedding)
	if err != nil {
		return nil, dedup.OutcomeNew, nil, fmt.Errorf("similarity lookup: %w", err)
	}

	return match, outcome, embedding, nil
}

// promote makes the question the representative of a fresh cluster and,
// when a vector exists, inserts it into the similarity index.
func (m *Manager) promote(ctx context.Context, q *domain.Question, embedding []float32) (string, error) {
	clusterID, err := m.store.CreateCluster(ctx, q.ContestID, q.ID, q.IssueTag)
	if err != nil {
		return "", fmt.Errorf("create cluster: %w", err)
	}

	if err := m.store.ActivateQuestion(ctx, q.ID, clusterID); err != nil {
		return "", fmt.Errorf("activate question: %w", err)
	}

	if embedding != nil {
		if err := m.store.SaveEmbedding(ctx, q.ID, q.ContestID, embedding); err != nil {
			return "", fmt.Errorf("index embedding: %w", err)
		}
	}

	q.Status = domain.StatusActive
	q.ClusterID = clusterID

	m.logger.Debug().
		Str("question_id", q.ID).
		Str("cluster_id", clusterID).
		Msg("question promoted to cluster representative")

	return clusterID, nil
}
