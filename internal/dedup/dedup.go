// Package dedup decides whether a newly submitted question duplicates an
// existing active question in the same contest.
//
// The primary path embeds the text and queries the pgvector similarity
// index. When no embedding provider is reachable the pipeline degrades to
// normalized exact-text and trigram-overlap matching rather than admitting
// unlimited duplicates.
package dedup

import (
	"context"
	"fmt"
	"math"

	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// epsilon is the cosine-similarity tolerance inside which two candidate
// matches count as tied; the older question wins for deterministic,
// repeatable assignment.
const epsilon = 1e-6

// nearestCandidates is how many neighbors are fetched to resolve ties.
const nearestCandidates = 5

// Match is the result of a similarity lookup.
type Match struct {
	QuestionID string
	ClusterID  string
	Similarity float32
}

// Outcome classifies a dedup decision.
type Outcome string

// Dedup outcome constants.
const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRelated   Outcome = "related"
)

// Repository is the storage surface the index needs.
type Repository interface {
	FindNearestActive(ctx context.Context, contestID string, embedding []float32, limit int) ([]db.NearestQuestion, error)
	FindActiveByTextHash(ctx context.Context, contestID, textHash string) (string, string, error)
	ListActiveTexts(ctx context.Context, contestID string, limit int) ([]db.QuestionText, error)
}

// Index is the per-contest similarity index over active question vectors.
// Reads are pure; index mutation happens only via the storage layer after a
// question is confirmed active.
type Index struct {
	repo               Repository
	dimensions         int
	duplicateThreshold float32
	relatedThreshold   float32
}

// NewIndex creates a similarity index with the configured thresholds.
func NewIndex(repo Repository, dimensions int, duplicateThreshold, relatedThreshold float32) *Index {
	return &Index{
		repo:               repo,
		dimensions:         dimensions,
		duplicateThreshold: duplicateThreshold,
		relatedThreshold:   relatedThreshold,
	}
}

// FindNearest returns the best-matching active question in the contest and
// how its similarity classifies against the thresholds. A nil match means
// nothing was above the related threshold. A vector of the wrong dimension
// is a configuration error and fails fast.
func (idx *Index) FindNearest(ctx context.Context, contestID string, embedding []float32) (*Match, Outcome, error) {
	if len(embedding) == 0 || len(embedding) != idx.dimensions {
		return nil, OutcomeNew, fmt.Errorf("%w: got %d, want %d",
			engerrors.ErrDimensionMismatch, len(embedding), idx.dimensions)
	}

	candidates, err := idx.repo.FindNearestActive(ctx, contestID, embedding, nearestCandidates)
	if err != nil {
		return nil, OutcomeNew, fmt.Errorf("find nearest: %w", err)
	}

	if len(candidates) == 0 {
		return nil, OutcomeNew, nil
	}

	best := pickOldestWithinEpsilon(candidates)

	match := &Match{
		QuestionID: best.QuestionID,
		ClusterID:  best.ClusterID,
		Similarity: best.Similarity,
	}

	switch {
	case best.Similarity >= idx.duplicateThreshold:
		return match, OutcomeDuplicate, nil
	case best.Similarity >= idx.relatedThreshold:
		return match, OutcomeRelated, nil
	default:
		return nil, OutcomeNew, nil
	}
}

// pickOldestWithinEpsilon resolves floating-point ties toward the oldest
// question. Candidates arrive ordered by similarity descending.
func pickOldestWithinEpsilon(candidates []db.NearestQuestion) db.NearestQuestion {
	best := candidates[0]

	for _, c := range candidates[1:] {
		if float64(best.Similarity)-float64(c.Similarity) > epsilon {
			break
		}

		if c.CreatedAt.Before(best.CreatedAt) ||
			(c.CreatedAt.Equal(best.CreatedAt) && c.QuestionID < best.QuestionID) {
			best = c
		}
	}

	return best
}

// CosineSimilarity computes cosine similarity between two vectors,
// range [-1, 1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float32

	for i := 0; i < len(a); i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
