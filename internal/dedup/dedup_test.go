package dedup

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/civicpulse/question-engine/internal/core/errors"
	db "github.com/civicpulse/question-engine/internal/storage"
)

type fakeRepo struct {
	nearest []db.NearestQuestion

	hashQuestionID string
	hashClusterID  string

	texts []db.QuestionText
}

func (f *fakeRepo) FindNearestActive(_ context.Context, _ string, _ []float32, _ int) ([]db.NearestQuestion, error) {
	return f.nearest, nil
}

func (f *fakeRepo) FindActiveByTextHash(_ context.Context, _ string, _ string) (string, string, error) {
	return f.hashQuestionID, f.hashClusterID, nil
}

func (f *fakeRepo) ListActiveTexts(_ context.Context, _ string, _ int) ([]db.QuestionText, error) {
	return f.texts, nil
}

func TestFindNearestClassification(t *testing.T) {
	tests := []struct {
		name       string
		similarity float32
		outcome    Outcome
		wantMatch  bool
	}{
		{name: "above duplicate threshold", similarity: 0.91, outcome: OutcomeDuplicate, wantMatch: true},
		{name: "exactly duplicate threshold", similarity: 0.85, outcome: OutcomeDuplicate, wantMatch: true},
		{name: "between thresholds", similarity: 0.70, outcome: OutcomeRelated, wantMatch: true},
		{name: "exactly related threshold", similarity: 0.60, outcome: OutcomeRelated, wantMatch: true},
		{name: "below related threshold", similarity: 0.40, outcome: OutcomeNew, wantMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{nearest: []db.NearestQuestion{
				{QuestionID: "q1", ClusterID: "c1", Similarity: tt.similarity},
			}}
			idx := NewIndex(repo, 3, 0.85, 0.60)

			match, outcome, err := idx.FindNearest(context.Background(), "contest", []float32{1, 0, 0})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if outcome != tt.outcome {
				t.Errorf("outcome = %q, want %q", outcome, tt.outcome)
			}

			if (match != nil) != tt.wantMatch {
				t.Errorf("match = %v, wantMatch %v", match, tt.wantMatch)
			}
		})
	}
}

func TestFindNearestEmptyIndex(t *testing.T) {
	idx := NewIndex(&fakeRepo{}, 3, 0.85, 0.60)

	match, outcome, err := idx.FindNearest(context.Background(), "contest", []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if match != nil || outcome != OutcomeNew {
		t.Errorf("got match %v outcome %q, want nil/new", match, outcome)
	}
}

func TestFindNearestDimensionMismatch(t *testing.T) {
	idx := NewIndex(&fakeRepo{}, 1536, 0.85, 0.60)

	_, _, err := idx.FindNearest(context.Background(), "contest", []float32{1, 0, 0})
	if !errors.Is(err, errors.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestFindNearestTieBreaksToOldest(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Two candidates within epsilon of each other; the older question must
	// win even though it is listed second.
	repo := &fakeRepo{nearest: []db.NearestQuestion{
		{QuestionID: "q-new", ClusterID: "c-new", Similarity: 0.9000001, CreatedAt: base},
		{QuestionID: "q-old", ClusterID: "c-old", Similarity: 0.9000000, CreatedAt: base.Add(-time.Hour)},
		{QuestionID: "q-far", ClusterID: "c-far", Similarity: 0.86, CreatedAt: base.Add(-24 * time.Hour)},
	}}
	idx := NewIndex(repo, 3, 0.85, 0.60)

	match, outcome, err := idx.FindNearest(context.Background(), "contest", []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", outcome)
	}

	if match.QuestionID != "q-old" {
		t.Errorf("match = %s, want q-old (tie broken by age, not by q-far outside epsilon)", match.QuestionID)
	}
}

func TestFindNearestTieBreaksByIDAtEqualAge(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	repo := &fakeRepo{nearest: []db.NearestQuestion{
		{QuestionID: "q-b", ClusterID: "c-b", Similarity: 0.9, CreatedAt: base},
		{QuestionID: "q-a", ClusterID: "c-a", Similarity: 0.9, CreatedAt: base},
	}}
	idx := NewIndex(repo, 3, 0.85, 0.60)

	match, _, err := idx.FindNearest(context.Background(), "contest", []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if match.QuestionID != "q-a" {
		t.Errorf("match = %s, want q-a by id order", match.QuestionID)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float32
	}{
		{
			name:     "identical vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{0, 1, 0},
			expected: 0.0,
		},
		{
			name:     "opposite vectors",
			a:        []float32{1, 0, 0},
			b:        []float32{-1, 0, 0},
			expected: -1.0,
		},
		{
			name:     "different lengths",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0},
			expected: 0.0,
		},
		{
			name:     "empty vectors",
			a:        []float32{},
			b:        []float32{},
			expected: 0.0,
		},
		{
			name:     "zero vectors",
			a:        []float32{0, 0, 0},
			b:        []float32{1, 1, 1},
			expected: 0.0,
		},
		{
			name:     "typical similarity",
			a:        []float32{1, 1, 0},
			b:        []float32{1, 0, 0},
			expected: float32(1.0 / math.Sqrt(2.0)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.expected)) > 1e-6 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.expected)
			}
		})
	}
}
