package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fallback defaults. Overlap is Jaccard similarity over character trigrams
// of the normalized text, deliberately stricter than the semantic
// threshold since surface overlap is a weaker signal.
const (
	defaultOverlapThreshold = 0.80
	defaultScanLimit        = 2000
	trigramSize             = 3
)

// Fallback matches questions by normalized exact text and trigram overlap.
// Used when the embedding provider is unavailable so dedup degrades
// gracefully instead of admitting unlimited duplicates. Worst case for a
// submission served by the fallback is text-match-only dedup, never a
// failed submission.
type Fallback struct {
	repo             Repository
	overlapThreshold float64
	scanLimit        int
}

// NewFallback creates a text-matching fallback over the same repository as
// the similarity index.
func NewFallback(repo Repository) *Fallback {
	return &Fallback{
		repo:             repo,
		overlapThreshold: defaultOverlapThreshold,
		scanLimit:        defaultScanLimit,
	}
}

// FindMatch returns the best text-level match for the submission, if any.
func (f *Fallback) FindMatch(ctx context.Context, contestID, text string) (*Match, Outcome, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, OutcomeNew, nil
	}

	questionID, clusterID, err := f.repo.FindActiveByTextHash(ctx, contestID, TextHash(text))
	if err != nil {
		return nil, OutcomeNew, fmt.Errorf("exact text match: %w", err)
	}

	if questionID != "" {
		return &Match{QuestionID: questionID, ClusterID: clusterID, Similarity: 1.0}, OutcomeDuplicate, nil
	}

	candidates, err := f.repo.ListActiveTexts(ctx, contestID, f.scanLimit)
	if err != nil {
		return nil, OutcomeNew, fmt.Errorf("list candidate texts: %w", err)
	}

	grams := trigrams(normalized)
	if len(grams) == 0 {
		return nil, OutcomeNew, nil
	}

	var best *Match

	var bestOverlap float64

	for _, c := range candidates {
		overlap := jaccard(grams, trigrams(NormalizeText(c.Text)))
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = &Match{QuestionID: c.ID, ClusterID: c.ClusterID, Similarity: float32(overlap)}
		}
	}

	if best != nil && bestOverlap >= f.overlapThreshold {
		return best, OutcomeDuplicate, nil
	}

	return nil, OutcomeNew, nil
}

var foldCaser = cases.Fold()

// NormalizeText canonicalizes question text for exact matching: NFKC
// normalization, case folding, punctuation stripped, whitespace collapsed.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = foldCaser.String(s)

	var b strings.Builder

	b.Grow(len(s))

	lastSpace := true

	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)

			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
			}

			lastSpace = true
		}
	}

	return strings.TrimSpace(b.String())
}

// TextHash returns the canonical hash of a question's normalized text.
func TextHash(s string) string {
	sum := sha256.Sum256([]byte(NormalizeText(s)))
	return hex.EncodeToString(sum[:])
}

func trigrams(s string) map[string]struct{} {
	runes := []rune(s)
	if len(runes) < trigramSize {
		if len(runes) == 0 {
			return nil
		}

		return map[string]struct{}{string(runes): {}}
	}

	grams := make(map[string]struct{}, len(runes)-trigramSize+1)
	for i := 0; i+trigramSize <= len(runes); i++ {
		grams[string(runes[i:i+trigramSize])] = struct{}{}
	}

	return grams
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	if len(b) < len(a) {
		a, b = b, a
	}

	intersection := 0

	for g := range a {
		if _, ok := b[g]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection

	return float64(intersection) / float64(union)
}
