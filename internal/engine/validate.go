package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/civicpulse/question-engine/internal/core/domain"
	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
)

// maxTextLength bounds question text in runes. Long enough for any real
// question, short enough to keep embedding costs and UI rendering sane.
const maxTextLength = 2000

// validateSubmission checks text and issue tag, returning the trimmed text.
func validateSubmission(text, issueTag string, taxonomy domain.Taxonomy) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", engerrors.ErrEmptyText
	}

	if utf8.RuneCountInString(text) > maxTextLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", engerrors.ErrInvalidInput, maxTextLength)
	}

	if !taxonomy.Contains(issueTag) {
		return "", fmt.Errorf("%w: %q", engerrors.ErrUnknownIssueTag, issueTag)
	}

	return text, nil
}
