// Package errors provides centralized error definitions for the engine.
// Errors are organized by the taxonomy callers need to branch on:
// configuration errors are fatal for the affected worker, provider errors
// degrade into fallbacks, conflicts are resolved rather than surfaced, and
// validation errors are the only submission-time failures a caller sees.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package errors

import "errors"

// Configuration errors. These are fatal for the affected worker and are
// never retried.
var (
	// ErrDimensionMismatch indicates an embedding vector of the wrong dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyTaxonomy indicates no issue tags were configured.
	ErrEmptyTaxonomy = errors.New("issue tag taxonomy is empty")
)

// Transient provider errors. Retried with backoff, then absorbed by the
// degraded dedup fallback.
var (
	// ErrProviderUnavailable indicates no embedding provider could serve the request.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrCircuitBreakerOpen indicates the circuit breaker has tripped and requests are blocked.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Validation errors. Rejected synchronously at submission.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyText indicates an empty question text.
	ErrEmptyText = errors.New("question text is empty")

	// ErrUnknownIssueTag indicates an issue tag outside the configured taxonomy.
	ErrUnknownIssueTag = errors.New("unknown issue tag")

	// ErrInvalidVoteValue indicates a vote value outside {+1, -1}.
	ErrInvalidVoteValue = errors.New("vote value must be +1 or -1")
)

// Lookup errors.
var (
	// ErrQuestionNotFound indicates a question could not be found.
	ErrQuestionNotFound = errors.New("question not found")

	// ErrClusterNotFound indicates a cluster could not be found.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrVoteNotFound indicates no active vote exists for the (user, question) pair.
	ErrVoteNotFound = errors.New("vote not found")

	// ErrNotFound is a generic not found error.
	ErrNotFound = errors.New("not found")
)

// State errors.
var (
	// ErrQuestionNotVotable indicates a vote on a rejected question.
	ErrQuestionNotVotable = errors.New("question is not votable")

	// ErrClusterInactive indicates an operation on a closed contest's cluster.
	ErrClusterInactive = errors.New("cluster is inactive")

	// ErrSelfMerge indicates a moderator merge of a cluster into itself.
	ErrSelfMerge = errors.New("cannot merge a cluster into itself")
)

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
