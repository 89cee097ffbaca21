package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/civicpulse/question-engine/internal/core/domain"
	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
)

// VoteOp describes what a ledger write actually did.
type VoteOp string

// Vote operation constants.
const (
	VoteOpCast    VoteOp = "cast"
	VoteOpChange  VoteOp = "change"
	VoteOpRepeat  VoteOp = "repeat"
	VoteOpRetract VoteOp = "retract"
)

// VoteOutcome reports the ledger write and the refreshed cluster aggregate.
type VoteOutcome struct {
	Op        VoteOp
	ClusterID string
	ContestID string
	Upvotes   int
	Downvotes int
	Score     float64
}

// VoteMeta carries the optional caller-supplied context used only by the
// fraud monitor. Values never influence the tally.
type VoteMeta struct {
	Fingerprint      string
	AccountCreatedAt time.Time
}

// RecentVote is one ledger entry joined with its cluster, for the periodic
// fraud scan.
type RecentVote struct {
	UserID           string
	QuestionID       string
	ClusterID        string
	Value            int
	Fingerprint      string
	AccountCreatedAt time.Time
	UpdatedAt        time.Time
}

// ApplyVote records one vote in the ledger and refreshes the cluster
// aggregate and score inside a single transaction. Repeating an identical
// vote is a no-op (idempotent); flipping a vote is a single atomic replace,
// never a retract-then-insert. The ledger keys votes by the question the
// user actually voted on, even when that question is a duplicate whose
// tally rolls up into another representative's cluster.
func (db *DB) ApplyVote(ctx context.Context, userID, questionID string, value int, meta VoteMeta, scorer Scorer) (VoteOutcome, error) {
	if value != domain.VoteUp && value != domain.VoteDown {
		return VoteOutcome{}, engerrors.ErrInvalidVoteValue
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("begin vote: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	clusterID, contestID, err := votableCluster(ctx, tx, questionID)
	if err != nil {
		return VoteOutcome{}, err
	}

	var prevValue int16

	var prevRetracted bool

	hadVote := true

	err = tx.QueryRow(ctx, `
		SELECT value, retracted FROM votes
		WHERE user_id = $1 AND question_id = $2
		FOR UPDATE
	`, userID, toUUID(questionID)).Scan(&prevValue, &prevRetracted)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return VoteOutcome{}, fmt.Errorf("read vote: %w", err)
		}

		hadVote = false
	}

	op := VoteOpCast

	deltaUp, deltaDown := 0, 0

	switch {
	case hadVote && !prevRetracted && int(prevValue) == value:
		op = VoteOpRepeat
	case hadVote && !prevRetracted:
		op = VoteOpChange
		deltaUp, deltaDown = voteDelta(value)

		removeUp, removeDown := voteDelta(int(prevValue))
		deltaUp -= removeUp
		deltaDown -= removeDown
	default:
		deltaUp, deltaDown = voteDelta(value)
	}

	if op != VoteOpRepeat {
		if _, err := tx.Exec(ctx, `
			INSERT INTO votes (user_id, question_id, value, fingerprint, account_created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, question_id) DO UPDATE
			SET value = EXCLUDED.value, retracted = FALSE, updated_at = now(),
			    fingerprint = COALESCE(EXCLUDED.fingerprint, votes.fingerprint),
			    account_created_at = COALESCE(EXCLUDED.account_created_at, votes.account_created_at)
		`, userID, toUUID(questionID), value, toText(meta.Fingerprint), toTimestamptz(meta.AccountCreatedAt)); err != nil {
			return VoteOutcome{}, fmt.Errorf("upsert vote: %w", err)
		}
	}

	outcome, err := refreshAggregate(ctx, tx, clusterID, deltaUp, deltaDown, scorer)
	if err != nil {
		return VoteOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VoteOutcome{}, fmt.Errorf("commit vote: %w", err)
	}

	outcome.Op = op
	outcome.ClusterID = clusterID
	outcome.ContestID = contestID

	return outcome, nil
}

// RetractVote marks the user's vote retracted and removes it from the
// aggregate. The ledger row is kept for audit.
func (db *DB) RetractVote(ctx context.Context, userID, questionID string, scorer Scorer) (VoteOutcome, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("begin retract: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	clusterID, contestID, err := votableCluster(ctx, tx, questionID)
	if err != nil {
		return VoteOutcome{}, err
	}

	var prevValue int16

	err = tx.QueryRow(ctx, `
		SELECT value FROM votes
		WHERE user_id = $1 AND question_id = $2 AND NOT retracted
		FOR UPDATE
	`, userID, toUUID(questionID)).Scan(&prevValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VoteOutcome{}, engerrors.ErrVoteNotFound
		}

		return VoteOutcome{}, fmt.Errorf("read vote: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE votes SET retracted = TRUE, updated_at = now()
		WHERE user_id = $1 AND question_id = $2
	`, userID, toUUID(questionID)); err != nil {
		return VoteOutcome{}, fmt.Errorf("retract vote: %w", err)
	}

	removeUp, removeDown := voteDelta(int(prevValue))

	outcome, err := refreshAggregate(ctx, tx, clusterID, -removeUp, -removeDown, scorer)
	if err != nil {
		return VoteOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return VoteOutcome{}, fmt.Errorf("commit retract: %w", err)
	}

	outcome.Op = VoteOpRetract
	outcome.ClusterID = clusterID
	outcome.ContestID = contestID

	return outcome, nil
}

// GetVote returns the user's current ledger entry for a question.
func (db *DB) GetVote(ctx context.Context, userID, questionID string) (*domain.Vote, error) {
	var value int16

	var retracted, flagged bool

	var createdAt, updatedAt pgtype.Timestamptz

	err := db.Pool.QueryRow(ctx, `
		SELECT value, retracted, flagged, created_at, updated_at
		FROM votes WHERE user_id = $1 AND question_id = $2
	`, userID, toUUID(questionID)).Scan(&value, &retracted, &flagged, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engerrors.ErrVoteNotFound
		}

		return nil, fmt.Errorf("get vote: %w", err)
	}

	return &domain.Vote{
		UserID:     userID,
		QuestionID: questionID,
		Value:      int(value),
		Retracted:  retracted,
		Flagged:    flagged,
		CreatedAt:  createdAt.Time,
		UpdatedAt:  updatedAt.Time,
	}, nil
}

// ListRecentVotes returns non-retracted ledger entries updated since the
// given time, for the periodic fraud scan.
func (db *DB) ListRecentVotes(ctx context.Context, since time.Time) ([]RecentVote, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT v.user_id, v.question_id, q.cluster_id, v.value,
		       COALESCE(v.fingerprint, ''), v.account_created_at, v.updated_at
		FROM votes v
		JOIN questions q ON q.id = v.question_id
		WHERE v.updated_at >= $1 AND NOT v.retracted
		ORDER BY v.updated_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list recent votes: %w", err)
	}
	defer rows.Close()

	var res []RecentVote

	for rows.Next() {
		var userID, fingerprint string

		var questionID, clusterID pgtype.UUID

		var value int16

		var accountCreatedAt, updatedAt pgtype.Timestamptz

		if err := rows.Scan(&userID, &questionID, &clusterID, &value, &fingerprint, &accountCreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan recent vote: %w", err)
		}

		res = append(res, RecentVote{
			UserID:           userID,
			QuestionID:       fromUUID(questionID),
			ClusterID:        fromUUID(clusterID),
			Value:            int(value),
			Fingerprint:      fingerprint,
			AccountCreatedAt: accountCreatedAt.Time,
			UpdatedAt:        updatedAt.Time,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent votes: %w", err)
	}

	return res, nil
}

// FlagClusterVotes marks recent votes on a cluster as flagged for human
// review. Vote values are never altered.
func (db *DB) FlagClusterVotes(ctx context.Context, clusterID string, since time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE votes SET flagged = TRUE
		FROM questions q
		WHERE q.id = votes.question_id AND q.cluster_id = $1
		  AND votes.updated_at >= $2 AND NOT votes.retracted AND NOT votes.flagged
	`, toUUID(clusterID), since)
	if err != nil {
		return 0, fmt.Errorf("flag cluster votes: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// votableCluster resolves a question to its cluster and validates that it
// can receive votes. Duplicates stay votable (their votes roll up into the
// cluster tally); rejected and still-pending questions do not.
func votableCluster(ctx context.Context, tx pgx.Tx, questionID string) (string, string, error) {
	var status, contestID string

	var clusterID pgtype.UUID

	var active bool

	err := tx.QueryRow(ctx, `
		SELECT q.status, q.contest_id, q.cluster_id, COALESCE(c.active, FALSE)
		FROM questions q
		LEFT JOIN clusters c ON c.id = q.cluster_id
		WHERE q.id = $1
	`, toUUID(questionID)).Scan(&status, &contestID, &clusterID, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", engerrors.ErrQuestionNotFound
		}

		return "", "", fmt.Errorf("resolve question: %w", err)
	}

	if domain.QuestionStatus(status) != domain.StatusActive && domain.QuestionStatus(status) != domain.StatusDuplicate {
		return "", "", fmt.Errorf("%w: status %s", engerrors.ErrQuestionNotVotable, status)
	}

	if !clusterID.Valid {
		return "", "", fmt.Errorf("%w: question has no cluster", engerrors.ErrQuestionNotVotable)
	}

	if !active {
		return "", "", engerrors.ErrClusterInactive
	}

	return fromUUID(clusterID), contestID, nil
}

func refreshAggregate(ctx context.Context, tx pgx.Tx, clusterID string, deltaUp, deltaDown int, scorer Scorer) (VoteOutcome, error) {
	var up, down int64

	err := tx.QueryRow(ctx, `
		UPDATE clusters SET upvotes = upvotes + $2, downvotes = downvotes + $3
		WHERE id = $1
		RETURNING upvotes, downvotes
	`, toUUID(clusterID), deltaUp, deltaDown).Scan(&up, &down)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("update cluster tally: %w", err)
	}

	score := scorer.Score(int(up), int(down))

	if _, err := tx.Exec(ctx, `
		UPDATE clusters SET score = $2 WHERE id = $1
	`, toUUID(clusterID), score); err != nil {
		return VoteOutcome{}, fmt.Errorf("update cluster score: %w", err)
	}

	return VoteOutcome{Upvotes: int(up), Downvotes: int(down), Score: score}, nil
}

func voteDelta(value int) (up, down int) {
	if value == domain.VoteUp {
		return 1, 0
	}

	return 0, 1
}
