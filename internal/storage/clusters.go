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

// Cluster is an alias for the domain type.
type Cluster = domain.Cluster

// RankableCluster is a snapshot row feeding the portfolio selector.
type RankableCluster struct {
	ClusterID          string
	RepresentativeID   string
	RepresentativeText string
	IssueTag           string
	Upvotes            int
	Downvotes          int
	Score              float64
	CreatedAt          time.Time
}

// MemberVotes is the per-member vote breakdown for the audit UI.
type MemberVotes struct {
	QuestionID string
	Text       string
	Status     domain.QuestionStatus
	Upvotes    int
	Downvotes  int
}

// CreateCluster inserts a cluster with the given question as representative.
func (db *DB) CreateCluster(ctx context.Context, contestID, representativeID, issueTag string) (string, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO clusters (contest_id, representative_id, issue_tag)
		VALUES ($1, $2, $3)
		RETURNING id
	`, contestID, toUUID(representativeID), issueTag)

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("create cluster: %w", err)
	}

	return fromUUID(id), nil
}

// GetCluster returns one cluster by id.
func (db *DB) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, contest_id, representative_id, issue_tag, upvotes, downvotes, score, active, created_at
		FROM clusters WHERE id = $1
	`, toUUID(id))

	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engerrors.ErrClusterNotFound
		}

		return nil, fmt.Errorf("get cluster: %w", err)
	}

	return c, nil
}

// GetClusterMembers returns all questions assigned to a cluster,
// representative first.
func (db *DB) GetClusterMembers(ctx context.Context, clusterID string) ([]Question, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT q.id, q.contest_id, q.author_id, q.text, q.issue_tag, q.status, q.cluster_id, q.edit_version, q.created_at
		FROM questions q
		JOIN clusters c ON c.id = q.cluster_id
		WHERE q.cluster_id = $1
		ORDER BY (q.id = c.representative_id) DESC, q.created_at, q.id
	`, toUUID(clusterID))
	if err != nil {
		return nil, fmt.Errorf("get cluster members: %w", err)
	}
	defer rows.Close()

	var res []Question

	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}

		res = append(res, *q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}

	return res, nil
}

// GetClusterVoteBreakdown returns the non-retracted vote tally per member
// question, for GetClusterDetail.
func (db *DB) GetClusterVoteBreakdown(ctx context.Context, clusterID string) ([]MemberVotes, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT q.id, q.text, q.status,
		       COUNT(*) FILTER (WHERE v.value = 1 AND NOT v.retracted) AS upvotes,
		       COUNT(*) FILTER (WHERE v.value = -1 AND NOT v.retracted) AS downvotes
		FROM questions q
		LEFT JOIN votes v ON v.question_id = q.id
		WHERE q.cluster_id = $1
		GROUP BY q.id, q.text, q.status
		ORDER BY q.created_at, q.id
	`, toUUID(clusterID))
	if err != nil {
		return nil, fmt.Errorf("get cluster vote breakdown: %w", err)
	}
	defer rows.Close()

	var res []MemberVotes

	for rows.Next() {
		var id pgtype.UUID

		var text, status string

		var upvotes, downvotes int64

		if err := rows.Scan(&id, &text, &status, &upvotes, &downvotes); err != nil {
			return nil, fmt.Errorf("scan breakdown row: %w", err)
		}

		res = append(res, MemberVotes{
			QuestionID: fromUUID(id),
			Text:       text,
			Status:     domain.QuestionStatus(status),
			Upvotes:    int(upvotes),
			Downvotes:  int(downvotes),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate breakdown rows: %w", err)
	}

	return res, nil
}

// ListRankableClusters returns a consistent snapshot of all active clusters
// in a contest with their representative text, for the portfolio selector.
// Vote writers are not blocked; eventual consistency within one
// recomputation interval is acceptable for the published ranking.
func (db *DB) ListRankableClusters(ctx context.Context, contestID string) ([]RankableCluster, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT c.id, c.representative_id, q.text, c.issue_tag, c.upvotes, c.downvotes, c.score, c.created_at
		FROM clusters c
		JOIN questions q ON q.id = c.representative_id
		WHERE c.contest_id = $1 AND c.active
		ORDER BY c.score DESC, c.created_at, c.id
	`, contestID)
	if err != nil {
		return nil, fmt.Errorf("list rankable clusters: %w", err)
	}
	defer rows.Close()

	var res []RankableCluster

	for rows.Next() {
		var id, repID pgtype.UUID

		var text, issueTag string

		var upvotes, downvotes int64

		var score float64

		var createdAt pgtype.Timestamptz

		if err := rows.Scan(&id, &repID, &text, &issueTag, &upvotes, &downvotes, &score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rankable row: %w", err)
		}

		res = append(res, RankableCluster{
			ClusterID:          fromUUID(id),
			RepresentativeID:   fromUUID(repID),
			RepresentativeText: text,
			IssueTag:           issueTag,
			Upvotes:            int(upvotes),
			Downvotes:          int(downvotes),
			Score:              score,
			CreatedAt:          createdAt.Time,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rankable rows: %w", err)
	}

	return res, nil
}

// ListClusterIDs returns the ids of all active clusters in a contest.
func (db *DB) ListClusterIDs(ctx context.Context, contestID string) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id FROM clusters WHERE contest_id = $1 AND active ORDER BY created_at, id
	`, contestID)
	if err != nil {
		return nil, fmt.Errorf("list cluster ids: %w", err)
	}
	defer rows.Close()

	var res []string

	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cluster id: %w", err)
		}

		res = append(res, fromUUID(id))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster ids: %w", err)
	}

	return res, nil
}

// ListContests returns distinct contest ids with at least one active cluster.
func (db *DB) ListContests(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT contest_id FROM clusters WHERE active ORDER BY contest_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	defer rows.Close()

	var res []string

	for rows.Next() {
		var contestID string
		if err := rows.Scan(&contestID); err != nil {
			return nil, fmt.Errorf("scan contest id: %w", err)
		}

		res = append(res, contestID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contest ids: %w", err)
	}

	return res, nil
}

// RecomputeClusterAggregate rebuilds one cluster's vote tally from the
// ledger and refreshes its score. Idempotent per cluster, so the periodic
// sweep is safe to cancel and resume. Returns true when the stored
// aggregate had drifted from the ledger.
func (db *DB) RecomputeClusterAggregate(ctx context.Context, clusterID string, scorer Scorer) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin recompute: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var up, down int64

	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE v.value = 1),
		       COUNT(*) FILTER (WHERE v.value = -1)
		FROM votes v
		JOIN questions q ON q.id = v.question_id
		WHERE q.cluster_id = $1 AND NOT v.retracted
	`, toUUID(clusterID)).Scan(&up, &down)
	if err != nil {
		return false, fmt.Errorf("sum ledger: %w", err)
	}

	score := scorer.Score(int(up), int(down))

	tag, err := tx.Exec(ctx, `
		UPDATE clusters SET upvotes = $2, downvotes = $3, score = $4
		WHERE id = $1 AND (upvotes <> $2 OR downvotes <> $3 OR score <> $4)
	`, toUUID(clusterID), up, down, score)
	if err != nil {
		return false, fmt.Errorf("update aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit recompute: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MergeClusters folds the source cluster into the destination under
// explicit moderator action. Member questions are re-pointed, the source
// representative is demoted to duplicate and leaves the similarity index,
// and the destination tally is rebuilt from the ledger so no vote is
// double-counted.
func (db *DB) MergeClusters(ctx context.Context, srcID, dstID string, scorer Scorer) error {
	if srcID == dstID {
		return engerrors.ErrSelfMerge
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var srcRep pgtype.UUID

	var srcContest, dstContest string

	if err := tx.QueryRow(ctx, `
		SELECT representative_id, contest_id FROM clusters WHERE id = $1 AND active FOR UPDATE
	`, toUUID(srcID)).Scan(&srcRep, &srcContest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engerrors.ErrClusterNotFound
		}

		return fmt.Errorf("lock source cluster: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		SELECT contest_id FROM clusters WHERE id = $1 AND active FOR UPDATE
	`, toUUID(dstID)).Scan(&dstContest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engerrors.ErrClusterNotFound
		}

		return fmt.Errorf("lock destination cluster: %w", err)
	}

	if srcContest != dstContest {
		return fmt.Errorf("%w: clusters belong to different contests", engerrors.ErrInvalidInput)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE questions SET cluster_id = $2,
		       status = CASE WHEN status = 'active' THEN 'duplicate' ELSE status END
		WHERE cluster_id = $1
	`, toUUID(srcID), toUUID(dstID)); err != nil {
		return fmt.Errorf("repoint members: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM question_embeddings WHERE question_id = $1
	`, srcRep); err != nil {
		return fmt.Errorf("drop source embedding: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE clusters SET active = FALSE, upvotes = 0, downvotes = 0, score = 0 WHERE id = $1
	`, toUUID(srcID)); err != nil {
		return fmt.Errorf("deactivate source cluster: %w", err)
	}

	var up, down int64

	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE v.value = 1),
		       COUNT(*) FILTER (WHERE v.value = -1)
		FROM votes v
		JOIN questions q ON q.id = v.question_id
		WHERE q.cluster_id = $1 AND NOT v.retracted
	`, toUUID(dstID)).Scan(&up, &down); err != nil {
		return fmt.Errorf("sum merged ledger: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE clusters SET upvotes = $2, downvotes = $3, score = $4 WHERE id = $1
	`, toUUID(dstID), up, down, scorer.Score(int(up), int(down))); err != nil {
		return fmt.Errorf("update merged aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}

	return nil
}

// CloseContest marks all of a contest's clusters inactive. Clusters are
// never hard-deleted.
func (db *DB) CloseContest(ctx context.Context, contestID string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE clusters SET active = FALSE WHERE contest_id = $1
	`, contestID); err != nil {
		return fmt.Errorf("close contest: %w", err)
	}

	return nil
}

func scanCluster(row rowScanner) (*Cluster, error) {
	var id, repID pgtype.UUID

	var contestID, issueTag string

	var upvotes, downvotes int64

	var score float64

	var active bool

	var createdAt pgtype.Timestamptz

	if err := row.Scan(&id, &contestID, &repID, &issueTag, &upvotes, &downvotes, &score, &active, &createdAt); err != nil {
		return nil, err
	}

	return &Cluster{
		ID:               fromUUID(id),
		ContestID:        contestID,
		RepresentativeID: fromUUID(repID),
		IssueTag:         issueTag,
		Upvotes:          int(upvotes),
		Downvotes:        int(downvotes),
		Score:            score,
		Active:           active,
		CreatedAt:        createdAt.Time,
	}, nil
}
