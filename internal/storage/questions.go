package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/civicpulse/question-engine/internal/core/domain"
	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
)

// Question is an alias for the domain type.
type Question = domain.Question

// NearestQuestion is one candidate returned by the similarity search.
type NearestQuestion struct {
	QuestionID string
	ClusterID  string
	Similarity float32
	CreatedAt  time.Time
}

// QuestionText pairs a question id with its raw text for the degraded
// text-matching fallback.
type QuestionText struct {
	ID        string
	ClusterID string
	Text      string
	CreatedAt time.Time
}

// CreateQuestion inserts a question in pending status and fills in its id
// and creation timestamp.
func (db *DB) CreateQuestion(ctx context.Context, q *Question, textHash string) error {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO questions (contest_id, author_id, text, text_hash, issue_tag, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, q.ContestID, q.AuthorID, q.Text, textHash, q.IssueTag, string(domain.StatusPending))

	var id pgtype.UUID

	var createdAt pgtype.Timestamptz

	if err := row.Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("create question: %w", err)
	}

	q.ID = fromUUID(id)
	q.Status = domain.StatusPending
	q.CreatedAt = createdAt.Time

	return nil
}

// ActivateQuestion marks a question active as the representative of clusterID.
func (db *DB) ActivateQuestion(ctx context.Context, questionID, clusterID string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE questions SET status = $1, cluster_id = $2 WHERE id = $3
	`, string(domain.StatusActive), toUUID(clusterID), toUUID(questionID)); err != nil {
		return fmt.Errorf("activate question: %w", err)
	}

	return nil
}

// MarkDuplicate marks a question as a duplicate member of clusterID.
func (db *DB) MarkDuplicate(ctx context.Context, questionID, clusterID string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE questions SET status = $1, cluster_id = $2 WHERE id = $3
	`, string(domain.StatusDuplicate), toUUID(clusterID), toUUID(questionID)); err != nil {
		return fmt.Errorf("mark duplicate: %w", err)
	}

	return nil
}

// GetQuestion returns one question by id.
func (db *DB) GetQuestion(ctx context.Context, id string) (*Question, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, contest_id, author_id, text, issue_tag, status, cluster_id, edit_version, created_at
		FROM questions WHERE id = $1
	`, toUUID(id))

	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engerrors.ErrQuestionNotFound
		}

		return nil, fmt.Errorf("get question: %w", err)
	}

	return q, nil
}

// SaveEmbedding inserts a question vector into the similarity index.
// Only active (representative) questions are inserted; duplicates never
// enter the index, which prevents cluster chaining.
func (db *DB) SaveEmbedding(ctx context.Context, questionID, contestID string, embedding []float32) error {
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO question_embeddings (question_id, contest_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (question_id) DO UPDATE SET embedding = EXCLUDED.embedding
	`, toUUID(questionID), contestID, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}

	return nil
}

// FindNearestActive returns up to limit active questions in the contest
// ordered by cosine similarity to the given vector, most similar first.
func (db *DB) FindNearestActive(ctx context.Context, contestID string, embedding []float32, limit int) ([]NearestQuestion, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT q.id, q.cluster_id, 1.0 - (e.embedding <=> $2::vector) AS similarity, q.created_at
		FROM question_embeddings e
		JOIN questions q ON q.id = e.question_id
		WHERE e.contest_id = $1
		  AND q.status = 'active'
		ORDER BY e.embedding <=> $2::vector
		LIMIT $3
	`, contestID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("find nearest active: %w", err)
	}
	defer rows.Close()

	var res []NearestQuestion

	for rows.Next() {
		var id, clusterID pgtype.UUID

		var similarity float64

		var createdAt pgtype.Timestamptz

		if err := rows.Scan(&id, &clusterID, &similarity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan nearest row: %w", err)
		}

		res = append(res, NearestQuestion{
			QuestionID: fromUUID(id),
			ClusterID:  fromUUID(clusterID),
			Similarity: float32(similarity),
			CreatedAt:  createdAt.Time,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest rows: %w", err)
	}

	return res, nil
}

// FindActiveByTextHash returns the oldest active question in the contest
// with the given normalized text hash, or empty when none exists.
func (db *DB) FindActiveByTextHash(ctx context.Context, contestID, textHash string) (string, string, error) {
	var id, clusterID pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		SELECT id, cluster_id FROM questions
		WHERE contest_id = $1 AND text_hash = $2 AND status = 'active'
		ORDER BY created_at, id
		LIMIT 1
	`, contestID, textHash).Scan(&id, &clusterID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", nil
		}

		return "", "", fmt.Errorf("find by text hash: %w", err)
	}

	return fromUUID(id), fromUUID(clusterID), nil
}

// ListActiveTexts returns the raw texts of active questions in a contest for
// the n-gram overlap fallback.
func (db *DB) ListActiveTexts(ctx context.Context, contestID string, limit int) ([]QuestionText, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, cluster_id, text, created_at FROM questions
		WHERE contest_id = $1 AND status = 'active'
		ORDER BY created_at, id
		LIMIT $2
	`, contestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active texts: %w", err)
	}
	defer rows.Close()

	var res []QuestionText

	for rows.Next() {
		var id, clusterID pgtype.UUID

		var text string

		var createdAt pgtype.Timestamptz

		if err := rows.Scan(&id, &clusterID, &text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan active text row: %w", err)
		}

		res = append(res, QuestionText{
			ID:        fromUUID(id),
			ClusterID: fromUUID(clusterID),
			Text:      text,
			CreatedAt: createdAt.Time,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active text rows: %w", err)
	}

	return res, nil
}

// SaveRelatedHint records a below-duplicate-threshold similarity pair for
// the UI. Write-only from the engine's viewpoint.
func (db *DB) SaveRelatedHint(ctx context.Context, questionID, relatedID string, similarity float32) error {
	if _, err := db.Pool.Exec(ctx, `
		INSERT INTO related_questions (question_id, related_id, similarity)
		VALUES ($1, $2, $3)
		ON CONFLICT (question_id, related_id) DO UPDATE SET similarity = EXCLUDED.similarity
	`, toUUID(questionID), toUUID(relatedID), similarity); err != nil {
		return fmt.Errorf("save related hint: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	var id, clusterID pgtype.UUID

	var contestID, authorID, text, issueTag, status string

	var editVersion int32

	var createdAt pgtype.Timestamptz

	if err := row.Scan(&id, &contestID, &authorID, &text, &issueTag, &status, &clusterID, &editVersion, &createdAt); err != nil {
		return nil, err
	}

	return &Question{
		ID:          fromUUID(id),
		ContestID:   contestID,
		AuthorID:    authorID,
		Text:        text,
		IssueTag:    issueTag,
		Status:      domain.QuestionStatus(status),
		ClusterID:   fromUUID(clusterID),
		EditVersion: int(editVersion),
		CreatedAt:   createdAt.Time,
	}, nil
}
