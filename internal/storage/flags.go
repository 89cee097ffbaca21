package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/civicpulse/question-engine/internal/core/domain"
)

// InsertFraudFlag pushes an anomaly report to the moderation queue.
// Purely informational: it never blocks voting or alters scores.
func (db *DB) InsertFraudFlag(ctx context.Context, clusterID, reason, evidence string) (string, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO fraud_flags (cluster_id, reason, evidence)
		VALUES ($1, $2, $3)
		RETURNING id
	`, toUUID(clusterID), reason, evidence)

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("insert fraud flag: %w", err)
	}

	return fromUUID(id), nil
}

// HasOpenFlag reports whether a cluster already has an unresolved flag for
// the reason, to avoid re-flagging on every scan.
func (db *DB) HasOpenFlag(ctx context.Context, clusterID, reason string) (bool, error) {
	var exists bool

	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fraud_flags
			WHERE cluster_id = $1 AND reason = $2 AND resolved_at IS NULL
		)
	`, toUUID(clusterID), reason).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open flag: %w", err)
	}

	return exists, nil
}

// ListOpenFlags returns unresolved fraud flags, oldest first.
func (db *DB) ListOpenFlags(ctx context.Context, limit int) ([]domain.FraudFlag, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, cluster_id, reason, evidence, created_at
		FROM fraud_flags
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open flags: %w", err)
	}
	defer rows.Close()

	var res []domain.FraudFlag

	for rows.Next() {
		var id, clusterID pgtype.UUID

		var reason, evidence string

		var createdAt pgtype.Timestamptz

		if err := rows.Scan(&id, &clusterID, &reason, &evidence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fraud flag: %w", err)
		}

		res = append(res, domain.FraudFlag{
			ID:        fromUUID(id),
			ClusterID: fromUUID(clusterID),
			Reason:    reason,
			Evidence:  evidence,
			CreatedAt: createdAt.Time,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fraud flags: %w", err)
	}

	return res, nil
}

// ResolveFraudFlag closes a flag after human review.
func (db *DB) ResolveFraudFlag(ctx context.Context, flagID string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE fraud_flags SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL
	`, toUUID(flagID), toTimestamptz(time.Now())); err != nil {
		return fmt.Errorf("resolve fraud flag: %w", err)
	}

	return nil
}
