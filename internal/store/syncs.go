package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SyncRepository defines persistence operations for sync records. The
// at-most-one-in-progress-sync-per-segment invariant lives here as a
// database-level compare-and-swap, not an in-process mutex: the sync may
// run in a different process than the request handler that triggered it.
type SyncRepository interface {
	// BeginSync atomically creates an in-progress sync record for the
	// segment. Returns ErrSyncInProgress when another sync for the same
	// segment is pending or running.
	BeginSync(ctx context.Context, segmentID uuid.UUID) (*SyncRecord, error)

	// CompleteSync marks the record completed with final counts.
	CompleteSync(ctx context.Context, id uuid.UUID, processed, matched int) error

	// FailSync marks the record failed with a captured error message.
	FailSync(ctx context.Context, id uuid.UUID, errMsg string) error

	// LatestSync returns the most recent sync record for the segment.
	// Returns ErrNotFound when the segment has never synced.
	LatestSync(ctx context.Context, segmentID uuid.UUID) (*SyncRecord, error)

	// CompletedSyncBefore returns the most recent completed sync that
	// started at or before the cutoff. Growth analytics compare the
	// current count against this snapshot.
	CompletedSyncBefore(ctx context.Context, segmentID uuid.UUID, cutoff time.Time) (*SyncRecord, error)
}

const syncColumns = `id, segment_id, status, started_at, completed_at, processed_count, match_count, error`

func scanSync(row pgx.Row) (*SyncRecord, error) {
	var rec SyncRecord
	err := row.Scan(
		&rec.ID,
		&rec.SegmentID,
		&rec.Status,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.ProcessedCount,
		&rec.MatchCount,
		&rec.Error,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// BeginSync acquires the per-segment sync lease. A partial unique index on
// segment_syncs(segment_id) for non-terminal statuses makes the INSERT the
// compare-and-swap: exactly one caller wins, everyone else gets no row
// back and reports ErrSyncInProgress.
func (s *PostgresStore) BeginSync(ctx context.Context, segmentID uuid.UUID) (*SyncRecord, error) {
	query := `
		INSERT INTO segment_syncs (segment_id, status)
		VALUES ($1, 'in_progress')
		ON CONFLICT (segment_id) WHERE status IN ('pending', 'in_progress') DO NOTHING
		RETURNING ` + syncColumns

	rec, err := scanSync(s.db.QueryRow(ctx, query, segmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("failed to begin sync: %w", err)
	}
	return rec, nil
}

// CompleteSync transitions the record to its terminal success state.
func (s *PostgresStore) CompleteSync(ctx context.Context, id uuid.UUID, processed, matched int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE segment_syncs
		 SET status = 'completed', completed_at = now(), processed_count = $2, match_count = $3
		 WHERE id = $1`,
		id, processed, matched,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailSync transitions the record to its terminal failure state.
func (s *PostgresStore) FailSync(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE segment_syncs
		 SET status = 'failed', completed_at = now(), error = $2
		 WHERE id = $1`,
		id, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestSync returns the newest sync record for the segment.
func (s *PostgresStore) LatestSync(ctx context.Context, segmentID uuid.UUID) (*SyncRecord, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM segment_syncs
		WHERE segment_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	rec, err := scanSync(s.db.QueryRow(ctx, query, segmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest sync: %w", err)
	}
	return rec, nil
}

// CompletedSyncBefore returns the newest completed sync at or before the
// cutoff.
func (s *PostgresStore) CompletedSyncBefore(ctx context.Context, segmentID uuid.UUID, cutoff time.Time) (*SyncRecord, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM segment_syncs
		WHERE segment_id = $1 AND status = 'completed' AND started_at <= $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	rec, err := scanSync(s.db.QueryRow(ctx, query, segmentID, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get completed sync before cutoff: %w", err)
	}
	return rec, nil
}
