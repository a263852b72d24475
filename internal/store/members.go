package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MemberRepository defines persistence operations for segment membership.
type MemberRepository interface {
	// ListMembers returns a page of membership rows with provenance tags,
	// plus the total count.
	ListMembers(ctx context.Context, segmentID uuid.UUID, limit, offset int) ([]*Member, int64, error)

	// ListMemberWorkerIDs returns every member worker ID of a segment,
	// regardless of provenance. Used for overlap analytics.
	ListMemberWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error)

	// ListRuleMatchedWorkerIDs returns the worker IDs whose membership is
	// owned by rule evaluation. The sync diff is computed against this set.
	ListRuleMatchedWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error)

	// ApplyRuleDiff adds and removes rule-matched membership rows in a
	// single transaction: either the whole diff lands or none of it does.
	ApplyRuleDiff(ctx context.Context, segmentID uuid.UUID, add, remove []uuid.UUID) error

	// AddManualMember inserts a manually-added membership row.
	AddManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error

	// RemoveManualMember deletes a manually-added membership row. Rows
	// with rule provenance are refused with ErrRuleManagedMember.
	RemoveManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error
}

// ListMembers returns a provenance-tagged page of members.
func (s *PostgresStore) ListMembers(ctx context.Context, segmentID uuid.UUID, limit, offset int) ([]*Member, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM segment_members WHERE segment_id = $1`, segmentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count members: %w", err)
	}

	if total == 0 {
		return []*Member{}, 0, nil
	}

	query := `
		SELECT segment_id, worker_id, provenance, added_at
		FROM segment_members
		WHERE segment_id = $1
		ORDER BY added_at DESC, worker_id
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, segmentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]*Member, 0, limit)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.SegmentID, &m.WorkerID, &m.Provenance, &m.AddedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan member row: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return members, total, nil
}

// ListMemberWorkerIDs returns all member worker IDs of a segment.
func (s *PostgresStore) ListMemberWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryWorkerIDs(ctx,
		`SELECT worker_id FROM segment_members WHERE segment_id = $1`, segmentID)
}

// ListRuleMatchedWorkerIDs returns rule-provenance member worker IDs.
func (s *PostgresStore) ListRuleMatchedWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryWorkerIDs(ctx,
		`SELECT worker_id FROM segment_members WHERE segment_id = $1 AND provenance = 'rule'`, segmentID)
}

func (s *PostgresStore) queryWorkerIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query member worker ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// ApplyRuleDiff applies membership additions and removals atomically.
// If the process dies mid-sync, membership stays exactly as it was before
// the sync started.
func (s *PostgresStore) ApplyRuleDiff(ctx context.Context, segmentID uuid.UUID, add, remove []uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin membership transaction: %w", err)
	}
	// Rollback is a no-op after a successful Commit.
	defer func() { _ = tx.Rollback(ctx) }()

	if len(remove) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM segment_members
			 WHERE segment_id = $1 AND provenance = 'rule' AND worker_id = ANY($2)`,
			segmentID, remove,
		)
		if err != nil {
			return fmt.Errorf("failed to remove stale members: %w", err)
		}
	}

	if len(add) > 0 {
		// ON CONFLICT guards against a worker already present (e.g. a
		// concurrent manual add on a segment that later became rule-based
		// historically); the row keeps its original provenance.
		_, err = tx.Exec(ctx,
			`INSERT INTO segment_members (segment_id, worker_id, provenance)
			 SELECT $1, unnest($2::uuid[]), 'rule'
			 ON CONFLICT (segment_id, worker_id) DO NOTHING`,
			segmentID, add,
		)
		if err != nil {
			return fmt.Errorf("failed to add matched members: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit membership diff: %w", err)
	}
	return nil
}

// AddManualMember inserts a manual membership row.
func (s *PostgresStore) AddManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO segment_members (segment_id, worker_id, provenance) VALUES ($1, $2, 'manual')`,
		segmentID, workerID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				// Already a member; adding twice is not an error worth
				// surfacing to an operator clicking a button.
				return nil
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to add manual member: %w", err)
	}
	return nil
}

// RemoveManualMember deletes a manual membership row, refusing to touch
// rule-managed rows.
func (s *PostgresStore) RemoveManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error {
	var provenance Provenance
	err := s.db.QueryRow(ctx,
		`SELECT provenance FROM segment_members WHERE segment_id = $1 AND worker_id = $2`,
		segmentID, workerID,
	).Scan(&provenance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to look up member: %w", err)
	}

	if provenance == ProvenanceRule {
		return ErrRuleManagedMember
	}

	_, err = s.db.Exec(ctx,
		`DELETE FROM segment_members WHERE segment_id = $1 AND worker_id = $2 AND provenance = 'manual'`,
		segmentID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove manual member: %w", err)
	}
	return nil
}
