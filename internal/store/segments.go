package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SegmentRepository defines persistence operations for segments.
type SegmentRepository interface {
	// CreateSegment inserts a new segment and populates ID and timestamps
	// in the struct.
	CreateSegment(ctx context.Context, s *Segment) error

	// GetSegment loads one segment by ID. Returns ErrNotFound when absent.
	GetSegment(ctx context.Context, id uuid.UUID) (*Segment, error)

	// ListSegments returns a page of an organization's segments ordered by
	// creation time descending, plus the total count.
	ListSegments(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Segment, int64, error)

	// ListRuleBasedSegments returns every rule-based segment in the
	// organization, for overlap scans and the syncer's due list.
	ListRuleBasedSegments(ctx context.Context, orgID uuid.UUID) ([]*Segment, error)

	// ListAllRuleBasedSegments returns every rule-based segment across all
	// organizations. Used by the background syncer.
	ListAllRuleBasedSegments(ctx context.Context) ([]*Segment, error)

	// UpdateSegment persists name, description, rule, and rule hash. The
	// rule is replaced wholesale, never patched in place.
	UpdateSegment(ctx context.Context, s *Segment) error

	// RecordSyncResult stores the post-sync member count and timestamp on
	// the segment row.
	RecordSyncResult(ctx context.Context, id uuid.UUID, memberCount int, syncedAt time.Time) error

	// DeleteSegment removes the segment; membership and sync rows go with
	// it via ON DELETE CASCADE.
	DeleteSegment(ctx context.Context, id uuid.UUID) error
}

// CreateSegment inserts a new segment using RETURNING to pick up the
// server-generated ID and timestamps.
func (s *PostgresStore) CreateSegment(ctx context.Context, seg *Segment) error {
	query := `
		INSERT INTO segments (org_id, name, description, kind, rule, rule_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, member_count, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		seg.OrgID,
		seg.Name,
		seg.Description,
		seg.Kind,
		seg.Rule,
		seg.RuleHash,
	).Scan(&seg.ID, &seg.MemberCount, &seg.CreatedAt, &seg.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}

	return nil
}

const segmentColumns = `id, org_id, name, description, kind, rule, rule_hash, member_count, last_sync_at, created_at, updated_at`

func scanSegment(row pgx.Row) (*Segment, error) {
	var seg Segment
	err := row.Scan(
		&seg.ID,
		&seg.OrgID,
		&seg.Name,
		&seg.Description,
		&seg.Kind,
		&seg.Rule,
		&seg.RuleHash,
		&seg.MemberCount,
		&seg.LastSyncAt,
		&seg.CreatedAt,
		&seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// GetSegment loads a single segment by ID.
func (s *PostgresStore) GetSegment(ctx context.Context, id uuid.UUID) (*Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`

	seg, err := scanSegment(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

// ListSegments returns a page of segments plus the total count.
func (s *PostgresStore) ListSegments(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Segment, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM segments WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count segments: %w", err)
	}

	if total == 0 {
		return []*Segment{}, 0, nil
	}

	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE org_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Query(ctx, query, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]*Segment, 0, limit)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	return segments, total, nil
}

// ListRuleBasedSegments returns all rule-based segments in one org.
func (s *PostgresStore) ListRuleBasedSegments(ctx context.Context, orgID uuid.UUID) ([]*Segment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE org_id = $1 AND kind = 'rule_based'
		ORDER BY created_at DESC, id DESC
	`
	return s.querySegments(ctx, query, orgID)
}

// ListAllRuleBasedSegments returns all rule-based segments, org-agnostic.
func (s *PostgresStore) ListAllRuleBasedSegments(ctx context.Context) ([]*Segment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE kind = 'rule_based'
		ORDER BY last_sync_at ASC NULLS FIRST, id
	`
	return s.querySegments(ctx, query)
}

func (s *PostgresStore) querySegments(ctx context.Context, query string, args ...any) ([]*Segment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return segments, nil
}

// UpdateSegment replaces the segment's mutable fields. The rule column is
// overwritten wholesale by design.
func (s *PostgresStore) UpdateSegment(ctx context.Context, seg *Segment) error {
	query := `
		UPDATE segments
		SET name = $2, description = $3, rule = $4, rule_hash = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := s.db.QueryRow(ctx, query, seg.ID, seg.Name, seg.Description, seg.Rule, seg.RuleHash).Scan(&seg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return nil
}

// RecordSyncResult updates the denormalized membership summary. It must
// not bump updated_at: the syncer reads updated_at > last_sync_at as a
// rule edit, so sync bookkeeping advancing updated_at would make every
// segment due again immediately after each sync.
func (s *PostgresStore) RecordSyncResult(ctx context.Context, id uuid.UUID, memberCount int, syncedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE segments SET member_count = $2, last_sync_at = $3 WHERE id = $1`,
		id, memberCount, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSegment removes the segment row; members and sync records cascade.
func (s *PostgresStore) DeleteSegment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
