package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WorkerRepository is the read interface over the worker population. The
// surrounding platform owns worker CRUD; the segment engine only reads.
type WorkerRepository interface {
	// GetWorker loads one worker by ID. Returns ErrNotFound when absent.
	GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error)

	// CountWorkers returns the organization's population size.
	CountWorkers(ctx context.Context, orgID uuid.UUID) (int, error)

	// StreamWorkers pages through the organization's workers in batches
	// of batchSize, invoking fn per batch. The population is never
	// materialized in memory at once. Iteration stops on the first fn
	// error or context cancellation.
	StreamWorkers(ctx context.Context, orgID uuid.UUID, batchSize int, fn func(batch []*Worker) error) error
}

// GetWorker loads one worker record.
func (s *PostgresStore) GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error) {
	query := `SELECT id, org_id, attributes, created_at, updated_at FROM workers WHERE id = $1`

	var w Worker
	err := s.db.QueryRow(ctx, query, id).Scan(&w.ID, &w.OrgID, &w.Attributes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &w, nil
}

// CountWorkers returns the population size for an organization.
func (s *PostgresStore) CountWorkers(ctx context.Context, orgID uuid.UUID) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM workers WHERE org_id = $1`, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return count, nil
}

// StreamWorkers walks the population with keyset pagination on the
// primary key. Keyset beats OFFSET here: each page is an index range
// scan, so cost stays flat as the population grows.
func (s *PostgresStore) StreamWorkers(ctx context.Context, orgID uuid.UUID, batchSize int, fn func(batch []*Worker) error) error {
	if batchSize < 1 {
		batchSize = 500
	}

	var cursor uuid.UUID // zero UUID sorts before every real ID

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.workerPage(ctx, orgID, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}

		if len(batch) < batchSize {
			return nil
		}
		cursor = batch[len(batch)-1].ID
	}
}

func (s *PostgresStore) workerPage(ctx context.Context, orgID, after uuid.UUID, limit int) ([]*Worker, error) {
	query := `
		SELECT id, org_id, attributes, created_at, updated_at
		FROM workers
		WHERE org_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, orgID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page workers: %w", err)
	}
	defer rows.Close()

	workers := make([]*Worker, 0, limit)
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.OrgID, &w.Attributes, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return workers, nil
}
