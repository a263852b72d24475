// Package store provides the Data Access Layer for segments, membership
// records, sync records, and worker data. All direct interaction with
// PostgreSQL happens here through the pgx driver.
package store

import (
	"errors"
	"time"

	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Typed errors surfaced to the service layer. Services translate these
// into API error codes; the store never logs.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSyncInProgress indicates a sync is already pending or running
	// for the segment. Reported distinctly from generic failures so
	// callers can poll instead of retrying.
	ErrSyncInProgress = errors.New("store: sync already in progress for segment")

	// ErrRuleManagedMember indicates an attempt to manually remove a
	// membership row owned by rule evaluation.
	ErrRuleManagedMember = errors.New("store: member is rule-managed and cannot be removed manually")

	// ErrDuplicateName indicates a segment with the same name already
	// exists in the organization.
	ErrDuplicateName = errors.New("store: segment name already exists in organization")
)

// SegmentKind distinguishes manually curated segments from rule-derived
// ones.
type SegmentKind string

const (
	KindStatic    SegmentKind = "static"
	KindRuleBased SegmentKind = "rule_based"
)

// Provenance tags how a membership row came to exist.
type Provenance string

const (
	ProvenanceRule   Provenance = "rule"
	ProvenanceManual Provenance = "manual"
)

// SyncStatus is the lifecycle state of a sync record. Every sync reaches
// a terminal state (completed or failed).
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// Segment mirrors the 'segments' table. Rule holds the storage-dialect
// JSON tree and is NULL for static segments. RuleHash is the murmur3
// fingerprint of Rule, used to detect no-op rule saves.
type Segment struct {
	ID          uuid.UUID       `db:"id"`
	OrgID       uuid.UUID       `db:"org_id"`
	Name        string          `db:"name"`
	Description string          `db:"description"`
	Kind        SegmentKind     `db:"kind"`
	Rule        json.RawMessage `db:"rule"`
	RuleHash    int64           `db:"rule_hash"`
	MemberCount int             `db:"member_count"`
	LastSyncAt  *time.Time      `db:"last_sync_at"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// Member mirrors the 'segment_members' table.
type Member struct {
	SegmentID  uuid.UUID  `db:"segment_id"`
	WorkerID   uuid.UUID  `db:"worker_id"`
	Provenance Provenance `db:"provenance"`
	AddedAt    time.Time  `db:"added_at"`
}

// SyncRecord mirrors the 'segment_syncs' table.
type SyncRecord struct {
	ID             uuid.UUID  `db:"id"`
	SegmentID      uuid.UUID  `db:"segment_id"`
	Status         SyncStatus `db:"status"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	ProcessedCount int        `db:"processed_count"`
	MatchCount     int        `db:"match_count"`
	Error          string     `db:"error"`
}

// Worker mirrors the 'workers' table. Attributes is the nested JSONB
// document the rule engine addresses by dotted path.
type Worker struct {
	ID         uuid.UUID      `db:"id"`
	OrgID      uuid.UUID      `db:"org_id"`
	Attributes map[string]any `db:"attributes"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// PostgresStore implements all repository interfaces backed by a single
// pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// Compile-time checks that PostgresStore satisfies every repository
// contract.
var (
	_ SegmentRepository = (*PostgresStore)(nil)
	_ MemberRepository  = (*PostgresStore)(nil)
	_ SyncRepository    = (*PostgresStore)(nil)
	_ WorkerRepository  = (*PostgresStore)(nil)
)

// NewPostgresStore creates a repository instance with the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}
