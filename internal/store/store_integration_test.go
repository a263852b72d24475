//go:build integration

package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewscope/segmenta/internal/store"
	"github.com/crewscope/segmenta/internal/testsupport"
)

// TestPostgresStore_Integration validates the full data access layer
// against a real PostgreSQL instance: schema constraints, typed errors,
// the sync lease, and transactional membership diffs.
func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err, "failed to start postgres container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	repo := store.NewPostgresStore(pgContainer.DB)
	orgID := uuid.New()

	seedWorker := func(t *testing.T, attrs map[string]any) uuid.UUID {
		t.Helper()
		id := uuid.New()
		raw, err := json.Marshal(attrs)
		require.NoError(t, err)
		_, err = pgContainer.DB.Exec(ctx,
			`INSERT INTO workers (id, org_id, attributes) VALUES ($1, $2, $3)`,
			id, orgID, raw,
		)
		require.NoError(t, err)
		return id
	}

	t.Run("segment lifecycle", func(t *testing.T) {
		seg := &store.Segment{
			ID:    uuid.New(),
			OrgID: orgID,
			Name:  "lifecycle",
			Kind:  store.KindRuleBased,
			Rule:  json.RawMessage(`{"rootGroup":{"operator":"and","conditions":[]}}`),
		}
		require.NoError(t, repo.CreateSegment(ctx, seg))
		assert.False(t, seg.CreatedAt.IsZero())

		got, err := repo.GetSegment(ctx, seg.ID)
		require.NoError(t, err)
		assert.Equal(t, "lifecycle", got.Name)
		assert.Equal(t, store.KindRuleBased, got.Kind)
		assert.JSONEq(t, string(seg.Rule), string(got.Rule))

		// Duplicate name in the same org conflicts.
		dupe := &store.Segment{ID: uuid.New(), OrgID: orgID, Name: "lifecycle", Kind: store.KindStatic}
		assert.ErrorIs(t, repo.CreateSegment(ctx, dupe), store.ErrDuplicateName)

		got.Name = "renamed"
		require.NoError(t, repo.UpdateSegment(ctx, got))

		segments, total, err := repo.ListSegments(ctx, orgID, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, "renamed", segments[0].Name)

		require.NoError(t, repo.DeleteSegment(ctx, seg.ID))
		_, err = repo.GetSegment(ctx, seg.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("sync lease exclusivity", func(t *testing.T) {
		seg := &store.Segment{
			ID:    uuid.New(),
			OrgID: orgID,
			Name:  "lease",
			Kind:  store.KindRuleBased,
			Rule:  json.RawMessage(`{"rootGroup":{"operator":"and","conditions":[]}}`),
		}
		require.NoError(t, repo.CreateSegment(ctx, seg))

		rec, err := repo.BeginSync(ctx, seg.ID)
		require.NoError(t, err)
		assert.Equal(t, store.SyncInProgress, rec.Status)

		// Second lease attempt while the first is active must fail.
		_, err = repo.BeginSync(ctx, seg.ID)
		assert.ErrorIs(t, err, store.ErrSyncInProgress)

		require.NoError(t, repo.CompleteSync(ctx, rec.ID, 100, 40))

		latest, err := repo.LatestSync(ctx, seg.ID)
		require.NoError(t, err)
		assert.Equal(t, store.SyncCompleted, latest.Status)
		assert.Equal(t, 100, latest.ProcessedCount)
		assert.Equal(t, 40, latest.MatchCount)
		require.NotNil(t, latest.CompletedAt)

		// After the terminal state, the lease is free again.
		rec2, err := repo.BeginSync(ctx, seg.ID)
		require.NoError(t, err)
		require.NoError(t, repo.FailSync(ctx, rec2.ID, "boom"))

		latest, err = repo.LatestSync(ctx, seg.ID)
		require.NoError(t, err)
		assert.Equal(t, store.SyncFailed, latest.Status)
		assert.Equal(t, "boom", latest.Error)
	})

	t.Run("membership diff and provenance", func(t *testing.T) {
		seg := &store.Segment{
			ID:    uuid.New(),
			OrgID: orgID,
			Name:  "membership",
			Kind:  store.KindRuleBased,
			Rule:  json.RawMessage(`{"rootGroup":{"operator":"and","conditions":[]}}`),
		}
		require.NoError(t, repo.CreateSegment(ctx, seg))

		w1 := seedWorker(t, map[string]any{"employment": map[string]any{"department": "sales"}})
		w2 := seedWorker(t, map[string]any{"employment": map[string]any{"department": "engineering"}})
		w3 := seedWorker(t, map[string]any{"employment": map[string]any{"department": "sales"}})

		require.NoError(t, repo.ApplyRuleDiff(ctx, seg.ID, []uuid.UUID{w1, w2}, nil))

		matched, err := repo.ListRuleMatchedWorkerIDs(ctx, seg.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{w1, w2}, matched)

		// Manual member on top of rule-managed rows.
		require.NoError(t, repo.AddManualMember(ctx, seg.ID, w3))

		_, total, err := repo.ListMembers(ctx, seg.ID, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)

		// Rule-managed rows cannot be removed manually.
		assert.ErrorIs(t, repo.RemoveManualMember(ctx, seg.ID, w1), store.ErrRuleManagedMember)

		// A diff only touches rule-provenance rows.
		require.NoError(t, repo.ApplyRuleDiff(ctx, seg.ID, nil, []uuid.UUID{w1, w3}))

		matched, err = repo.ListRuleMatchedWorkerIDs(ctx, seg.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{w2}, matched)

		all, err := repo.ListMemberWorkerIDs(ctx, seg.ID)
		require.NoError(t, err)
		assert.Contains(t, all, w3, "manual member must survive rule diffs")

		// Manual rows can be removed manually.
		require.NoError(t, repo.RemoveManualMember(ctx, seg.ID, w3))

		// Adding a member for an unknown worker violates the FK.
		err = repo.AddManualMember(ctx, seg.ID, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("record sync result updates summary", func(t *testing.T) {
		seg := &store.Segment{
			ID:    uuid.New(),
			OrgID: orgID,
			Name:  "summary",
			Kind:  store.KindRuleBased,
			Rule:  json.RawMessage(`{"rootGroup":{"operator":"and","conditions":[]}}`),
		}
		require.NoError(t, repo.CreateSegment(ctx, seg))

		syncedAt := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.RecordSyncResult(ctx, seg.ID, 7, syncedAt))

		got, err := repo.GetSegment(ctx, seg.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.MemberCount)
		require.NotNil(t, got.LastSyncAt)
		assert.WithinDuration(t, syncedAt, *got.LastSyncAt, time.Second)

		// Sync bookkeeping must not advance updated_at, or the syncer
		// would read every completed sync as a rule edit.
		assert.True(t, got.UpdatedAt.Equal(seg.UpdatedAt),
			"RecordSyncResult must leave updated_at untouched")
	})

	t.Run("stream workers pages the population", func(t *testing.T) {
		streamOrg := uuid.New()
		var want []uuid.UUID
		for i := 0; i < 7; i++ {
			id := uuid.New()
			raw, _ := json.Marshal(map[string]any{"n": i})
			_, err := pgContainer.DB.Exec(ctx,
				`INSERT INTO workers (id, org_id, attributes) VALUES ($1, $2, $3)`,
				id, streamOrg, raw,
			)
			require.NoError(t, err)
			want = append(want, id)
		}

		var got []uuid.UUID
		batches := 0
		err := repo.StreamWorkers(ctx, streamOrg, 3, func(batch []*store.Worker) error {
			batches++
			for _, w := range batch {
				got = append(got, w.ID)
			}
			return nil
		})
		require.NoError(t, err)

		assert.ElementsMatch(t, want, got)
		assert.Equal(t, 3, batches)

		count, err := repo.CountWorkers(ctx, streamOrg)
		require.NoError(t, err)
		assert.Equal(t, 7, count)
	})
}
