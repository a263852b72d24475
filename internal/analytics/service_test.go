package analytics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
)

type fakeStore struct {
	segments map[uuid.UUID]*store.Segment
	members  map[uuid.UUID][]uuid.UUID
	syncs    []*store.SyncRecord
	workers  []*store.Worker
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		segments: make(map[uuid.UUID]*store.Segment),
		members:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeStore) CreateSegment(ctx context.Context, s *store.Segment) error {
	f.segments[s.ID] = s
	return nil
}

func (f *fakeStore) GetSegment(ctx context.Context, id uuid.UUID) (*store.Segment, error) {
	seg, ok := f.segments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return seg, nil
}

func (f *fakeStore) ListSegments(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*store.Segment, int64, error) {
	var out []*store.Segment
	for _, seg := range f.segments {
		if seg.OrgID == orgID {
			out = append(out, seg)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ListRuleBasedSegments(ctx context.Context, orgID uuid.UUID) ([]*store.Segment, error) {
	return nil, nil
}
func (f *fakeStore) ListAllRuleBasedSegments(ctx context.Context) ([]*store.Segment, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSegment(ctx context.Context, s *store.Segment) error { return nil }
func (f *fakeStore) RecordSyncResult(ctx context.Context, id uuid.UUID, memberCount int, syncedAt time.Time) error {
	return nil
}
func (f *fakeStore) DeleteSegment(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeStore) ListMembers(ctx context.Context, segmentID uuid.UUID, limit, offset int) ([]*store.Member, int64, error) {
	return nil, int64(len(f.members[segmentID])), nil
}

func (f *fakeStore) ListMemberWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	return f.members[segmentID], nil
}

func (f *fakeStore) ListRuleMatchedWorkerIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	return f.members[segmentID], nil
}

func (f *fakeStore) ApplyRuleDiff(ctx context.Context, segmentID uuid.UUID, add, remove []uuid.UUID) error {
	return nil
}
func (f *fakeStore) AddManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error {
	return nil
}
func (f *fakeStore) RemoveManualMember(ctx context.Context, segmentID, workerID uuid.UUID) error {
	return nil
}

func (f *fakeStore) BeginSync(ctx context.Context, segmentID uuid.UUID) (*store.SyncRecord, error) {
	return nil, store.ErrSyncInProgress
}
func (f *fakeStore) CompleteSync(ctx context.Context, id uuid.UUID, processed, matched int) error {
	return nil
}
func (f *fakeStore) FailSync(ctx context.Context, id uuid.UUID, errMsg string) error { return nil }
func (f *fakeStore) LatestSync(ctx context.Context, segmentID uuid.UUID) (*store.SyncRecord, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CompletedSyncBefore(ctx context.Context, segmentID uuid.UUID, cutoff time.Time) (*store.SyncRecord, error) {
	for i := len(f.syncs) - 1; i >= 0; i-- {
		rec := f.syncs[i]
		if rec.SegmentID == segmentID && rec.Status == store.SyncCompleted &&
			rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetWorker(ctx context.Context, id uuid.UUID) (*store.Worker, error) {
	for _, w := range f.workers {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CountWorkers(ctx context.Context, orgID uuid.UUID) (int, error) {
	return len(f.workers), nil
}

func (f *fakeStore) StreamWorkers(ctx context.Context, orgID uuid.UUID, batchSize int, fn func(batch []*store.Worker) error) error {
	var all []*store.Worker
	for _, w := range f.workers {
		if w.OrgID == orgID {
			all = append(all, w)
		}
	}
	for start := 0; start < len(all); start += batchSize {
		end := min(start+batchSize, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func newTestService(f *fakeStore) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := ruleengine.DefaultRegistry()
	m := membership.NewService(log, reg, f, f, f, f, nil, nil, membership.Config{BatchSize: 3, Concurrency: 2})
	return NewService(log, reg, f, f, f, f, m)
}

func seedWorker(f *fakeStore, orgID uuid.UUID, attrs map[string]any) uuid.UUID {
	w := &store.Worker{ID: uuid.New(), OrgID: orgID, Attributes: attrs}
	f.workers = append(f.workers, w)
	return w.ID
}

func decodeRule(t *testing.T, raw string) *ruleengine.Group {
	t.Helper()
	g, err := ruleengine.DecodeStorage([]byte(raw))
	require.NoError(t, err)
	return g
}

func TestTestRule(t *testing.T) {
	f := newFakeStore()
	orgID := uuid.New()

	for i := 0; i < 10; i++ {
		dept := "sales"
		if i < 3 {
			dept = "engineering"
		}
		seedWorker(f, orgID, map[string]any{
			"employment": map[string]any{"department": dept},
		})
	}

	rule := decodeRule(t, `{
		"rootGroup": {
			"operator": "and",
			"conditions": [
				{"field": "employment.department", "operator": "equals", "value": "engineering"}
			]
		}
	}`)

	svc := newTestService(f)
	res, err := svc.TestRule(context.Background(), orgID, rule)
	require.NoError(t, err)

	assert.Equal(t, 3, res.MatchCount)
	assert.Equal(t, 10, res.Total)
	assert.InDelta(t, 30.0, res.Percentage, 0.001)
}

func TestTestRuleEmptyPopulation(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)

	res, err := svc.TestRule(context.Background(), uuid.New(), decodeRule(t, `{"rootGroup":{"operator":"and","conditions":[]}}`))
	require.NoError(t, err)

	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0.0, res.Percentage)
}

func TestExplainWorker(t *testing.T) {
	f := newFakeStore()
	orgID := uuid.New()

	workerID := seedWorker(f, orgID, map[string]any{
		"employment": map[string]any{"department": "sales", "tenureMonths": float64(40)},
	})

	seg := &store.Segment{
		ID:    uuid.New(),
		OrgID: orgID,
		Kind:  store.KindRuleBased,
		Rule: json.RawMessage(`{
			"rootGroup": {
				"operator": "and",
				"conditions": [
					{"field": "employment.department", "operator": "equals", "value": "engineering"},
					{"field": "employment.tenureMonths", "operator": "greater_than", "value": 12}
				]
			}
		}`),
	}
	f.segments[seg.ID] = seg

	svc := newTestService(f)
	exp, err := svc.ExplainWorker(context.Background(), seg.ID, workerID)
	require.NoError(t, err)

	assert.False(t, exp.Matched)
	require.Len(t, exp.Conditions, 2)
	assert.False(t, exp.Conditions[0].Matched)
	assert.True(t, exp.Conditions[1].Matched)
}

func TestExplainWorkerOtherOrg(t *testing.T) {
	f := newFakeStore()
	orgID := uuid.New()

	// The worker exists, but under a different organization.
	workerID := seedWorker(f, uuid.New(), map[string]any{
		"employment": map[string]any{"department": "sales"},
	})

	seg := &store.Segment{
		ID:    uuid.New(),
		OrgID: orgID,
		Kind:  store.KindRuleBased,
		Rule: json.RawMessage(`{
			"rootGroup": {
				"operator": "and",
				"conditions": [
					{"field": "employment.department", "operator": "equals", "value": "sales"}
				]
			}
		}`),
	}
	f.segments[seg.ID] = seg

	svc := newTestService(f)
	_, err := svc.ExplainWorker(context.Background(), seg.ID, workerID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExplainWorkerStaticSegment(t *testing.T) {
	f := newFakeStore()
	seg := &store.Segment{ID: uuid.New(), Kind: store.KindStatic}
	f.segments[seg.ID] = seg

	svc := newTestService(f)
	_, err := svc.ExplainWorker(context.Background(), seg.ID, uuid.New())
	assert.ErrorIs(t, err, ErrStaticSegment)
}

func TestSegmentGrowth(t *testing.T) {
	f := newFakeStore()
	segID := uuid.New()
	f.segments[segID] = &store.Segment{ID: segID, MemberCount: 150}

	old := time.Now().Add(-48 * time.Hour)
	f.syncs = append(f.syncs, &store.SyncRecord{
		SegmentID:   segID,
		Status:      store.SyncCompleted,
		CompletedAt: &old,
		MatchCount:  100,
	})

	svc := newTestService(f)
	g, err := svc.SegmentGrowth(context.Background(), segID, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 150, g.CurrentCount)
	assert.Equal(t, 100, g.PreviousCount)
	assert.Equal(t, 50, g.Delta)
	// 100 -> 150 is a rate of 0.5, not a percentage.
	assert.InDelta(t, 0.5, g.GrowthRate, 0.001)
	assert.False(t, g.Unbounded)
}

func TestSegmentGrowthNoBaseline(t *testing.T) {
	f := newFakeStore()

	t.Run("zero to zero", func(t *testing.T) {
		segID := uuid.New()
		f.segments[segID] = &store.Segment{ID: segID, MemberCount: 0}

		svc := newTestService(f)
		g, err := svc.SegmentGrowth(context.Background(), segID, 24*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 0.0, g.GrowthRate)
		assert.False(t, g.Unbounded)
	})

	t.Run("zero to n is unbounded", func(t *testing.T) {
		segID := uuid.New()
		f.segments[segID] = &store.Segment{ID: segID, MemberCount: 42}

		svc := newTestService(f)
		g, err := svc.SegmentGrowth(context.Background(), segID, 24*time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 42, g.Delta)
		assert.True(t, g.Unbounded)
	})
}

func TestCompare(t *testing.T) {
	f := newFakeStore()
	a, b := uuid.New(), uuid.New()
	w1, w2, w3, w4 := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	f.members[a] = []uuid.UUID{w1, w2, w3}
	f.members[b] = []uuid.UUID{w2, w3, w4}

	svc := newTestService(f)
	o, err := svc.Compare(context.Background(), a, b)
	require.NoError(t, err)

	assert.Equal(t, 2, o.Intersection)
	assert.Equal(t, 1, o.OnlyA)
	assert.Equal(t, 1, o.OnlyB)
	assert.InDelta(t, 66.666, o.OverlapPctOfA, 0.01)
	assert.InDelta(t, 66.666, o.OverlapPctOfB, 0.01)
}

func TestCompareEmptySegments(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)

	o, err := svc.Compare(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, 0, o.Intersection)
	assert.Equal(t, 0.0, o.OverlapPctOfA)
	assert.Equal(t, 0.0, o.OverlapPctOfB)
}

func TestOverlappingSegments(t *testing.T) {
	f := newFakeStore()
	orgID := uuid.New()
	w1, w2, w3 := uuid.New(), uuid.New(), uuid.New()

	target := &store.Segment{ID: uuid.New(), OrgID: orgID, Name: "target"}
	big := &store.Segment{ID: uuid.New(), OrgID: orgID, Name: "big overlap"}
	small := &store.Segment{ID: uuid.New(), OrgID: orgID, Name: "small overlap"}
	none := &store.Segment{ID: uuid.New(), OrgID: orgID, Name: "disjoint"}
	for _, s := range []*store.Segment{target, big, small, none} {
		f.segments[s.ID] = s
	}

	f.members[target.ID] = []uuid.UUID{w1, w2, w3}
	f.members[big.ID] = []uuid.UUID{w1, w2}
	f.members[small.ID] = []uuid.UUID{w3}
	f.members[none.ID] = []uuid.UUID{uuid.New()}

	svc := newTestService(f)
	overlaps, err := svc.OverlappingSegments(context.Background(), target.ID, 10)
	require.NoError(t, err)

	require.Len(t, overlaps, 2)
	assert.Equal(t, big.ID, overlaps[0].SegmentB)
	assert.Equal(t, small.ID, overlaps[1].SegmentB)
}

func TestDifferentiators(t *testing.T) {
	f := newFakeStore()
	orgID := uuid.New()
	segID := uuid.New()
	f.segments[segID] = &store.Segment{ID: segID, OrgID: orgID}

	// Members are all engineering, non-members all sales. Location is
	// identical on both sides so it must not appear in the ranking.
	var memberIDs []uuid.UUID
	for i := 0; i < 5; i++ {
		id := seedWorker(f, orgID, map[string]any{
			"employment": map[string]any{"department": "engineering", "location": "Lisbon"},
		})
		memberIDs = append(memberIDs, id)
	}
	for i := 0; i < 5; i++ {
		seedWorker(f, orgID, map[string]any{
			"employment": map[string]any{"department": "sales", "location": "Lisbon"},
		})
	}
	f.members[segID] = memberIDs

	svc := newTestService(f)
	diffs, err := svc.Differentiators(context.Background(), segID, 5)
	require.NoError(t, err)

	require.NotEmpty(t, diffs)
	assert.Equal(t, "employment.department", diffs[0].Attribute)
	assert.InDelta(t, 1.0, diffs[0].Score, 0.001)

	for _, d := range diffs {
		assert.NotEqual(t, "employment.location", d.Attribute)
	}
}

func TestTotalVariation(t *testing.T) {
	tests := []struct {
		name     string
		inside   map[string]int
		inTotal  int
		outside  map[string]int
		outTotal int
		want     float64
	}{
		{"identical", map[string]int{"a": 5}, 5, map[string]int{"a": 10}, 10, 0},
		{"disjoint", map[string]int{"a": 5}, 5, map[string]int{"b": 5}, 5, 1},
		{"half", map[string]int{"a": 5, "b": 5}, 10, map[string]int{"a": 10}, 10, 0.5},
		{"empty side", map[string]int{"a": 5}, 5, map[string]int{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := totalVariation(tt.inside, tt.inTotal, tt.outside, tt.outTotal)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestNumericBand(t *testing.T) {
	r := &[2]float64{0, 100}

	assert.Equal(t, "band_0", numericBand(0, r))
	assert.Equal(t, "band_2", numericBand(50, r))
	assert.Equal(t, "band_4", numericBand(100, r))
	assert.Equal(t, "band_0", numericBand(5, nil))
}
