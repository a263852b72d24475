// Package analytics provides read-only insight operations over segments:
// rule dry-runs, per-worker explanations, growth, overlap, and attribute
// differentiators. Nothing here writes to the database.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
	"github.com/crewscope/segmenta/internal/validation"
)

// ErrStaticSegment is returned for insight operations that only make
// sense on rule-based segments.
var ErrStaticSegment = errors.New("analytics: segment is static")

// Service implements the insight operations.
type Service struct {
	logger     *slog.Logger
	registry   *ruleengine.Registry
	segments   store.SegmentRepository
	members    store.MemberRepository
	syncs      store.SyncRepository
	workers    store.WorkerRepository
	membership *membership.Service
}

// NewService wires the analytics layer. The membership service is reused
// for population walks so dry-runs share batching and concurrency limits
// with real syncs.
func NewService(
	logger *slog.Logger,
	registry *ruleengine.Registry,
	segments store.SegmentRepository,
	members store.MemberRepository,
	syncs store.SyncRepository,
	workers store.WorkerRepository,
	membershipSvc *membership.Service,
) *Service {
	validation.AssertNotNil(logger, "logger")
	validation.AssertNotNil(registry, "attribute registry")
	validation.AssertNotNil(membershipSvc, "membership service")

	return &Service{
		logger:     logger,
		registry:   registry,
		segments:   segments,
		members:    members,
		syncs:      syncs,
		workers:    workers,
		membership: membershipSvc,
	}
}

// TestResult is the outcome of a rule dry-run.
type TestResult struct {
	MatchCount int     `json:"matchCount"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// TestRule evaluates a candidate rule against the organization's worker
// population without persisting anything.
func (s *Service) TestRule(ctx context.Context, orgID uuid.UUID, rule *ruleengine.Group) (*TestResult, error) {
	matched, processed, err := s.membership.EvaluateRule(ctx, orgID, rule)
	if err != nil {
		return nil, fmt.Errorf("analytics: testing rule: %w", err)
	}

	res := &TestResult{
		MatchCount: len(matched),
		Total:      processed,
	}
	if processed > 0 {
		res.Percentage = float64(len(matched)) / float64(processed) * 100
	}
	return res, nil
}

// ExplainWorker evaluates a segment's rule against one worker and
// reports the outcome of every leaf condition.
func (s *Service) ExplainWorker(ctx context.Context, segmentID, workerID uuid.UUID) (*ruleengine.Explanation, error) {
	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.Kind != store.KindRuleBased || len(seg.Rule) == 0 {
		return nil, ErrStaticSegment
	}

	rule, err := s.membership.DecodeSegmentRule(seg)
	if err != nil {
		return nil, fmt.Errorf("analytics: decoding rule: %w", err)
	}

	worker, err := s.workers.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	// Workers outside the segment's organization are indistinguishable
	// from unknown ones.
	if worker.OrgID != seg.OrgID {
		return nil, store.ErrNotFound
	}

	exp := ruleengine.Explain(s.registry, rule, worker.Attributes)
	return &exp, nil
}

// Growth reports how a segment's size changed over a trailing window.
type Growth struct {
	CurrentCount  int `json:"currentCount"`
	PreviousCount int `json:"previousCount"`
	Delta         int `json:"delta"`
	// GrowthRate is (current - previous) / previous, as a fraction:
	// 0.5 means the segment grew by half.
	GrowthRate float64 `json:"growthRate"`
	// Unbounded marks growth from an empty baseline, where a rate is
	// not meaningful.
	Unbounded bool `json:"unbounded"`
}

// SegmentGrowth compares current membership against the last completed
// sync at least `window` old.
func (s *Service) SegmentGrowth(ctx context.Context, segmentID uuid.UUID, window time.Duration) (*Growth, error) {
	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	previous := 0
	cutoff := time.Now().Add(-window)
	rec, err := s.syncs.CompletedSyncBefore(ctx, segmentID, cutoff)
	switch {
	case err == nil:
		previous = rec.MatchCount
	case errors.Is(err, store.ErrNotFound):
		// No baseline: treat the segment as newly created.
	default:
		return nil, err
	}

	g := &Growth{
		CurrentCount:  seg.MemberCount,
		PreviousCount: previous,
		Delta:         seg.MemberCount - previous,
	}

	switch {
	case previous == 0 && seg.MemberCount == 0:
		g.GrowthRate = 0
	case previous == 0:
		g.Unbounded = true
	default:
		g.GrowthRate = float64(g.Delta) / float64(previous)
	}

	return g, nil
}

// Overlap quantifies how two segments' memberships intersect.
type Overlap struct {
	SegmentA      uuid.UUID `json:"segmentA"`
	SegmentB      uuid.UUID `json:"segmentB"`
	Intersection  int       `json:"intersection"`
	OnlyA         int       `json:"onlyA"`
	OnlyB         int       `json:"onlyB"`
	OverlapPctOfA float64   `json:"overlapPctOfA"`
	OverlapPctOfB float64   `json:"overlapPctOfB"`
}

// Compare computes the membership overlap between two segments.
func (s *Service) Compare(ctx context.Context, aID, bID uuid.UUID) (*Overlap, error) {
	a, err := s.members.ListMemberWorkerIDs(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := s.members.ListMemberWorkerIDs(ctx, bID)
	if err != nil {
		return nil, err
	}

	aSet := make(map[uuid.UUID]struct{}, len(a))
	for _, id := range a {
		aSet[id] = struct{}{}
	}

	inter := 0
	for _, id := range b {
		if _, ok := aSet[id]; ok {
			inter++
		}
	}

	o := &Overlap{
		SegmentA:     aID,
		SegmentB:     bID,
		Intersection: inter,
		OnlyA:        len(a) - inter,
		OnlyB:        len(b) - inter,
	}
	if len(a) > 0 {
		o.OverlapPctOfA = float64(inter) / float64(len(a)) * 100
	}
	if len(b) > 0 {
		o.OverlapPctOfB = float64(inter) / float64(len(b)) * 100
	}
	return o, nil
}

// OverlappingSegments lists the segments in the same organization sharing
// members with the given one, largest intersection first.
func (s *Service) OverlappingSegments(ctx context.Context, segmentID uuid.UUID, limit int) ([]*Overlap, error) {
	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	others, _, err := s.segments.ListSegments(ctx, seg.OrgID, 1000, 0)
	if err != nil {
		return nil, err
	}

	var overlaps []*Overlap
	for _, other := range others {
		if other.ID == segmentID {
			continue
		}
		o, err := s.Compare(ctx, segmentID, other.ID)
		if err != nil {
			return nil, err
		}
		if o.Intersection > 0 {
			overlaps = append(overlaps, o)
		}
	}

	sort.Slice(overlaps, func(i, j int) bool {
		return overlaps[i].Intersection > overlaps[j].Intersection
	})

	if limit > 0 && len(overlaps) > limit {
		overlaps = overlaps[:limit]
	}
	return overlaps, nil
}

// Differentiator scores how strongly one attribute separates segment
// members from the rest of the population.
type Differentiator struct {
	Attribute string  `json:"attribute"`
	Score     float64 `json:"score"`
}

// numericBands is the number of equal-width bands numeric attributes are
// discretized into before distribution comparison.
const numericBands = 5

// Differentiators ranks registry attributes by how differently they are
// distributed between segment members and non-members. The score is the
// total variation distance between the two discrete distributions, in
// [0, 1]; attributes absent on both sides score 0.
func (s *Service) Differentiators(ctx context.Context, segmentID uuid.UUID, limit int) ([]Differentiator, error) {
	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	memberIDs, err := s.members.ListMemberWorkerIDs(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	memberSet := make(map[uuid.UUID]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		memberSet[id] = struct{}{}
	}

	// One pass over the population, bucketing attribute values per side.
	type counts struct {
		inside, outside map[string]int
		inTotal, outTot int
	}
	specs := s.registry.Attributes()
	byAttr := make(map[string]*counts, len(specs))
	numericRanges := make(map[string]*[2]float64)

	for _, spec := range specs {
		if spec.Type == ruleengine.TypeObject {
			continue
		}
		byAttr[spec.Path] = &counts{inside: map[string]int{}, outside: map[string]int{}}
	}

	// First pass to find numeric ranges for banding.
	err = s.workers.StreamWorkers(ctx, seg.OrgID, 500, func(batch []*store.Worker) error {
		for _, w := range batch {
			for _, spec := range specs {
				if spec.Type != ruleengine.TypeNumber {
					continue
				}
				if n, ok := numericAttr(w.Attributes, spec.Path); ok {
					r := numericRanges[spec.Path]
					if r == nil {
						numericRanges[spec.Path] = &[2]float64{n, n}
					} else {
						r[0] = math.Min(r[0], n)
						r[1] = math.Max(r[1], n)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.workers.StreamWorkers(ctx, seg.OrgID, 500, func(batch []*store.Worker) error {
		for _, w := range batch {
			_, isMember := memberSet[w.ID]
			for _, spec := range specs {
				c, ok := byAttr[spec.Path]
				if !ok {
					continue
				}
				for _, bucket := range bucketsFor(spec, w.Attributes, numericRanges[spec.Path]) {
					if isMember {
						c.inside[bucket]++
					} else {
						c.outside[bucket]++
					}
				}
				if isMember {
					c.inTotal++
				} else {
					c.outTot++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Differentiator
	for path, c := range byAttr {
		score := totalVariation(c.inside, c.inTotal, c.outside, c.outTot)
		if score > 0 {
			out = append(out, Differentiator{Attribute: path, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Attribute < out[j].Attribute
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// bucketsFor maps one worker's value for an attribute to discrete
// distribution buckets. Arrays contribute one bucket per element;
// absent values contribute the sentinel "(absent)" bucket.
func bucketsFor(spec ruleengine.AttributeSpec, attrs map[string]any, numRange *[2]float64) []string {
	v, ok := lookupAttr(attrs, spec.Path)
	if !ok || v == nil {
		return []string{"(absent)"}
	}

	switch spec.Type {
	case ruleengine.TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return []string{"(absent)"}
		}
		return []string{numericBand(n, numRange)}
	case ruleengine.TypeArray:
		elems, ok := v.([]any)
		if !ok || len(elems) == 0 {
			return []string{"(absent)"}
		}
		buckets := make([]string, 0, len(elems))
		for _, e := range elems {
			buckets = append(buckets, fmt.Sprintf("%v", e))
		}
		return buckets
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// numericBand assigns a value to one of numericBands equal-width bands
// over the observed population range.
func numericBand(n float64, r *[2]float64) string {
	if r == nil || r[1] <= r[0] {
		return "band_0"
	}
	width := (r[1] - r[0]) / numericBands
	band := int((n - r[0]) / width)
	if band >= numericBands {
		band = numericBands - 1
	}
	return fmt.Sprintf("band_%d", band)
}

// totalVariation computes the total variation distance between two
// empirical distributions: 0.5 * sum(|p_i - q_i|).
func totalVariation(inside map[string]int, inTotal int, outside map[string]int, outTotal int) float64 {
	if inTotal == 0 || outTotal == 0 {
		return 0
	}

	keys := make(map[string]struct{}, len(inside)+len(outside))
	for k := range inside {
		keys[k] = struct{}{}
	}
	for k := range outside {
		keys[k] = struct{}{}
	}

	var sum float64
	for k := range keys {
		p := float64(inside[k]) / float64(inTotal)
		q := float64(outside[k]) / float64(outTotal)
		sum += math.Abs(p - q)
	}
	return sum / 2
}

func lookupAttr(attrs map[string]any, path string) (any, bool) {
	var cur any = attrs
	for path != "" {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		head, rest, found := strings.Cut(path, ".")
		if !found {
			v, ok := m[head]
			return v, ok
		}
		cur, ok = m[head]
		if !ok {
			return nil, false
		}
		path = rest
	}
	return nil, false
}

func numericAttr(attrs map[string]any, path string) (float64, bool) {
	v, ok := lookupAttr(attrs, path)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}
