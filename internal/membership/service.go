// Package membership implements the segment membership engine: it
// evaluates a segment's rule against the worker population, diffs the
// result against current rule-managed membership, and applies the diff
// atomically under a sync lease.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewscope/segmenta/internal/cache"
	"github.com/crewscope/segmenta/internal/observability"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
	"github.com/crewscope/segmenta/internal/validation"
)

// ErrStaticSegment is returned when a sync is requested for a segment
// that has no rule to evaluate.
var ErrStaticSegment = errors.New("membership: segment is static and cannot be synced")

// Config tunes how the engine walks the worker population.
type Config struct {
	// BatchSize is the number of workers fetched per database page.
	BatchSize int
	// Concurrency bounds parallel evaluation within a batch.
	Concurrency int
}

// Service orchestrates membership syncs. It is safe for concurrent use;
// per-segment exclusivity is enforced by the sync lease in the store, so
// multiple replicas can run the engine simultaneously.
type Service struct {
	logger   *slog.Logger
	registry *ruleengine.Registry
	segments store.SegmentRepository
	members  store.MemberRepository
	syncs    store.SyncRepository
	workers  store.WorkerRepository
	cache    cache.Service
	rules    *cache.RuleCache
	cfg      Config
}

// NewService wires the membership engine. cacheSvc and ruleCache are
// optional; without them every sync and explain re-decodes the stored
// rule JSON.
func NewService(
	logger *slog.Logger,
	registry *ruleengine.Registry,
	segments store.SegmentRepository,
	members store.MemberRepository,
	syncs store.SyncRepository,
	workers store.WorkerRepository,
	cacheSvc cache.Service,
	ruleCache *cache.RuleCache,
	cfg Config,
) *Service {
	validation.AssertNotNil(logger, "logger")
	validation.AssertNotNil(registry, "attribute registry")

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Service{
		logger:   logger,
		registry: registry,
		segments: segments,
		members:  members,
		syncs:    syncs,
		workers:  workers,
		cache:    cacheSvc,
		rules:    ruleCache,
		cfg:      cfg,
	}
}

// DecodeSegmentRule returns the decoded rule tree for a rule-based
// segment, consulting the in-process rule cache first. The cached entry
// carries the rule fingerprint, so a stale entry left over from before a
// rule edit is detected and replaced instead of served.
func (s *Service) DecodeSegmentRule(seg *store.Segment) (*ruleengine.Group, error) {
	id := seg.ID.String()
	hash := uint64(seg.RuleHash)

	if s.rules != nil {
		if cached, ok := s.rules.Get(id); ok && cached.Hash == hash {
			return cached.Tree, nil
		}
	}

	rule, err := ruleengine.DecodeStorage(seg.Rule)
	if err != nil {
		return nil, err
	}

	if s.rules != nil {
		s.rules.Set(id, &cache.CachedRule{Tree: rule, Hash: hash})
	}
	return rule, nil
}

// EvaluateRule walks the organization's worker population in batches and
// returns the IDs of workers matching the rule, plus the total number of
// workers evaluated. Evaluation within a batch is fanned out across a
// bounded set of goroutines; rule evaluation itself is pure, so results
// only need mutex-guarded collection.
func (s *Service) EvaluateRule(ctx context.Context, orgID uuid.UUID, rule *ruleengine.Group) ([]uuid.UUID, int, error) {
	var (
		mu        sync.Mutex
		matched   []uuid.UUID
		processed int
	)

	err := s.workers.StreamWorkers(ctx, orgID, s.cfg.BatchSize, func(batch []*store.Worker) error {
		sem := make(chan struct{}, s.cfg.Concurrency)
		var wg sync.WaitGroup

		for _, w := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(w *store.Worker) {
				defer wg.Done()
				defer func() { <-sem }()

				start := time.Now()
				ok := ruleengine.Evaluate(s.registry, rule, w.Attributes)
				observability.EvalDuration.Observe(time.Since(start).Seconds())

				mu.Lock()
				processed++
				if ok {
					matched = append(matched, w.ID)
				}
				mu.Unlock()
			}(w)
		}

		wg.Wait()
		return ctx.Err()
	})
	if err != nil {
		return nil, 0, err
	}

	observability.SyncWorkersEvaluated.Add(float64(processed))
	return matched, processed, nil
}

// Sync recomputes the rule-managed membership of one segment.
//
// The flow: load the segment, acquire the sync lease, evaluate the rule
// against the population, diff against current rule-managed members,
// apply the diff in one transaction, then mark the sync completed. Any
// failure after the lease is acquired marks the sync failed so the lease
// is always released; membership is untouched on failure because the
// diff applies transactionally.
func (s *Service) Sync(ctx context.Context, segmentID uuid.UUID) (*store.SyncRecord, error) {
	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	if seg.Kind != store.KindRuleBased || len(seg.Rule) == 0 {
		return nil, ErrStaticSegment
	}

	rule, err := s.DecodeSegmentRule(seg)
	if err != nil {
		return nil, fmt.Errorf("membership: decoding rule for segment %s: %w", segmentID, err)
	}

	rec, err := s.syncs.BeginSync(ctx, segmentID)
	if err != nil {
		// ErrSyncInProgress passes through untouched so callers can
		// report it distinctly.
		return nil, err
	}

	start := time.Now()
	log := s.logger.With(
		slog.String("segment_id", segmentID.String()),
		slog.String("sync_id", rec.ID.String()),
	)
	log.Info("membership sync started")

	processed, matchCount, err := s.runSync(ctx, seg, rule, rec)
	if err != nil {
		observability.SyncsTotal.WithLabelValues("failed").Inc()
		log.Error("membership sync failed", slog.String("error", err.Error()))

		// Best effort: the lease must reach a terminal state even when
		// the original context is gone.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if failErr := s.syncs.FailSync(failCtx, rec.ID, err.Error()); failErr != nil {
			log.Error("failed to mark sync as failed", slog.String("error", failErr.Error()))
		}
		return nil, err
	}

	observability.SyncsTotal.WithLabelValues("completed").Inc()
	observability.SyncDuration.Observe(time.Since(start).Seconds())
	log.Info("membership sync completed",
		slog.Int("processed", processed),
		slog.Int("matched", matchCount),
		slog.Duration("duration", time.Since(start)),
	)

	return s.syncs.LatestSync(ctx, segmentID)
}

func (s *Service) runSync(ctx context.Context, seg *store.Segment, rule *ruleengine.Group, rec *store.SyncRecord) (int, int, error) {
	matched, processed, err := s.EvaluateRule(ctx, seg.OrgID, rule)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluating rule: %w", err)
	}

	current, err := s.members.ListRuleMatchedWorkerIDs(ctx, seg.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing current members: %w", err)
	}

	add, remove := diff(current, matched)

	if err := s.members.ApplyRuleDiff(ctx, seg.ID, add, remove); err != nil {
		return 0, 0, fmt.Errorf("applying membership diff: %w", err)
	}

	observability.SyncMembershipChanges.WithLabelValues("added").Add(float64(len(add)))
	observability.SyncMembershipChanges.WithLabelValues("removed").Add(float64(len(remove)))

	// Member count includes manual members of rule-based segments.
	_, total, err := s.members.ListMembers(ctx, seg.ID, 1, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("counting members: %w", err)
	}

	syncedAt := time.Now().UTC()
	if err := s.segments.RecordSyncResult(ctx, seg.ID, int(total), syncedAt); err != nil {
		return 0, 0, fmt.Errorf("recording sync result: %w", err)
	}

	if err := s.syncs.CompleteSync(ctx, rec.ID, processed, len(matched)); err != nil {
		return 0, 0, fmt.Errorf("completing sync: %w", err)
	}

	// Cache refresh and broadcast are best effort; the database is the
	// source of truth.
	s.refreshCache(ctx, seg, int(total), syncedAt)

	return processed, len(matched), nil
}

func (s *Service) refreshCache(ctx context.Context, seg *store.Segment, memberCount int, syncedAt time.Time) {
	if s.cache == nil {
		return
	}

	id := seg.ID.String()
	if err := s.cache.SetSegmentSummary(ctx, id, map[string]interface{}{
		"member_count": memberCount,
		"rule_hash":    seg.RuleHash,
		"synced_at":    syncedAt.Format(time.RFC3339),
	}); err != nil {
		s.logger.Warn("failed to update segment summary cache",
			slog.String("segment_id", id),
			slog.String("error", err.Error()),
		)
	}

	if err := s.cache.PublishUpdate(ctx, id); err != nil {
		s.logger.Warn("failed to publish segment update",
			slog.String("segment_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// diff computes the additions and removals needed to move membership
// from current to desired.
func diff(current, desired []uuid.UUID) (add, remove []uuid.UUID) {
	currentSet := make(map[uuid.UUID]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}

	desiredSet := make(map[uuid.UUID]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
		if _, ok := currentSet[id]; !ok {
			add = append(add, id)
		}
	}

	for _, id := range current {
		if _, ok := desiredSet[id]; !ok {
			remove = append(remove, id)
		}
	}

	return add, remove
}
