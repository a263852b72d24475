package membership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crewscope/segmenta/internal/observability"
	"github.com/crewscope/segmenta/internal/store"
)

// Runner periodically scans all rule-based segments and syncs the ones
// that are due. It is the engine behind the segmenta-syncer binary.
type Runner struct {
	logger  *slog.Logger
	service *Service
	// Interval is how often the scan runs.
	Interval time.Duration
	// RefreshInterval is the staleness bound: a segment whose last sync
	// is older than this is due even without a rule change.
	RefreshInterval time.Duration
}

// NewRunner creates the periodic sync runner.
func NewRunner(logger *slog.Logger, service *Service, interval, refreshInterval time.Duration) *Runner {
	return &Runner{
		logger:          logger,
		service:         service,
		Interval:        interval,
		RefreshInterval: refreshInterval,
	}
}

// Run blocks, scanning on every tick until the context is cancelled.
// An immediate scan happens on startup so freshly deployed rules do not
// wait a full interval.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sync runner started",
		slog.Duration("interval", r.Interval),
		slog.Duration("refresh_interval", r.RefreshInterval),
	)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopping")
			return ctx.Err()
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// scan syncs every due segment, ordered stalest first by the store.
func (r *Runner) scan(ctx context.Context) {
	segments, err := r.service.segments.ListAllRuleBasedSegments(ctx)
	if err != nil {
		r.logger.Error("failed to list rule-based segments", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for _, seg := range segments {
		if ctx.Err() != nil {
			return
		}
		if !r.due(seg, now) {
			continue
		}

		_, err := r.service.Sync(ctx, seg.ID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrSyncInProgress):
			// Another replica holds the lease.
			observability.SyncsTotal.WithLabelValues("skipped").Inc()
			r.logger.Debug("sync already in progress, skipping",
				slog.String("segment_id", seg.ID.String()),
			)
		default:
			r.logger.Error("segment sync failed",
				slog.String("segment_id", seg.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// due reports whether the segment needs a sync: never synced, rule
// changed since the last sync, or the last sync is stale.
func (r *Runner) due(seg *store.Segment, now time.Time) bool {
	if seg.LastSyncAt == nil {
		return true
	}
	if seg.UpdatedAt.After(*seg.LastSyncAt) {
		return true
	}
	return now.Sub(*seg.LastSyncAt) >= r.RefreshInterval
}
