package cache

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/crewscope/segmenta/internal/observability"
	"github.com/crewscope/segmenta/internal/ruleengine"
)

// CachedRule is the decoded, validated form of a segment's rule, ready
// for evaluation without re-parsing the stored JSON.
type CachedRule struct {
	Tree *ruleengine.Group
	Hash uint64
}

// RuleCache is the L1 in-process layer holding decoded rule trees keyed
// by segment ID, backed by the contention-free S3-FIFO algorithm from the
// 'otter' library. Test and explain requests hit it on every call; the
// Redis update subscription invalidates entries when rules change.
type RuleCache struct {
	store otter.Cache[string, *CachedRule]
}

// NewRuleCache initializes the in-memory cache with strict limits.
// capacity: max number of entries (hard cap to prevent OOM).
// ttl: time-to-live, the safety net for missed invalidation events.
func NewRuleCache(capacity int, ttl time.Duration) (*RuleCache, error) {
	builder := otter.MustBuilder[string, *CachedRule](capacity).
		WithTTL(ttl)

	store, err := builder.Build()
	if err != nil {
		return nil, err
	}

	return &RuleCache{store: store}, nil
}

// Get retrieves a decoded rule from memory.
func (c *RuleCache) Get(segmentID string) (*CachedRule, bool) {
	rule, ok := c.store.Get(segmentID)
	if ok {
		observability.RuleCacheHits.Inc()
	} else {
		observability.RuleCacheMisses.Inc()
	}
	return rule, ok
}

// Set adds or updates a decoded rule. The configured TTL applies
// automatically.
func (c *RuleCache) Set(segmentID string, rule *CachedRule) {
	c.store.Set(segmentID, rule)
}

// Del removes a segment's entry. Called by the pub/sub listener when an
// invalidation event arrives.
func (c *RuleCache) Del(segmentID string) {
	c.store.Delete(segmentID)
}

// Close shuts down the cache and its background cleanup goroutines.
func (c *RuleCache) Close() {
	c.store.Close()
}
