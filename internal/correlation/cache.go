package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	DefaultMaxEntries = 100000
	DefaultTTL        = time.Hour
)

var ErrCacheClosed = errors.New("anchor cache is closed")

// AnchorCache maps interaction ids to the run id of the llm call that opened
// the interaction. Entries are bounded by count and optionally by age; an
// evicted anchor behaves exactly like one that was never registered.
type AnchorCache struct {
	mu     sync.Mutex
	cache  *ristretto.Cache
	ttl    time.Duration
	closed bool
}

// AnchorCacheStats is a point-in-time view of cache activity.
type AnchorCacheStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	KeysAdded   uint64 `json:"keys_added"`
	KeysEvicted uint64 `json:"keys_evicted"`
}

// NewAnchorCache builds a cache holding at most maxEntries anchors, each
// living for ttl. A zero ttl keeps anchors until they are evicted for space.
func NewAnchorCache(maxEntries int64, ttl time.Duration) (*AnchorCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl < 0 {
		return nil, fmt.Errorf("anchor cache ttl must be >= 0 (got %s)", ttl)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create anchor cache: %w", err)
	}
	return &AnchorCache{cache: cache, ttl: ttl}, nil
}

// Lookup returns the anchor run id registered for interactionID.
func (c *AnchorCache) Lookup(interactionID string) (string, bool) {
	if c == nil || interactionID == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(interactionID)
}

// Register stores runID as the anchor for interactionID unless one already
// exists. It reports whether this call created the entry.
func (c *AnchorCache) Register(interactionID, runID string) (bool, error) {
	if c == nil || interactionID == "" || runID == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrCacheClosed
	}
	if _, ok := c.lookupLocked(interactionID); ok {
		return false, nil
	}
	if !c.cache.SetWithTTL(interactionID, runID, 1, c.ttl) {
		return false, fmt.Errorf("anchor for interaction %q was not admitted", interactionID)
	}
	// Sets are applied asynchronously; make the entry visible before the
	// next lookup.
	c.cache.Wait()
	if _, ok := c.cache.Get(interactionID); !ok {
		return false, fmt.Errorf("anchor for interaction %q was rejected by the admission policy", interactionID)
	}
	return true, nil
}

func (c *AnchorCache) lookupLocked(interactionID string) (string, bool) {
	if c.closed {
		return "", false
	}
	value, ok := c.cache.Get(interactionID)
	if !ok {
		return "", false
	}
	runID, ok := value.(string)
	if !ok || runID == "" {
		return "", false
	}
	return runID, true
}

func (c *AnchorCache) Stats() AnchorCacheStats {
	if c == nil {
		return AnchorCacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return AnchorCacheStats{}
	}
	metrics := c.cache.Metrics
	return AnchorCacheStats{
		Hits:        metrics.Hits(),
		Misses:      metrics.Misses(),
		KeysAdded:   metrics.KeysAdded(),
		KeysEvicted: metrics.KeysEvicted(),
	}
}

// Close stops the cache's background goroutines. Lookups after Close miss.
func (c *AnchorCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cache.Close()
}
