package retrieval

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/engramlabs/engram/core"
)

// resultCache holds recent candidate sets keyed by query fingerprint
// (query text + project + type filter + k). It exists so a degraded request can merge
// whatever a healthier earlier run produced. The cache is owned by the
// orchestrator instance and torn down with it; it is safe for
// concurrent use.
type resultCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newResultCache(ttl time.Duration) (*resultCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &resultCache{cache: cache, ttl: ttl}, nil
}

// Put stores a candidate set. Each entry costs one unit; eviction is
// frequency-based beyond MaxCost entries.
func (c *resultCache) Put(fingerprint string, candidates []core.Candidate) {
	if len(candidates) == 0 {
		return
	}
	c.cache.SetWithTTL(fingerprint, candidates, 1, c.ttl)
	// Make the write visible immediately; callers may merge on the very
	// next request.
	c.cache.Wait()
}

// Get returns the cached candidates for the fingerprint, or nil.
func (c *resultCache) Get(fingerprint string) []core.Candidate {
	v, ok := c.cache.Get(fingerprint)
	if !ok {
		return nil
	}
	candidates, ok := v.([]core.Candidate)
	if !ok {
		return nil
	}
	return candidates
}

func (c *resultCache) Close() {
	c.cache.Close()
}
