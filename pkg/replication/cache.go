package replication

import "github.com/QYUbit/snapnet/pkg/ecs"

type cacheKey struct {
	id      ecs.EntityID
	base    uint32
	privacy ecs.Privacy
}

type cacheEntry struct {
	data []byte
	base uint32
	// oversize marks an incremental diff that did not fit the size field and
	// was replaced by a full one.
	oversize bool
}

// diffCache shares entity diffs between peers with the same base frame and
// privacy within one frame.
type diffCache struct {
	frame   uint32
	entries map[cacheKey]cacheEntry
}

func newDiffCache() *diffCache {
	return &diffCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *diffCache) reset(frame uint32) {
	if c.frame != frame {
		clear(c.entries)
		c.frame = frame
	}
}

func (c *diffCache) get(k cacheKey) (cacheEntry, bool) {
	e, ok := c.entries[k]
	return e, ok
}

func (c *diffCache) put(k cacheKey, e cacheEntry) {
	c.entries[k] = e
}
