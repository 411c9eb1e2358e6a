package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultCacheCapacity = 100
	defaultCacheTTL      = 10 * time.Minute
)

// resultCache memoizes successful executions by content. A hit means the
// same code ran against a logically identical context with the same tool
// surface, so the worker is skipped entirely.
type resultCache struct {
	entries *ttlcache.Cache[string, *resultEnvelope]
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	entries := ttlcache.New[string, *resultEnvelope](
		ttlcache.WithTTL[string, *resultEnvelope](ttl),
		ttlcache.WithCapacity[string, *resultEnvelope](uint64(capacity)),
	)
	go entries.Start()
	return &resultCache{entries: entries}
}

// cacheKey derives the content key: sha256 over the code, the canonical
// JSON of the context, and the sorted schema-hash lines of the allowed
// tools. A schema change on any allowed tool invalidates prior entries.
func cacheKey(code string, context map[string]interface{}, schemaHashes map[string]string) string {
	h := sha256.New()
	h.Write([]byte(code))
	h.Write([]byte{0})

	// encoding/json sorts map keys, so equal contexts encode identically.
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		ctxJSON = []byte(fmt.Sprintf("%v", context))
	}
	h.Write(ctxJSON)
	h.Write([]byte{0})

	lines := make([]string, 0, len(schemaHashes))
	for tool, hash := range schemaHashes {
		lines = append(lines, tool+"="+hash)
	}
	sort.Strings(lines)
	h.Write([]byte(strings.Join(lines, "\n")))

	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached envelope for the key, if any.
func (c *resultCache) Get(key string) (*resultEnvelope, bool) {
	item := c.entries.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Put stores a successful execution's envelope.
func (c *resultCache) Put(key string, env *resultEnvelope) {
	c.entries.Set(key, env, ttlcache.DefaultTTL)
}

// Stop halts the expiry loop.
func (c *resultCache) Stop() {
	c.entries.Stop()
}
