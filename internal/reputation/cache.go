package reputation

import (
	"context"
	"sync"
	"time"
)

// Cache stores verdicts keyed by hex digest with an expiry.
type Cache interface {
	Get(hexDigest string) (*Verdict, bool)
	Put(hexDigest string, v *Verdict)
}

// memoryCache is a mutex-guarded TTL cache.
type memoryCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	verdict Verdict
	expires time.Time
}

// NewMemoryCache creates an in-memory TTL cache.
func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *memoryCache) Get(hexDigest string) (*Verdict, bool) {
	c.mu.RLock()
	e, ok := c.entries[hexDigest]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	v := e.verdict
	return &v, true
}

func (c *memoryCache) Put(hexDigest string, v *Verdict) {
	if v == nil {
		return
	}
	c.mu.Lock()
	c.entries[hexDigest] = cacheEntry{verdict: *v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// CachedService wraps a Service with a Cache. Only successful lookups are
// cached; failures fall through so a later lookup can retry.
type CachedService struct {
	inner Service
	cache Cache
}

// NewCachedService wraps svc with cache.
func NewCachedService(svc Service, cache Cache) *CachedService {
	return &CachedService{inner: svc, cache: cache}
}

// Lookup returns a cached verdict when fresh, otherwise queries the inner
// service and caches the result.
func (s *CachedService) Lookup(ctx context.Context, hexDigest string) (*Verdict, error) {
	if v, ok := s.cache.Get(hexDigest); ok {
		return v, nil
	}

	v, err := s.inner.Lookup(ctx, hexDigest)
	if err != nil {
		return nil, err
	}
	s.cache.Put(hexDigest, v)
	return v, nil
}
