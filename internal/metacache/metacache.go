// Package metacache is a TTL-bounded read-through cache in front of
// the meta/relation DAOs, generalized from the teacher's result cache
// (a mutex-guarded map with a background cleanup goroutine) from task
// results to metas and relations.
package metacache

import (
	"context"
	"sync"
	"time"

	"github.com/metaflow/engine/internal/model"
	"github.com/metaflow/engine/internal/store"
)

type metaEntry struct {
	meta      *model.Meta // nil means "looked up, not found"
	expiresAt time.Time
}

type relEntry struct {
	relations []model.Relation
	expiresAt time.Time
}

// Cache fronts MetaStore/RelationStore lookups with a TTL cache. A
// negative result (not found) is cached too, so a hot miss doesn't
// repeatedly hit the DAO until the TTL lapses.
type Cache struct {
	mu   sync.RWMutex
	meta map[string]metaEntry
	rel  map[string]relEntry
	ttl  time.Duration

	metaStore *store.MetaStore
	relStore  *store.RelationStore
}

func New(metaStore *store.MetaStore, relStore *store.RelationStore, ttl time.Duration) *Cache {
	c := &Cache{
		meta:      make(map[string]metaEntry),
		rel:       make(map[string]relEntry),
		ttl:       ttl,
		metaStore: metaStore,
		relStore:  relStore,
	}
	go c.cleanup()
	return c
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for k, e := range c.meta {
			if now.After(e.expiresAt) {
				delete(c.meta, k)
			}
		}
		for k, e := range c.rel {
			if now.After(e.expiresAt) {
				delete(c.rel, k)
			}
		}
		c.mu.Unlock()
	}
}

// GetMeta returns the meta for key, consulting the DAO on a cache miss
// or expiry.
func (c *Cache) GetMeta(ctx context.Context, key string) (*model.Meta, error) {
	c.mu.RLock()
	if e, ok := c.meta[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.meta, nil
	}
	c.mu.RUnlock()

	m, err := c.metaStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.meta[key] = metaEntry{meta: m, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return m, nil
}

// GetRelations returns every relation originating at fromMeta.
func (c *Cache) GetRelations(ctx context.Context, fromMeta string) ([]model.Relation, error) {
	c.mu.RLock()
	if e, ok := c.rel[fromMeta]; ok && time.Now().Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.relations, nil
	}
	c.mu.RUnlock()

	rels, err := c.relStore.GetByFromMeta(ctx, fromMeta)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rel[fromMeta] = relEntry{relations: rels, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return rels, nil
}

// Invalidate drops any cached entry for a meta key, used by the admin
// surface after an operator edits a meta or relation definition.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.meta, key)
	delete(c.rel, key)
	c.mu.Unlock()
}
