// Package cache holds the agent's local view of entities: the last state the
// server confirmed or pushed, with optimistic results applied on top.
//
// The two layers are kept apart. Confirmed state is what local conflict
// checks compare against; optimistic results only shape what readers see
// until the operations that predicted them settle.
package cache

import (
	"sort"
	"sync"

	"github.com/hyperengineering/offsync/internal/types"
)

// Cache is an in-memory entity cache keyed by entity type and id.
type Cache struct {
	mu         sync.RWMutex
	entities   map[string]types.Fields
	optimistic map[string]types.Fields
}

func New() *Cache {
	return &Cache{
		entities:   make(map[string]types.Fields),
		optimistic: make(map[string]types.Fields),
	}
}

// Get returns a copy of the entity as readers see it, optimistic results
// included.
func (c *Cache) Get(entityType, id string) (types.Fields, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewLocked(types.EntityKey(entityType, id))
}

// Confirmed returns a copy of the last server-known state of the entity.
func (c *Cache) Confirmed(entityType, id string) (types.Fields, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.entities[types.EntityKey(entityType, id)]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Put replaces the confirmed entity, as a subscription push would.
func (c *Cache) Put(entityType, id string, fields types.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[types.EntityKey(entityType, id)] = fields.Clone()
}

// Merge applies server-returned fields on top of the confirmed entity,
// creating it if needed, and returns the resulting view.
func (c *Cache) Merge(entityType, id string, fields types.Fields) types.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := types.EntityKey(entityType, id)
	c.entities[key] = c.entities[key].Merge(fields)
	view, _ := c.viewLocked(key)
	return view
}

// Optimistic layers a predicted result over the entity without touching its
// confirmed state, and returns the resulting view.
func (c *Cache) Optimistic(entityType, id string, fields types.Fields) types.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := types.EntityKey(entityType, id)
	c.optimistic[key] = c.optimistic[key].Merge(fields)
	view, _ := c.viewLocked(key)
	return view
}

// Settle drops the optimistic layer of an entity once no operation that
// predicted it is outstanding.
func (c *Cache) Settle(entityType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.optimistic, types.EntityKey(entityType, id))
}

func (c *Cache) Delete(entityType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := types.EntityKey(entityType, id)
	delete(c.entities, key)
	delete(c.optimistic, key)
}

// Keys returns the cached entity keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entities)+len(c.optimistic))
	for k := range c.entities {
		keys = append(keys, k)
	}
	for k := range c.optimistic {
		if _, ok := c.entities[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) viewLocked(key string) (types.Fields, bool) {
	confirmed, okC := c.entities[key]
	overlay, okO := c.optimistic[key]
	if !okC && !okO {
		return nil, false
	}
	return confirmed.Merge(overlay), true
}
