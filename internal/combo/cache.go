package combo

import "sync"

// Cache is a single synchronized slot holding at most one ComboKeyExt. The
// zero value is an empty cache.
type Cache struct {
	mu    sync.Mutex
	entry ComboKeyExt
	full  bool
}

// Load returns the cached entry and whether there is one.
func (c *Cache) Load() (ComboKeyExt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.full
}

// Store replaces the cached entry with e.
func (c *Cache) Store(e ComboKeyExt) {
	c.mu.Lock()
	c.entry, c.full = e, true
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entry, c.full = ComboKeyExt{}, false
	c.mu.Unlock()
}

// Take empties the cache and returns what it held.
func (c *Cache) Take() (ComboKeyExt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entry, c.full
	c.entry, c.full = ComboKeyExt{}, false
	return e, ok
}

// Update calls fn with the cached entry under the cache lock. If fn returns
// true its result replaces the entry. An empty cache is left untouched.
func (c *Cache) Update(fn func(ComboKeyExt) (ComboKeyExt, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return false
	}
	next, ok := fn(c.entry)
	if ok {
		c.entry = next
	}
	return ok
}

// ClearIf empties the cache when the held entry satisfies pred.
func (c *Cache) ClearIf(pred func(ComboKeyExt) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full || !pred(c.entry) {
		return false
	}
	c.entry, c.full = ComboKeyExt{}, false
	return true
}
