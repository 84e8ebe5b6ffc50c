package store

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openhep/hepstore/keys"
)

// ProductCache is a thread-safe keyed buffer cache shared by prefetchers
// and the parallel event processor. Besides the cached values it tracks
// which keys were probed and found missing (notFound) and which are being
// fetched right now (loading), so concurrent readers neither re-issue loads
// nor mistake an in-flight fetch for a miss.
type ProductCache struct {
	mu   sync.RWMutex
	cond *sync.Cond // signaled when a loading key settles

	items    map[string][]byte
	notFound mapset.Set[string]
	loading  mapset.Set[string]

	// eraseOnLoad makes reads consume their entry; the asynchronous
	// prefetcher treats cached products as one-shot.
	eraseOnLoad bool
}

// NewProductCache returns an empty cache.
func NewProductCache() *ProductCache {
	c := &ProductCache{
		items:    make(map[string][]byte),
		notFound: mapset.NewThreadUnsafeSet[string](),
		loading:  mapset.NewThreadUnsafeSet[string](),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewOneShotProductCache returns a cache whose reads consume their
// entries, for callers that visit each item exactly once.
func NewOneShotProductCache() *ProductCache {
	c := NewProductCache()
	c.eraseOnLoad = true
	return c
}

// Stage makes sure the given product is either cached or recorded as not
// found, loading it through the source when the cache has no verdict yet.
func (c *ProductCache) Stage(src ProductSource, desc keys.ItemDescriptor, pk keys.ProductKey) error {
	key := string(keys.ProductKeyBytes(desc, pk))
	c.mu.Lock()
	_, cached := c.items[key]
	if cached || c.notFound.Contains(key) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	data, ok, err := src.LoadProduct(desc, pk)
	if err != nil {
		return err
	}
	if ok {
		c.add(key, data)
	} else {
		c.addNotFound(key)
	}
	return nil
}

// LoadProduct implements ProductSource from the cache alone: it never goes
// to storage. A miss on a key that was neither preloaded nor probed is
// logged, since it usually indicates a missing preload registration.
func (c *ProductCache) LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error) {
	key := string(keys.ProductKeyBytes(desc, pk))
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.loading.Contains(key) {
		c.cond.Wait()
	}
	if v, ok := c.items[key]; ok {
		if c.eraseOnLoad {
			delete(c.items, key)
			return v, true, nil
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, true, nil
	}
	if !c.notFound.Contains(key) {
		c.warnMiss(desc, pk)
	} else if c.eraseOnLoad {
		c.notFound.Remove(key)
	}
	return nil, false, nil
}

func (c *ProductCache) warnMiss(desc keys.ItemDescriptor, pk keys.ProductKey) {
	logger.Warnw("Product not in cache; was preload called for this label and type?",
		"item", desc.String(), "label", pk.Label, "type", pk.Type)
}

// Has reports whether the key is cached.
func (c *ProductCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Len returns the number of cached values.
func (c *ProductCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// add stores a fetched value.
func (c *ProductCache) add(key string, data []byte) {
	c.mu.Lock()
	c.items[key] = data
	c.mu.Unlock()
}

// addNotFound records that the key was probed and is absent in storage.
func (c *ProductCache) addNotFound(key string) {
	c.mu.Lock()
	c.notFound.Add(key)
	c.mu.Unlock()
}

// take removes and returns a cached value.
func (c *ProductCache) take(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	return v, ok
}

// get returns a cached value without consuming it.
func (c *ProductCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// remove drops a key from the value map and the notFound set.
func (c *ProductCache) remove(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.notFound.Remove(key)
	c.mu.Unlock()
}

// markLoading claims a key for fetching. It returns false when another
// fetcher already claimed it, in which case the caller should wait instead
// of re-issuing the load.
func (c *ProductCache) markLoading(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading.Contains(key) {
		return false
	}
	c.loading.Add(key)
	return true
}

// isLoading reports whether a fetch for the key is in flight.
func (c *ProductCache) isLoading(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading.Contains(key)
}

// settle publishes the outcome of a fetch claimed with markLoading and
// wakes every waiter.
func (c *ProductCache) settle(key string, data []byte, found bool) {
	c.mu.Lock()
	if found {
		c.items[key] = data
	} else {
		c.notFound.Add(key)
	}
	c.loading.Remove(key)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// waitSettled blocks until no fetch is in flight for the key.
func (c *ProductCache) waitSettled(key string) {
	c.mu.Lock()
	for c.loading.Contains(key) {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Clear drops all cached state.
func (c *ProductCache) Clear() {
	c.mu.Lock()
	c.items = make(map[string][]byte)
	c.notFound.Clear()
	c.mu.Unlock()
}
