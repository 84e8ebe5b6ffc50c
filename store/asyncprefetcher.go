package store

import (
	"sync"
	"sync/atomic"

	"github.com/openhep/hepstore/keys"
)

// AsyncPrefetcher reads ahead continuously on a background loader: the
// loader fills a bounded window of upcoming items, spawning one
// fire-and-forget fetch task per registered product, and readers block on a
// condition variable until either the next item lands in the window or the
// loader reports end-of-shard.
type AsyncPrefetcher struct {
	ds     *DataStore
	engine *AsyncEngine

	cacheSize int
	batchSize int

	activeMu sync.RWMutex
	active   []keys.ProductKey

	mu           sync.Mutex
	cond         *sync.Cond
	items        descList
	loaderActive bool
	closed       bool

	cache *ProductCache

	associated atomic.Bool
	stats      PrefetcherStats
}

// NewAsyncPrefetcher builds a prefetcher whose product loads run on the
// engine's pool. Non-positive sizes select the client's configured
// defaults.
func NewAsyncPrefetcher(engine *AsyncEngine, cacheSize, batchSize int) *AsyncPrefetcher {
	ds := engine.ds
	if cacheSize <= 0 {
		cacheSize = ds.prefetchCacheSize
	}
	if batchSize <= 0 {
		batchSize = ds.prefetchBatchSize
	}
	cache := NewProductCache()
	cache.eraseOnLoad = true // prefetched products are one-shot
	p := &AsyncPrefetcher{
		ds:        ds,
		engine:    engine,
		cacheSize: cacheSize,
		batchSize: batchSize,
		cache:     cache,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *AsyncPrefetcher) attach() error {
	if !p.associated.CompareAndSwap(false, true) {
		return ErrPrefetcherInUse
	}
	return nil
}

func (p *AsyncPrefetcher) detach() { p.associated.Store(false) }

// Preload registers a product key to fetch alongside every item.
func (p *AsyncPrefetcher) Preload(label, typeName string) {
	p.activeMu.Lock()
	p.active = append(p.active, keys.ProductKey{Label: label, Type: typeName})
	p.activeMu.Unlock()
}

// Cache exposes the product cache backing this prefetcher.
func (p *AsyncPrefetcher) Cache() *ProductCache { return p.cache }

// Stats returns a snapshot of the prefetcher's counters.
func (p *AsyncPrefetcher) Stats() PrefetcherStats {
	return PrefetcherStats{
		ItemsFetched:  atomic.LoadInt64(&p.stats.ItemsFetched),
		Batches:       atomic.LoadInt64(&p.stats.Batches),
		ProductHits:   atomic.LoadInt64(&p.stats.ProductHits),
		ProductMisses: atomic.LoadInt64(&p.stats.ProductMisses),
	}
}

// spawnProductFetches claims and launches one fetch task per registered
// product of the item. A second request for a key already in flight waits
// on the cache instead of re-issuing the load.
func (p *AsyncPrefetcher) spawnProductFetches(desc keys.ItemDescriptor) {
	p.activeMu.RLock()
	active := p.active
	p.activeMu.RUnlock()
	for _, pk := range active {
		pk := pk
		key := string(keys.ProductKeyBytes(desc, pk))
		if p.cache.Has(key) || !p.cache.markLoading(key) {
			continue
		}
		p.engine.spawn(func() {
			data, ok, err := p.ds.loadProductRaw(desc, pk)
			if err != nil {
				logger.Warnw("Product prefetch failed", "item", desc.String(), "product", pk.String(), "err", err)
				ok = false
			}
			p.cache.settle(key, data, ok)
		})
	}
}

func (p *AsyncPrefetcher) fetchProductsFor(desc keys.ItemDescriptor) {
	p.spawnProductFetches(desc)
}

// PrefetchFrom spawns the loader if none is running.
func (p *AsyncPrefetcher) PrefetchFrom(level keys.Level, prefix []byte, after keys.ItemDescriptor, shard int) {
	p.mu.Lock()
	if p.loaderActive || p.closed {
		p.mu.Unlock()
		return
	}
	p.loaderActive = true
	p.mu.Unlock()
	go p.loader(level, prefix, after, shard)
}

// loader fills the window until end-of-shard or Close. It blocks while the
// window is full and hands every fetched item to the product fetchers
// before publishing it.
func (p *AsyncPrefetcher) loader(level keys.Level, prefix []byte, after keys.ItemDescriptor, shard int) {
	last := after
	for {
		p.mu.Lock()
		for p.items.len() >= p.cacheSize && p.loaderActive && !p.closed {
			p.cond.Wait()
		}
		if !p.loaderActive || p.closed {
			p.loaderActive = false
			p.mu.Unlock()
			p.cond.Broadcast()
			return
		}
		p.mu.Unlock()

		batch, err := p.ds.nextItems(level, prefix, last, p.batchSize, shard)
		if err != nil {
			logger.Warnw("Item prefetch failed", "err", err)
			p.endLoader()
			return
		}
		if len(batch) > 0 {
			atomic.AddInt64(&p.stats.Batches, 1)
			atomic.AddInt64(&p.stats.ItemsFetched, int64(len(batch)))
			last = batch[len(batch)-1]
		}
		for _, d := range batch {
			p.spawnProductFetches(d)
			p.mu.Lock()
			p.items.insert(d)
			p.mu.Unlock()
		}
		p.cond.Broadcast()
		if len(batch) < p.batchSize {
			// Short read: the shard is exhausted.
			p.endLoader()
			return
		}
	}
}

func (p *AsyncPrefetcher) endLoader() {
	p.mu.Lock()
	p.loaderActive = false
	p.mu.Unlock()
	p.cond.Broadcast()
}

// NextItems blocks until an item past `after` is available or the loader
// finished, then drains up to max items from the window.
func (p *AsyncPrefetcher) NextItems(level keys.Level, prefix []byte, after keys.ItemDescriptor, max int, shard int) ([]keys.ItemDescriptor, error) {
	var result []keys.ItemDescriptor
	last := after
	p.mu.Lock()
	for len(result) < max {
		for !p.items.hasAfter(last) && p.loaderActive && !p.closed {
			p.cond.Wait()
		}
		got := p.items.popAfter(last, max-len(result))
		if len(got) == 0 {
			break
		}
		result = append(result, got...)
		last = result[len(result)-1]
	}
	p.mu.Unlock()
	p.cond.Broadcast() // window space freed
	return result, nil
}

// LoadProduct serves from the cache, waiting for an in-flight fetch of the
// same key; a key the prefetcher never looked at falls through to storage.
func (p *AsyncPrefetcher) LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error) {
	key := string(keys.ProductKeyBytes(desc, pk))
	if data, ok := p.cache.take(key); ok {
		atomic.AddInt64(&p.stats.ProductHits, 1)
		return data, true, nil
	}
	if p.cache.isLoading(key) {
		p.cache.waitSettled(key)
		if data, ok := p.cache.take(key); ok {
			atomic.AddInt64(&p.stats.ProductHits, 1)
			return data, true, nil
		}
		atomic.AddInt64(&p.stats.ProductMisses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&p.stats.ProductMisses, 1)
	return p.ds.loadProductRaw(desc, pk)
}

// Close stops the loader and wakes every waiter. In-flight product fetches
// settle on their own.
func (p *AsyncPrefetcher) Close() {
	p.mu.Lock()
	p.closed = true
	p.loaderActive = false
	p.mu.Unlock()
	p.cond.Broadcast()
	p.detach()
}
