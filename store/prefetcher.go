package store

import (
	"sort"
	"sync/atomic"

	"github.com/openhep/hepstore/keys"
)

// Prefetcher accelerates forward iteration by fetching items (and, when
// registered with Preload, their products) ahead of the cursor. A
// prefetcher serves one cursor at a time. Both variants deliver items in
// the same order a non-prefetched iteration would, exactly once.
type Prefetcher interface {
	// Preload registers a product key to fetch alongside every item.
	Preload(label, typeName string)

	// Cache exposes the product cache backing this prefetcher.
	Cache() *ProductCache

	// PrefetchFrom starts (or refreshes) lookahead after the given item.
	PrefetchFrom(level keys.Level, prefix []byte, after keys.ItemDescriptor, shard int)

	// NextItems returns up to max items strictly after `after`, in order.
	NextItems(level keys.Level, prefix []byte, after keys.ItemDescriptor, max int, shard int) ([]keys.ItemDescriptor, error)

	// LoadProduct implements ProductSource, consulting the cache first.
	LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error)

	// Close stops background work and drops cached state. In-flight
	// operations drain rather than abort.
	Close()

	attach() error
	detach()

	// fetchProductsFor preloads the registered products of an item the
	// cursor located itself (seeds and point lookups).
	fetchProductsFor(desc keys.ItemDescriptor)
}

// PrefetcherStats counts cache behavior for tuning.
type PrefetcherStats struct {
	ItemsFetched  int64
	Batches       int64
	ProductHits   int64
	ProductMisses int64
}

// descList is an ordered set of item descriptors. Not safe for concurrent
// use; callers hold their own lock.
type descList struct {
	items []keys.ItemDescriptor
}

func (l *descList) len() int { return len(l.items) }

func (l *descList) clear() { l.items = l.items[:0] }

// insert keeps the list sorted and drops duplicates.
func (l *descList) insert(d keys.ItemDescriptor) {
	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Compare(d) >= 0
	})
	if i < len(l.items) && l.items[i] == d {
		return
	}
	l.items = append(l.items, keys.ItemDescriptor{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = d
}

// popAfter removes and returns up to max items strictly greater than after.
func (l *descList) popAfter(after keys.ItemDescriptor, max int) []keys.ItemDescriptor {
	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Compare(after) > 0
	})
	if i == len(l.items) {
		return nil
	}
	j := i + max
	if j > len(l.items) {
		j = len(l.items)
	}
	out := make([]keys.ItemDescriptor, j-i)
	copy(out, l.items[i:j])
	l.items = append(l.items[:i], l.items[j:]...)
	return out
}

// hasAfter reports whether an item strictly greater than after is present.
func (l *descList) hasAfter(after keys.ItemDescriptor) bool {
	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Compare(after) > 0
	})
	return i < len(l.items)
}

// SyncPrefetcher reads ahead synchronously: when the caller steps past the
// cached window it refills the window with batched list calls on the
// calling goroutine, fetching registered products on the way.
type SyncPrefetcher struct {
	ds        *DataStore
	cacheSize int
	batchSize int

	active []keys.ProductKey
	items  descList
	cache  *ProductCache

	associated atomic.Bool
	stats      PrefetcherStats
}

// NewPrefetcher builds a synchronous prefetcher. Non-positive sizes select
// the client's configured defaults.
func NewPrefetcher(ds *DataStore, cacheSize, batchSize int) *SyncPrefetcher {
	if cacheSize <= 0 {
		cacheSize = ds.prefetchCacheSize
	}
	if batchSize <= 0 {
		batchSize = ds.prefetchBatchSize
	}
	return &SyncPrefetcher{
		ds:        ds,
		cacheSize: cacheSize,
		batchSize: batchSize,
		cache:     NewProductCache(),
	}
}

func (p *SyncPrefetcher) attach() error {
	if !p.associated.CompareAndSwap(false, true) {
		return ErrPrefetcherInUse
	}
	return nil
}

func (p *SyncPrefetcher) detach() { p.associated.Store(false) }

// Preload registers a product key to fetch alongside every item.
func (p *SyncPrefetcher) Preload(label, typeName string) {
	p.active = append(p.active, keys.ProductKey{Label: label, Type: typeName})
}

// Cache exposes the product cache backing this prefetcher.
func (p *SyncPrefetcher) Cache() *ProductCache { return p.cache }

// Stats returns a snapshot of the prefetcher's counters.
func (p *SyncPrefetcher) Stats() PrefetcherStats {
	return PrefetcherStats{
		ItemsFetched:  atomic.LoadInt64(&p.stats.ItemsFetched),
		Batches:       atomic.LoadInt64(&p.stats.Batches),
		ProductHits:   atomic.LoadInt64(&p.stats.ProductHits),
		ProductMisses: atomic.LoadInt64(&p.stats.ProductMisses),
	}
}

// fetchProductsFor loads every registered product of an item into the
// cache; absent products are remembered as not found.
func (p *SyncPrefetcher) fetchProductsFor(desc keys.ItemDescriptor) {
	for _, pk := range p.active {
		key := string(keys.ProductKeyBytes(desc, pk))
		if p.cache.Has(key) {
			continue
		}
		data, ok, err := p.ds.loadProductRaw(desc, pk)
		if err != nil {
			logger.Warnw("Product prefetch failed", "item", desc.String(), "product", pk.String(), "err", err)
			continue
		}
		if ok {
			p.cache.add(key, data)
		} else {
			p.cache.addNotFound(key)
		}
	}
}

// PrefetchFrom fills the lookahead window starting after the given item.
func (p *SyncPrefetcher) PrefetchFrom(level keys.Level, prefix []byte, after keys.ItemDescriptor, shard int) {
	last := after
	for p.items.len() < p.cacheSize {
		batch, err := p.ds.nextItems(level, prefix, last, p.batchSize, shard)
		if err != nil {
			logger.Warnw("Item prefetch failed", "err", err)
			return
		}
		if len(batch) > 0 {
			atomic.AddInt64(&p.stats.Batches, 1)
			atomic.AddInt64(&p.stats.ItemsFetched, int64(len(batch)))
			last = batch[len(batch)-1]
		}
		for _, d := range batch {
			p.fetchProductsFor(d)
			p.items.insert(d)
		}
		if len(batch) < p.batchSize {
			break // short read, end of shard
		}
	}
}

// NextItems serves the cursor from the window, refilling it on a miss.
func (p *SyncPrefetcher) NextItems(level keys.Level, prefix []byte, after keys.ItemDescriptor, max int, shard int) ([]keys.ItemDescriptor, error) {
	if !p.items.hasAfter(after) {
		p.items.clear()
		p.PrefetchFrom(level, prefix, after, shard)
	}
	return p.items.popAfter(after, max), nil
}

// LoadProduct consults the cache first; cached entries are consumed by the
// read. A miss falls through to storage.
func (p *SyncPrefetcher) LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error) {
	key := string(keys.ProductKeyBytes(desc, pk))
	if data, ok := p.cache.take(key); ok {
		atomic.AddInt64(&p.stats.ProductHits, 1)
		return data, true, nil
	}
	atomic.AddInt64(&p.stats.ProductMisses, 1)
	return p.ds.loadProductRaw(desc, pk)
}

// Close drops the lookahead window.
func (p *SyncPrefetcher) Close() {
	p.items.clear()
	p.cache.Clear()
	p.detach()
}
