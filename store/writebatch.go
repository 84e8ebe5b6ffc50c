package store

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/sharddb"
)

// defaultFlushConcurrency bounds the number of shards written in parallel
// during a flush.
const defaultFlushConcurrency = 8

// shardRef addresses one shard of one category.
type shardRef struct {
	cat   category
	index int
}

// WriteBatch accumulates item creations and product stores, grouped by the
// shard that will receive them, and flushes each group with one multi-put.
// Within one shard the submission order is preserved; across shards the
// flush order is unspecified.
//
// In synchronous mode nothing leaves the batch before Flush. When built
// with an AsyncEngine a drainer goroutine continuously pushes accumulated
// groups out, and Flush only waits for the drain to complete.
type WriteBatch struct {
	ds *DataStore

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[shardRef][]sharddb.KeyValue
	stop    bool
	closed  bool
	err     error // first error seen by the drainer

	drainerDone chan struct{}

	maxConcurrent int
}

// NewWriteBatch opens a synchronous batch: writes accumulate until Flush or
// Close.
func NewWriteBatch(ds *DataStore) *WriteBatch {
	b := &WriteBatch{
		ds:            ds,
		entries:       make(map[shardRef][]sharddb.KeyValue),
		maxConcurrent: defaultFlushConcurrency,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NewAsyncWriteBatch opens a batch whose content is drained continuously by
// a background goroutine scheduled alongside the engine's tasks.
func NewAsyncWriteBatch(ds *DataStore, engine *AsyncEngine) *WriteBatch {
	b := NewWriteBatch(ds)
	b.drainerDone = make(chan struct{})
	go b.drain(engine)
	return b
}

// createItem implements Writer.
func (b *WriteBatch) createItem(desc keys.ItemDescriptor) error {
	cat := categoryForLevel(desc.Level())
	ref := shardRef{cat: cat, index: b.ds.rings[cat].Locate(desc.DataSet[:])}
	return b.append(ref, desc.Encode(), nil)
}

// storeProduct implements Writer.
func (b *WriteBatch) storeProduct(desc keys.ItemDescriptor, pk keys.ProductKey, data []byte) error {
	key := keys.ProductKeyBytes(desc, pk)
	ref := shardRef{cat: catProducts, index: b.ds.route(catProducts, key)}
	value := make([]byte, len(data))
	copy(value, data)
	return b.append(ref, key, value)
}

func (b *WriteBatch) append(ref shardRef, key, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatchClosed
	}
	wasEmpty := len(b.entries) == 0
	b.entries[ref] = append(b.entries[ref], sharddb.KeyValue{Key: key, Value: value})
	b.mu.Unlock()
	if wasEmpty {
		b.cond.Signal()
	}
	return nil
}

// Flush writes out everything accumulated. In async mode it signals
// end-of-input and waits for the drainer; the first error wins either way.
// The batch is unusable afterwards.
func (b *WriteBatch) Flush() error {
	b.mu.Lock()
	if b.closed {
		err := b.err
		b.mu.Unlock()
		return err
	}
	b.closed = true
	if b.drainerDone != nil {
		b.stop = true
		b.mu.Unlock()
		b.cond.Signal()
		<-b.drainerDone
		b.mu.Lock()
		err := b.err
		b.mu.Unlock()
		return err
	}
	entries := b.entries
	b.entries = make(map[shardRef][]sharddb.KeyValue)
	b.mu.Unlock()
	err := b.flushEntries(entries)
	if err != nil {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
	return err
}

// Close flushes and is safe to defer.
func (b *WriteBatch) Close() error { return b.Flush() }

// flushEntries writes each shard group with one multi-put, at most
// maxConcurrent shards in flight.
func (b *WriteBatch) flushEntries(entries map[shardRef][]sharddb.KeyValue) error {
	if len(entries) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(b.maxConcurrent)
	for ref, pairs := range entries {
		ref, pairs := ref, pairs
		g.Go(func() error {
			return b.ds.withRetry(func() error {
				return b.ds.shard(ref.cat, ref.index).PutMulti(pairs)
			})
		})
	}
	if err := g.Wait(); err != nil {
		logger.Errorw("Write batch flush failed", "err", err)
		return err
	}
	return nil
}

// drain consumes shard groups as they accumulate. It exits once stop is
// requested and the accumulator is empty.
func (b *WriteBatch) drain(engine *AsyncEngine) {
	defer close(b.drainerDone)
	for {
		b.mu.Lock()
		for len(b.entries) == 0 && !b.stop {
			b.cond.Wait()
		}
		if len(b.entries) == 0 && b.stop {
			b.mu.Unlock()
			return
		}
		entries := b.entries
		b.entries = make(map[shardRef][]sharddb.KeyValue)
		b.mu.Unlock()

		if err := b.flushEntries(entries); err != nil {
			b.mu.Lock()
			if b.err == nil {
				b.err = err
			}
			b.mu.Unlock()
			if engine != nil {
				engine.recordError(err)
			}
		}
	}
}
