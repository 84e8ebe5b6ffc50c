package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/sharddb"
)

// AsyncEngine runs store operations on a pool of cooperative worker tasks.
// Submission never fails synchronously: errors accumulate and become
// visible after Wait. With zero threads the engine degrades to inline
// execution, which keeps the error-reporting contract intact.
type AsyncEngine struct {
	ds   *DataStore
	pool *ants.Pool // nil means inline execution

	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewAsyncEngine builds an engine with the given number of worker threads;
// threads <= 0 selects the client's configured default (possibly inline).
func NewAsyncEngine(ds *DataStore, threads int) (*AsyncEngine, error) {
	if threads <= 0 {
		threads = ds.asyncThreads
	}
	e := &AsyncEngine{ds: ds}
	if threads > 0 {
		pool, err := ants.NewPool(threads)
		if err != nil {
			return nil, fmt.Errorf("store: async pool: %w", err)
		}
		e.pool = pool
	}
	return e, nil
}

// submit schedules a tracked task; Wait blocks until all tracked tasks ran.
func (e *AsyncEngine) submit(task func()) {
	e.wg.Add(1)
	wrapped := func() {
		defer e.wg.Done()
		task()
	}
	if e.pool == nil {
		wrapped()
		return
	}
	if err := e.pool.Submit(wrapped); err != nil {
		// Pool rejected the task (released or overloaded); run inline
		// rather than dropping the operation.
		wrapped()
	}
}

// spawn schedules an untracked task, used by prefetchers for fire-and-forget
// product loads.
func (e *AsyncEngine) spawn(task func()) {
	if e.pool != nil && e.pool.Submit(task) == nil {
		return
	}
	go task()
}

func (e *AsyncEngine) recordError(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

// createItem implements Writer: the create is deferred to the pool and a
// collision is absorbed as idempotent creation.
func (e *AsyncEngine) createItem(desc keys.ItemDescriptor) error {
	e.submit(func() {
		if err := e.ds.createItem(desc); err != nil {
			e.recordError(err)
		}
	})
	return nil
}

// storeProduct implements Writer. Unlike the direct path, asynchronous
// product stores are create-only: overwriting an existing product through
// the engine is reported as an error after Wait.
func (e *AsyncEngine) storeProduct(desc keys.ItemDescriptor, pk keys.ProductKey, data []byte) error {
	value := make([]byte, len(data))
	copy(value, data)
	e.submit(func() {
		key := keys.ProductKeyBytes(desc, pk)
		index := e.ds.route(catProducts, key)
		err := e.ds.putOnce(catProducts, index, key, value)
		if errors.Is(err, sharddb.ErrKeyExists) {
			e.recordError(fmt.Errorf("product %s already exists for item %s", pk, desc))
			return
		}
		if err != nil {
			e.recordError(err)
		}
	})
	return nil
}

// Wait blocks until every submitted operation has completed and returns the
// errors collected so far.
func (e *AsyncEngine) Wait() []error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

// Errors returns the errors collected so far without waiting.
func (e *AsyncEngine) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.errs))
	copy(out, e.errs)
	return out
}

// Close waits for outstanding work and releases the pool.
func (e *AsyncEngine) Close() {
	e.wg.Wait()
	if e.pool != nil {
		e.pool.Release()
	}
}
