package provider

import (
	"sync"

	"github.com/openhep/hepstore/sharddb"
)

// Queues manages named FIFO queues with producer accounting. It implements
// the client's queue service contract directly, so embedded deployments and
// tests can skip the HTTP hop.
type Queues struct {
	mu sync.RWMutex
	m  map[string]*queue
}

type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     [][]byte
	producers int
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// NewQueues returns an empty queue registry.
func NewQueues() *Queues {
	return &Queues{m: make(map[string]*queue)}
}

// CreateQueue registers a new queue; sharddb.ErrKeyExists if present.
func (qs *Queues) CreateQueue(name string) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, ok := qs.m[name]; ok {
		return sharddb.ErrKeyExists
	}
	qs.m[name] = newQueue()
	return nil
}

func (qs *Queues) lookup(name string) (*queue, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, ok := qs.m[name]
	if !ok {
		return nil, sharddb.ErrNotFound
	}
	return q, nil
}

// OpenQueue binds a client to the queue; opening as producer increments the
// producer count.
func (qs *Queues) OpenQueue(name string, producer bool) error {
	q, err := qs.lookup(name)
	if err != nil {
		return err
	}
	if producer {
		q.mu.Lock()
		q.producers++
		q.mu.Unlock()
	}
	return nil
}

// CloseQueue releases a binding; when the last producer closes, waiting
// consumers are woken so they can observe the closed state.
func (qs *Queues) CloseQueue(name string, producer bool) error {
	q, err := qs.lookup(name)
	if err != nil {
		return err
	}
	if producer {
		q.mu.Lock()
		q.producers--
		q.mu.Unlock()
		q.cond.Broadcast()
	}
	return nil
}

// PushQueue appends an item and wakes one waiting consumer.
func (qs *Queues) PushQueue(name string, data []byte) error {
	q, err := qs.lookup(name)
	if err != nil {
		return err
	}
	value := make([]byte, len(data))
	copy(value, data)
	q.mu.Lock()
	q.items = append(q.items, value)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// PopQueue blocks until an item is available. Once the queue is empty with
// no producers left it returns ok=false immediately; a producer that opens
// and closes without pushing therefore never wedges a consumer.
func (qs *Queues) PopQueue(name string) ([]byte, bool, error) {
	q, err := qs.lookup(name)
	if err != nil {
		return nil, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && q.producers > 0 {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true, nil
}

// QueueEmpty reports whether the queue holds no items.
func (qs *Queues) QueueEmpty(name string) (bool, error) {
	q, err := qs.lookup(name)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0, nil
}

// DestroyQueue removes the queue entirely and releases any blocked
// consumers.
func (qs *Queues) DestroyQueue(name string) error {
	qs.mu.Lock()
	q, ok := qs.m[name]
	if ok {
		delete(qs.m, name)
	}
	qs.mu.Unlock()
	if !ok {
		return sharddb.ErrNotFound
	}
	q.mu.Lock()
	q.producers = 0
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
	return nil
}
