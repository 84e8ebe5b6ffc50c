package store

import (
	"errors"
	"fmt"

	"github.com/openhep/hepstore/sharddb"
)

// mapQueueErr translates the service-level sentinels into the client's
// error taxonomy.
func mapQueueErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sharddb.ErrKeyExists):
		return fmt.Errorf("%w: queue", ErrAlreadyExists)
	case errors.Is(err, sharddb.ErrNotFound):
		return fmt.Errorf("%w: queue", ErrNotFound)
	}
	return err
}

// Named queues are FIFOs of opaque byte buffers managed by a provider
// process. The client binds a queue handle to a type tag at open time and
// refuses pushes and pops that disagree with it; the provider only sees the
// combined wire name.

// QueueAccessMode selects the role a queue handle plays.
type QueueAccessMode int

const (
	// QueueProducer handles may push; opening one increments the queue's
	// producer count and closing it decrements it.
	QueueProducer QueueAccessMode = iota

	// QueueConsumer handles may pop.
	QueueConsumer
)

// QueueService is the provider-side contract for named queues. The wire
// name already carries the type tag.
type QueueService interface {
	CreateQueue(name string) error
	OpenQueue(name string, producer bool) error
	CloseQueue(name string, producer bool) error
	PushQueue(name string, data []byte) error

	// PopQueue blocks until an item is available, or returns ok=false
	// once the queue is empty with no producers left.
	PopQueue(name string) (data []byte, ok bool, err error)

	QueueEmpty(name string) (bool, error)
	DestroyQueue(name string) error
}

// queueWireName combines the user-visible name with the type tag; queues of
// the same name but different types are distinct.
func queueWireName(name, typeName string) string {
	return name + "#" + typeName
}

// Queue is a client handle on a named queue, bound to a type tag and an
// access mode.
type Queue struct {
	ds       *DataStore
	svc      QueueService
	name     string
	typeName string
	mode     QueueAccessMode
	closed   bool
}

// CreateQueue creates a queue holding values of the given type. It fails
// with ErrAlreadyExists if the queue exists.
func (ds *DataStore) CreateQueue(name, typeName string) error {
	if ds.queues == nil {
		return ErrNoQueueService
	}
	return mapQueueErr(ds.queues.CreateQueue(queueWireName(name, typeName)))
}

// OpenQueue opens an existing queue in the given mode, binding the handle
// to the type tag.
func (ds *DataStore) OpenQueue(name, typeName string, mode QueueAccessMode) (*Queue, error) {
	if ds.queues == nil {
		return nil, ErrNoQueueService
	}
	if err := ds.queues.OpenQueue(queueWireName(name, typeName), mode == QueueProducer); err != nil {
		return nil, mapQueueErr(err)
	}
	return &Queue{ds: ds, svc: ds.queues, name: name, typeName: typeName, mode: mode}, nil
}

// DestroyQueue removes a queue entirely. Administrative operation.
func (ds *DataStore) DestroyQueue(name, typeName string) error {
	if ds.queues == nil {
		return ErrNoQueueService
	}
	return mapQueueErr(ds.queues.DestroyQueue(queueWireName(name, typeName)))
}

// Name returns the queue's user-visible name.
func (q *Queue) Name() string { return q.name }

// TypeName returns the type tag the handle was opened with.
func (q *Queue) TypeName() string { return q.typeName }

// Mode returns the access mode of the handle.
func (q *Queue) Mode() QueueAccessMode { return q.mode }

func (q *Queue) checkType(typeName string) error {
	if typeName != q.typeName {
		return ErrWrongQueueType
	}
	return nil
}

// Push appends serialized bytes to the queue and wakes one waiting
// consumer. The type tag must match the one bound at open.
func (q *Queue) Push(typeName string, data []byte) error {
	if q.closed {
		return ErrQueueClosed
	}
	if err := q.checkType(typeName); err != nil {
		return err
	}
	if q.mode != QueueProducer {
		return ErrWrongQueueMode
	}
	return mapQueueErr(q.svc.PushQueue(queueWireName(q.name, q.typeName), data))
}

// Pop blocks until an item is available and returns it. It returns
// ok=false without blocking once the queue is empty and its producer count
// has dropped to zero.
func (q *Queue) Pop(typeName string) (data []byte, ok bool, err error) {
	if q.closed {
		return nil, false, ErrQueueClosed
	}
	if err := q.checkType(typeName); err != nil {
		return nil, false, err
	}
	if q.mode != QueueConsumer {
		return nil, false, ErrWrongQueueMode
	}
	data, ok, err = q.svc.PopQueue(queueWireName(q.name, q.typeName))
	return data, ok, mapQueueErr(err)
}

// Empty reports whether the queue currently holds no items.
func (q *Queue) Empty() (bool, error) {
	if q.closed {
		return false, ErrQueueClosed
	}
	empty, err := q.svc.QueueEmpty(queueWireName(q.name, q.typeName))
	return empty, mapQueueErr(err)
}

// Close releases the handle. Closing a producer decrements the queue's
// producer count; when it reaches zero, waiting consumers are notified.
func (q *Queue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	return mapQueueErr(q.svc.CloseQueue(queueWireName(q.name, q.typeName), q.mode == QueueProducer))
}
