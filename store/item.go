package store

import (
	"fmt"

	"github.com/openhep/hepstore/keys"
)

// Writer is the destination of item-creation and product-store operations.
// The DataStore itself writes synchronously; a WriteBatch accumulates and
// flushes in bulk; an AsyncEngine defers to its worker pool.
type Writer interface {
	createItem(desc keys.ItemDescriptor) error
	storeProduct(desc keys.ItemDescriptor, pk keys.ProductKey, data []byte) error
}

// ProductSource is anything a product can be loaded through: the DataStore
// (direct reads), a Prefetcher, or a ProductCache.
type ProductSource interface {
	LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error)
}

var (
	_ Writer        = (*DataStore)(nil)
	_ Writer        = (*WriteBatch)(nil)
	_ Writer        = (*AsyncEngine)(nil)
	_ ProductSource = (*DataStore)(nil)
	_ ProductSource = (*ProductCache)(nil)
	_ ProductSource = (*SyncPrefetcher)(nil)
	_ ProductSource = (*AsyncPrefetcher)(nil)
	_ Prefetcher    = (*SyncPrefetcher)(nil)
	_ Prefetcher    = (*AsyncPrefetcher)(nil)
)

// Run is a handle on a run. Handles are value types: a descriptor plus a
// shared client reference.
type Run struct {
	ds   *DataStore
	desc keys.ItemDescriptor
}

// SubRun is a handle on a subrun.
type SubRun struct {
	ds   *DataStore
	desc keys.ItemDescriptor
}

// Event is a handle on an event.
type Event struct {
	ds   *DataStore
	desc keys.ItemDescriptor
}

func (r Run) Valid() bool    { return r.ds != nil }
func (s SubRun) Valid() bool { return s.ds != nil }
func (e Event) Valid() bool  { return e.ds != nil }

// Number returns the run number.
func (r Run) Number() keys.RunNumber { return r.desc.Run }

// Number returns the subrun number.
func (s SubRun) Number() keys.SubRunNumber { return s.desc.SubRun }

// Number returns the event number.
func (e Event) Number() keys.EventNumber { return e.desc.Event }

// Descriptor returns the run's 40-byte descriptor.
func (r Run) Descriptor() keys.ItemDescriptor { return r.desc }

// Descriptor returns the subrun's 40-byte descriptor.
func (s SubRun) Descriptor() keys.ItemDescriptor { return s.desc }

// Descriptor returns the event's 40-byte descriptor. Descriptors are
// self-contained and may be shipped to other processes; see
// EventFromDescriptor.
func (e Event) Descriptor() keys.ItemDescriptor { return e.desc }

// EventFromDescriptor rehydrates an Event handle from a transported
// descriptor, as received from the parallel dispatch wire protocol.
func (ds *DataStore) EventFromDescriptor(desc keys.ItemDescriptor) (Event, error) {
	if desc.Level() != keys.LevelEvent {
		return Event{}, fmt.Errorf("store: descriptor %v is not event-level", desc)
	}
	return Event{ds: ds, desc: desc}, nil
}

// ---------------------------------------------------------------------------
// Creation. The *Into variants write through an explicit Writer (a batch or
// an async engine); the plain variants write synchronously. Item creation
// is idempotent: creating an existing number returns a handle equal to the
// first one.

// CreateRun creates a run under this dataset.
func (d DataSet) CreateRun(n keys.RunNumber) (Run, error) {
	return d.CreateRunInto(d.ds, n)
}

// CreateRunInto creates a run through the given writer.
func (d DataSet) CreateRunInto(w Writer, n keys.RunNumber) (Run, error) {
	if n == keys.InvalidRunNumber {
		return Run{}, ErrInvalidRunNumber
	}
	desc := keys.NewRunDescriptor(d.uuid, n)
	if err := w.createItem(desc); err != nil {
		return Run{}, err
	}
	return Run{ds: d.ds, desc: desc}, nil
}

// CreateSubRun creates a subrun under this run.
func (r Run) CreateSubRun(n keys.SubRunNumber) (SubRun, error) {
	return r.CreateSubRunInto(r.ds, n)
}

// CreateSubRunInto creates a subrun through the given writer.
func (r Run) CreateSubRunInto(w Writer, n keys.SubRunNumber) (SubRun, error) {
	if n == keys.InvalidSubRunNumber {
		return SubRun{}, ErrInvalidSubRunNumber
	}
	desc := keys.NewSubRunDescriptor(r.desc.DataSet, r.desc.Run, n)
	if err := w.createItem(desc); err != nil {
		return SubRun{}, err
	}
	return SubRun{ds: r.ds, desc: desc}, nil
}

// CreateEvent creates an event under this subrun.
func (s SubRun) CreateEvent(n keys.EventNumber) (Event, error) {
	return s.CreateEventInto(s.ds, n)
}

// CreateEventInto creates an event through the given writer.
func (s SubRun) CreateEventInto(w Writer, n keys.EventNumber) (Event, error) {
	if n == keys.InvalidEventNumber {
		return Event{}, ErrInvalidEventNumber
	}
	desc := keys.NewEventDescriptor(s.desc.DataSet, s.desc.Run, s.desc.SubRun, n)
	if err := w.createItem(desc); err != nil {
		return Event{}, err
	}
	return Event{ds: s.ds, desc: desc}, nil
}

// ---------------------------------------------------------------------------
// Point lookups.

// Run opens an existing run by number, or ErrNotFound.
func (d DataSet) Run(n keys.RunNumber) (Run, error) {
	desc := keys.NewRunDescriptor(d.uuid, n)
	ok, err := d.ds.itemExists(desc, -1)
	if err != nil {
		return Run{}, err
	}
	if !ok {
		return Run{}, fmt.Errorf("%w: run %d", ErrNotFound, n)
	}
	return Run{ds: d.ds, desc: desc}, nil
}

// SubRun opens an existing subrun by number, or ErrNotFound.
func (r Run) SubRun(n keys.SubRunNumber) (SubRun, error) {
	desc := keys.NewSubRunDescriptor(r.desc.DataSet, r.desc.Run, n)
	ok, err := r.ds.itemExists(desc, -1)
	if err != nil {
		return SubRun{}, err
	}
	if !ok {
		return SubRun{}, fmt.Errorf("%w: subrun %d", ErrNotFound, n)
	}
	return SubRun{ds: r.ds, desc: desc}, nil
}

// Event opens an existing event by number, or ErrNotFound.
func (s SubRun) Event(n keys.EventNumber) (Event, error) {
	desc := keys.NewEventDescriptor(s.desc.DataSet, s.desc.Run, s.desc.SubRun, n)
	ok, err := s.ds.itemExists(desc, -1)
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, fmt.Errorf("%w: event %d", ErrNotFound, n)
	}
	return Event{ds: s.ds, desc: desc}, nil
}
