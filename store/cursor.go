package store

import (
	"github.com/openhep/hepstore/keys"
)

// ItemCursor is a forward cursor over the items of one level under a fixed
// parent. A cursor starts positioned before its first item; Next advances
// and reports whether an item is available. Cursors never raise on empty
// ranges; Err reports hard transport failures only.
type ItemCursor struct {
	ds     *DataStore
	level  keys.Level
	prefix []byte
	shard  int // -1 routes by the descriptor's dataset UUID

	cur     keys.ItemDescriptor
	pending *keys.ItemDescriptor // pre-located item to emit on the next Next
	has     bool
	done    bool
	err     error

	pf Prefetcher
}

// UsePrefetcher attaches a prefetcher to the cursor and starts lookahead
// from the cursor's current position. A prefetcher serves one cursor at a
// time; attaching a busy one poisons the cursor with ErrPrefetcherInUse.
// It returns the cursor for chaining.
func (c *ItemCursor) UsePrefetcher(p Prefetcher) *ItemCursor {
	if c.err != nil || c.done {
		return c
	}
	if err := p.attach(); err != nil {
		c.err = err
		return c
	}
	c.pf = p
	start := c.cur
	if c.pending != nil {
		start = *c.pending
		p.fetchProductsFor(start)
	}
	p.PrefetchFrom(c.level, c.prefix, start, c.shard)
	return c
}

// Next advances the cursor. It returns false when the range is exhausted or
// an error occurred; check Err afterwards.
func (c *ItemCursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	if c.pending != nil {
		c.cur = *c.pending
		c.pending = nil
		c.has = true
		return true
	}
	var (
		items []keys.ItemDescriptor
		err   error
	)
	if c.pf != nil {
		items, err = c.pf.NextItems(c.level, c.prefix, c.cur, 1, c.shard)
	} else {
		items, err = c.ds.nextItems(c.level, c.prefix, c.cur, 1, c.shard)
	}
	if err != nil {
		c.err = err
		c.done = true
		c.has = false
		return false
	}
	if len(items) == 0 {
		c.done = true
		c.has = false
		return false
	}
	c.cur = items[0]
	c.has = true
	return true
}

// Valid reports whether the cursor is positioned at an item.
func (c *ItemCursor) Valid() bool { return c.has && c.err == nil }

// Descriptor returns the descriptor at the cursor's position.
func (c *ItemCursor) Descriptor() keys.ItemDescriptor { return c.cur }

// Run returns the run at the cursor's position (run-level cursors).
func (c *ItemCursor) Run() Run { return Run{ds: c.ds, desc: c.cur} }

// SubRun returns the subrun at the cursor's position.
func (c *ItemCursor) SubRun() SubRun { return SubRun{ds: c.ds, desc: c.cur} }

// Event returns the event at the cursor's position.
func (c *ItemCursor) Event() Event { return Event{ds: c.ds, desc: c.cur} }

// Err returns the first transport error hit by the cursor.
func (c *ItemCursor) Err() error { return c.err }

// Close releases an attached prefetcher.
func (c *ItemCursor) Close() {
	if c.pf != nil {
		c.pf.detach()
		c.pf = nil
	}
}

// terminalCursor returns a cursor that is already exhausted.
func terminalCursor(ds *DataStore) *ItemCursor {
	return &ItemCursor{ds: ds, done: true}
}

// seekCursor implements lower_bound: position the cursor so that the first
// Next yields the smallest existing item >= at. One exists probe plus at
// most one list round-trip.
func seekCursor(ds *DataStore, level keys.Level, prefix []byte, at keys.ItemDescriptor, shard int) *ItemCursor {
	c := &ItemCursor{ds: ds, level: level, prefix: prefix, shard: shard, cur: at}
	ok, err := ds.itemExists(at, shard)
	if err != nil {
		c.err = err
		c.done = true
		return c
	}
	if ok {
		d := at
		c.pending = &d
	}
	// Otherwise the next list_range after `at` yields the smallest item
	// strictly greater, which equals lower_bound when `at` is absent.
	return c
}

// findCursor positions a cursor exactly at an existing item, or returns an
// exhausted cursor when the item does not exist.
func findCursor(ds *DataStore, level keys.Level, prefix []byte, at keys.ItemDescriptor, shard int) *ItemCursor {
	c := &ItemCursor{ds: ds, level: level, prefix: prefix, shard: shard, cur: at}
	ok, err := ds.itemExists(at, shard)
	if err != nil {
		c.err = err
		c.done = true
		return c
	}
	if !ok {
		c.done = true
		return c
	}
	d := at
	c.pending = &d
	return c
}

// afterCursor implements upper_bound: the first Next yields the smallest
// existing item strictly greater than at.
func afterCursor(ds *DataStore, level keys.Level, prefix []byte, at keys.ItemDescriptor, shard int) *ItemCursor {
	return &ItemCursor{ds: ds, level: level, prefix: prefix, shard: shard, cur: at}
}

// ---------------------------------------------------------------------------
// Typed sets. A set scopes cursor construction to one parent.

// RunSet enumerates the runs of a dataset.
type RunSet struct {
	ds   *DataStore
	uuid keys.UUID
}

// Runs returns the set of runs under this dataset.
func (d DataSet) Runs() RunSet {
	return RunSet{ds: d.ds, uuid: d.uuid}
}

func (s RunSet) prefix() []byte {
	b := make([]byte, keys.UUIDSize)
	copy(b, s.uuid[:])
	return b
}

// Begin returns a cursor before the first run.
func (s RunSet) Begin() *ItemCursor {
	return s.LowerBound(0)
}

// Find returns a cursor whose first Next yields exactly the given run, or an
// exhausted cursor when it does not exist. Later Next calls continue with
// the following runs.
func (s RunSet) Find(n keys.RunNumber) *ItemCursor {
	if n == keys.InvalidRunNumber {
		return terminalCursor(s.ds)
	}
	return findCursor(s.ds, keys.LevelRun, s.prefix(), keys.NewRunDescriptor(s.uuid, n), -1)
}

// LowerBound returns a cursor before the smallest run >= n.
func (s RunSet) LowerBound(n keys.RunNumber) *ItemCursor {
	if n == keys.InvalidRunNumber {
		return terminalCursor(s.ds)
	}
	return seekCursor(s.ds, keys.LevelRun, s.prefix(), keys.NewRunDescriptor(s.uuid, n), -1)
}

// UpperBound returns a cursor before the smallest run > n.
func (s RunSet) UpperBound(n keys.RunNumber) *ItemCursor {
	return afterCursor(s.ds, keys.LevelRun, s.prefix(), keys.NewRunDescriptor(s.uuid, n), -1)
}

// SubRunSet enumerates the subruns of a run.
type SubRunSet struct {
	ds     *DataStore
	parent keys.ItemDescriptor
}

// SubRuns returns the set of subruns under this run.
func (r Run) SubRuns() SubRunSet {
	return SubRunSet{ds: r.ds, parent: r.desc}
}

func (s SubRunSet) prefix() []byte { return s.parent.EncodeRun() }

// Begin returns a cursor before the first subrun.
func (s SubRunSet) Begin() *ItemCursor {
	return s.LowerBound(0)
}

// Find returns a cursor whose first Next yields exactly the given subrun, if
// it exists; later Next calls continue with the following subruns.
func (s SubRunSet) Find(n keys.SubRunNumber) *ItemCursor {
	if n == keys.InvalidSubRunNumber {
		return terminalCursor(s.ds)
	}
	return findCursor(s.ds, keys.LevelSubRun, s.prefix(),
		keys.NewSubRunDescriptor(s.parent.DataSet, s.parent.Run, n), -1)
}

// LowerBound returns a cursor before the smallest subrun >= n.
func (s SubRunSet) LowerBound(n keys.SubRunNumber) *ItemCursor {
	if n == keys.InvalidSubRunNumber {
		return terminalCursor(s.ds)
	}
	return seekCursor(s.ds, keys.LevelSubRun, s.prefix(),
		keys.NewSubRunDescriptor(s.parent.DataSet, s.parent.Run, n), -1)
}

// UpperBound returns a cursor before the smallest subrun > n.
func (s SubRunSet) UpperBound(n keys.SubRunNumber) *ItemCursor {
	return afterCursor(s.ds, keys.LevelSubRun, s.prefix(),
		keys.NewSubRunDescriptor(s.parent.DataSet, s.parent.Run, n), -1)
}

// EventRange enumerates the events of a subrun.
type EventRange struct {
	ds     *DataStore
	parent keys.ItemDescriptor
}

// Events returns the set of events under this subrun.
func (s SubRun) Events() EventRange {
	return EventRange{ds: s.ds, parent: s.desc}
}

func (r EventRange) prefix() []byte { return r.parent.EncodeSubRun() }

func (r EventRange) descriptor(n keys.EventNumber) keys.ItemDescriptor {
	return keys.NewEventDescriptor(r.parent.DataSet, r.parent.Run, r.parent.SubRun, n)
}

// Begin returns a cursor before the first event.
func (r EventRange) Begin() *ItemCursor {
	return r.LowerBound(0)
}

// Find returns a cursor whose first Next yields exactly the given event, if
// it exists; later Next calls continue with the following events.
func (r EventRange) Find(n keys.EventNumber) *ItemCursor {
	if n == keys.InvalidEventNumber {
		return terminalCursor(r.ds)
	}
	return findCursor(r.ds, keys.LevelEvent, r.prefix(), r.descriptor(n), -1)
}

// LowerBound returns a cursor before the smallest event >= n.
func (r EventRange) LowerBound(n keys.EventNumber) *ItemCursor {
	if n == keys.InvalidEventNumber {
		return terminalCursor(r.ds)
	}
	return seekCursor(r.ds, keys.LevelEvent, r.prefix(), r.descriptor(n), -1)
}

// UpperBound returns a cursor before the smallest event > n.
func (r EventRange) UpperBound(n keys.EventNumber) *ItemCursor {
	return afterCursor(r.ds, keys.LevelEvent, r.prefix(), r.descriptor(n), -1)
}
