package store

import (
	"fmt"

	"github.com/openhep/hepstore/keys"
)

// EventSet spans all events of a dataset regardless of run and subrun.
// Events live on every event-category shard (one partition per routing of
// the dataset UUID); a set iterates either one pinned shard or all shards
// in ascending index order. Order is per-shard: within a shard events come
// out ascending, across shards no total order is promised.
type EventSet struct {
	ds     *DataStore
	uuid   keys.UUID
	target int // -1 spans all targets
}

// Events returns the set of all events in this dataset across all event
// shards.
func (d DataSet) Events() EventSet {
	return EventSet{ds: d.ds, uuid: d.uuid, target: -1}
}

// EventsOn returns the set of this dataset's events stored on a single
// event shard.
func (d DataSet) EventsOn(target int) (EventSet, error) {
	if target < 0 || target >= d.ds.NumEventTargets() {
		return EventSet{}, fmt.Errorf("store: event target %d out of range [0,%d)", target, d.ds.NumEventTargets())
	}
	return EventSet{ds: d.ds, uuid: d.uuid, target: target}, nil
}

// EventSetCursor walks an EventSet. The scan of each shard starts by
// probing event (0,0,0): if present it is emitted, otherwise the shard is
// scanned from the dataset prefix. When a shard exhausts, the cursor moves
// to the next one.
type EventSetCursor struct {
	ds         *DataStore
	uuid       keys.UUID
	prefix     []byte
	target     int
	lastTarget int

	cur    keys.ItemDescriptor
	seeded bool // cur is a candidate whose existence must be probed first
	has    bool
	done   bool
	err    error

	pf Prefetcher
}

// Begin returns a cursor before the first event of the set.
func (s EventSet) Begin() *EventSetCursor {
	first, last := s.target, s.target
	if s.target < 0 {
		first, last = 0, s.ds.NumEventTargets()-1
	}
	prefix := make([]byte, keys.UUIDSize)
	copy(prefix, s.uuid[:])
	return &EventSetCursor{
		ds:         s.ds,
		uuid:       s.uuid,
		prefix:     prefix,
		target:     first,
		lastTarget: last,
		cur:        keys.NewEventDescriptor(s.uuid, 0, 0, 0),
		seeded:     true,
	}
}

// UsePrefetcher attaches a prefetcher to the cursor; it returns the cursor
// for chaining. Lookahead starts at the cursor's current shard position.
func (c *EventSetCursor) UsePrefetcher(p Prefetcher) *EventSetCursor {
	if c.err != nil || c.done {
		return c
	}
	if err := p.attach(); err != nil {
		c.err = err
		return c
	}
	c.pf = p
	if !c.seeded {
		p.PrefetchFrom(keys.LevelEvent, c.prefix, c.cur, c.target)
	}
	return c
}

// Next advances the cursor, moving across shards as each one exhausts.
func (c *EventSetCursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	for {
		if c.seeded {
			c.seeded = false
			ok, err := c.ds.itemExists(c.cur, c.target)
			if err != nil {
				return c.fail(err)
			}
			if ok {
				c.has = true
				if c.pf != nil {
					c.pf.fetchProductsFor(c.cur)
					c.pf.PrefetchFrom(keys.LevelEvent, c.prefix, c.cur, c.target)
				}
				return true
			}
			if c.pf != nil {
				c.pf.PrefetchFrom(keys.LevelEvent, c.prefix, c.cur, c.target)
			}
		}
		var (
			items []keys.ItemDescriptor
			err   error
		)
		if c.pf != nil {
			items, err = c.pf.NextItems(keys.LevelEvent, c.prefix, c.cur, 1, c.target)
		} else {
			items, err = c.ds.nextItems(keys.LevelEvent, c.prefix, c.cur, 1, c.target)
		}
		if err != nil {
			return c.fail(err)
		}
		if len(items) > 0 {
			c.cur = items[0]
			c.has = true
			return true
		}
		// Shard exhausted; move on to the next target.
		if c.target >= c.lastTarget {
			c.done = true
			c.has = false
			return false
		}
		c.target++
		c.cur = keys.NewEventDescriptor(c.uuid, 0, 0, 0)
		c.seeded = true
	}
}

func (c *EventSetCursor) fail(err error) bool {
	c.err = err
	c.done = true
	c.has = false
	return false
}

// Valid reports whether the cursor is positioned at an event.
func (c *EventSetCursor) Valid() bool { return c.has && c.err == nil }

// Event returns the event at the cursor's position.
func (c *EventSetCursor) Event() Event { return Event{ds: c.ds, desc: c.cur} }

// Descriptor returns the descriptor at the cursor's position.
func (c *EventSetCursor) Descriptor() keys.ItemDescriptor { return c.cur }

// Target returns the shard index the cursor is currently scanning.
func (c *EventSetCursor) Target() int { return c.target }

// Err returns the first transport error hit by the cursor.
func (c *EventSetCursor) Err() error { return c.err }

// Close releases an attached prefetcher.
func (c *EventSetCursor) Close() {
	if c.pf != nil {
		c.pf.detach()
		c.pf = nil
	}
}
