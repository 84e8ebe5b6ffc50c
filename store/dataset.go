package store

import (
	"errors"
	"fmt"

	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/sharddb"
)

// DataSet is a handle on a namespace node. It is a value type: a shared
// reference to the client plus the node's path and UUID; copying a handle
// never copies server-side state.
type DataSet struct {
	ds        *DataStore
	container string
	name      string
	uuid      keys.UUID
}

// Root returns the root namespace node. The root itself is not stored; it
// only exists to create and open top-level datasets.
func (ds *DataStore) Root() DataSet {
	return DataSet{ds: ds}
}

// Valid reports whether the handle is attached to a client.
func (d DataSet) Valid() bool { return d.ds != nil }

// Name returns the final path component.
func (d DataSet) Name() string { return d.name }

// FullName returns the slash-separated path from the root.
func (d DataSet) FullName() string { return keys.JoinDataSetPath(d.container, d.name) }

// UUID returns the dataset's unique identifier.
func (d DataSet) UUID() keys.UUID { return d.uuid }

// Level returns the 1-based nesting depth; the root is level 0.
func (d DataSet) Level() uint8 {
	if d.name == "" {
		return 0
	}
	return keys.DataSetLevel(d.FullName())
}

// descriptor returns the dataset-level item descriptor used to key products
// attached directly to the dataset.
func (d DataSet) descriptor() keys.ItemDescriptor {
	return keys.ItemDescriptor{
		DataSet: d.uuid,
		Run:     keys.InvalidRunNumber,
		SubRun:  keys.InvalidSubRunNumber,
		Event:   keys.InvalidEventNumber,
	}
}

// routeDataSetChildren places the dataset entries of all children of the
// given container. Routing by the container path keeps siblings together so
// that listing them is a single shard scan.
func (ds *DataStore) routeDataSetChildren(container string) int {
	return ds.rings[catDataSets].LocateString(container)
}

// CreateDataSet creates a child dataset. Creation is idempotent: if the
// name already exists, the existing dataset's handle is returned and no
// state changes.
func (d DataSet) CreateDataSet(name string) (DataSet, error) {
	if !d.Valid() {
		return DataSet{}, fmt.Errorf("store: invalid dataset handle")
	}
	if err := keys.ValidateDataSetName(name); err != nil {
		return DataSet{}, err
	}
	container := d.FullName()
	level := d.Level() + 1
	key := keys.DataSetKey(level, container, name)
	uuid := keys.NewUUID()

	index := d.ds.routeDataSetChildren(container)
	err := d.ds.putOnce(catDataSets, index, key, uuid[:])
	if errors.Is(err, sharddb.ErrKeyExists) {
		return d.OpenDataSet(name)
	}
	if err != nil {
		return DataSet{}, err
	}
	full := keys.JoinDataSetPath(container, name)
	d.ds.dsCache.Add(full, uuid)
	logger.Debugw("Created dataset", "path", full, "uuid", uuid)
	return DataSet{ds: d.ds, container: container, name: name, uuid: uuid}, nil
}

// OpenDataSet opens a direct child by name, or ErrNotFound.
func (d DataSet) OpenDataSet(name string) (DataSet, error) {
	if !d.Valid() {
		return DataSet{}, fmt.Errorf("store: invalid dataset handle")
	}
	if err := keys.ValidateDataSetName(name); err != nil {
		return DataSet{}, err
	}
	container := d.FullName()
	full := keys.JoinDataSetPath(container, name)
	uuid, err := d.ds.lookupDataSet(full)
	if err != nil {
		return DataSet{}, err
	}
	return DataSet{ds: d.ds, container: container, name: name, uuid: uuid}, nil
}

// OpenDataSet opens a dataset by its full path, e.g. "matthieu/exp1".
func (ds *DataStore) OpenDataSet(path string) (DataSet, error) {
	container, name := keys.SplitDataSetPath(path)
	if err := keys.ValidateDataSetName(name); err != nil {
		return DataSet{}, err
	}
	uuid, err := ds.lookupDataSet(path)
	if err != nil {
		return DataSet{}, err
	}
	return DataSet{ds: ds, container: container, name: name, uuid: uuid}, nil
}

// lookupDataSet resolves a full path to its UUID through the client-side
// LRU cache. Datasets are immutable after creation, so cached entries never
// go stale.
func (ds *DataStore) lookupDataSet(full string) (keys.UUID, error) {
	if v, ok := ds.dsCache.Get(full); ok {
		return v.(keys.UUID), nil
	}
	container, name := keys.SplitDataSetPath(full)
	key := keys.DataSetKey(keys.DataSetLevel(full), container, name)
	value, err := ds.get(catDataSets, ds.routeDataSetChildren(container), key)
	if errors.Is(err, sharddb.ErrNotFound) {
		return keys.UUID{}, fmt.Errorf("%w: dataset %q", ErrNotFound, full)
	}
	if err != nil {
		return keys.UUID{}, err
	}
	if len(value) != keys.UUIDSize {
		return keys.UUID{}, fmt.Errorf("store: corrupt dataset entry for %q (%d bytes)", full, len(value))
	}
	var uuid keys.UUID
	copy(uuid[:], value)
	ds.dsCache.Add(full, uuid)
	return uuid, nil
}

// Exists reports whether a direct child with the given name exists.
func (d DataSet) Exists(name string) (bool, error) {
	if err := keys.ValidateDataSetName(name); err != nil {
		return false, err
	}
	container := d.FullName()
	key := keys.DataSetKey(d.Level()+1, container, name)
	return d.ds.exists(catDataSets, d.ds.routeDataSetChildren(container), key)
}

// DataSetCursor enumerates the direct children of a dataset in ascending
// name order.
type DataSetCursor struct {
	ds     *DataStore
	parent DataSet
	cur    DataSet
	last   []byte // last key seen, exclusive bound of the next scan
	prefix []byte
	done   bool
	err    error
}

// DataSets returns a cursor over the direct children of this dataset.
func (d DataSet) DataSets() *DataSetCursor {
	level := d.Level() + 1
	container := d.FullName()
	return &DataSetCursor{
		ds:     d.ds,
		parent: d,
		last:   keys.DataSetPrefix(level, container),
		prefix: keys.DataSetPrefix(level, container),
	}
}

// Next advances to the next child; it returns false at the end or on error.
func (c *DataSetCursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	index := c.ds.routeDataSetChildren(c.parent.FullName())
	kvs, err := c.ds.listKeyValues(catDataSets, index, c.last, c.prefix, 1)
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	if len(kvs) == 0 {
		c.done = true
		return false
	}
	kv := kvs[0]
	_, full, err := keys.SplitDataSetKey(kv.Key)
	if err != nil || len(kv.Value) != keys.UUIDSize {
		c.err = fmt.Errorf("store: corrupt dataset entry: %v", err)
		c.done = true
		return false
	}
	var uuid keys.UUID
	copy(uuid[:], kv.Value)
	container, name := keys.SplitDataSetPath(full)
	c.cur = DataSet{ds: c.ds, container: container, name: name, uuid: uuid}
	c.last = kv.Key
	return true
}

// DataSet returns the child at the cursor's position.
func (c *DataSetCursor) DataSet() DataSet { return c.cur }

// Err returns the first error hit while iterating.
func (c *DataSetCursor) Err() error { return c.err }
