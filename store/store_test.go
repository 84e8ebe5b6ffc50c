package store

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/provider"
	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/sharddb/memorydb"
)

// newTestStore builds a client over in-memory shards: nEvents event shards
// and one shard for every other category.
func newTestStore(t *testing.T, nEvents int) *DataStore {
	t.Helper()
	set := ShardSet{
		DataSets: []sharddb.Shard{memorydb.New()},
		Runs:     []sharddb.Shard{memorydb.New()},
		SubRuns:  []sharddb.Shard{memorydb.New()},
		Products: []sharddb.Shard{memorydb.New()},
		Queues:   provider.NewQueues(),
	}
	for i := 0; i < nEvents; i++ {
		set.Events = append(set.Events, memorydb.New())
	}
	ds, err := NewWithShards(set)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

// particle is the product payload used throughout the tests.
type particle struct {
	Name    string
	X, Y, Z float64
}

func marshalParticle(t *testing.T, p particle) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func TestCreateThenReadSequence(t *testing.T) {
	ds := newTestStore(t, 1)

	root := ds.Root()
	top, err := root.CreateDataSet("matthieu")
	require.NoError(t, err)
	exp1, err := top.CreateDataSet("exp1")
	require.NoError(t, err)

	run, err := exp1.CreateRun(36)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(42)
	require.NoError(t, err)
	_, err = sr.CreateEvent(13)
	require.NoError(t, err)

	// Reopen by path and walk down to the event.
	reopened, err := ds.OpenDataSet("matthieu/exp1")
	require.NoError(t, err)
	require.Equal(t, exp1.UUID(), reopened.UUID())
	require.Equal(t, "matthieu/exp1", reopened.FullName())

	r, err := reopened.Run(36)
	require.NoError(t, err)
	s, err := r.SubRun(42)
	require.NoError(t, err)
	ev, err := s.Event(13)
	require.NoError(t, err)
	require.True(t, ev.Valid())
	require.Equal(t, keys.EventNumber(13), ev.Number())
}

func TestCreateDataSetValidation(t *testing.T) {
	ds := newTestStore(t, 1)
	root := ds.Root()

	_, err := root.CreateDataSet("bad/name")
	require.ErrorIs(t, err, keys.ErrInvalidDataSetName)
	_, err = root.CreateDataSet("bad%name")
	require.ErrorIs(t, err, keys.ErrInvalidDataSetName)

	_, err = ds.OpenDataSet("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDataSetIdempotent(t *testing.T) {
	ds := newTestStore(t, 1)
	root := ds.Root()

	first, err := root.CreateDataSet("ds")
	require.NoError(t, err)
	second, err := root.CreateDataSet("ds")
	require.NoError(t, err)
	require.Equal(t, first.UUID(), second.UUID())
}

func TestDataSetChildren(t *testing.T) {
	ds := newTestStore(t, 1)
	root := ds.Root()
	parent, err := root.CreateDataSet("parent")
	require.NoError(t, err)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := parent.CreateDataSet(name)
		require.NoError(t, err)
	}
	// Sibling of parent must not appear among its children.
	_, err = root.CreateDataSet("aside")
	require.NoError(t, err)

	var names []string
	it := parent.DataSets()
	for it.Next() {
		names = append(names, it.DataSet().Name())
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"alpha", "bravo", "charlie"}, names)

	ok, err := parent.Exists("bravo")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = parent.Exists("delta")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateRunValidation(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("d")
	require.NoError(t, err)

	_, err = d.CreateRun(keys.InvalidRunNumber)
	require.ErrorIs(t, err, ErrInvalidRunNumber)

	run, err := d.CreateRun(7)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(keys.InvalidSubRunNumber)
	require.ErrorIs(t, err, ErrInvalidSubRunNumber)
	_ = sr

	sr, err = run.CreateSubRun(1)
	require.NoError(t, err)
	_, err = sr.CreateEvent(keys.InvalidEventNumber)
	require.ErrorIs(t, err, ErrInvalidEventNumber)
}

func TestCreateRunIdempotent(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("d")
	require.NoError(t, err)

	r1, err := d.CreateRun(36)
	require.NoError(t, err)
	r2, err := d.CreateRun(36)
	require.NoError(t, err)
	require.Equal(t, r1.Descriptor(), r2.Descriptor())
	require.Equal(t, keys.RunNumber(36), r1.Number())

	// Exactly one key on the run shard.
	it := d.Runs().Begin()
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 1, count)
}

func TestOrderedEnumeration(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("enum")
	require.NoError(t, err)
	for _, n := range []keys.RunNumber{45, 42, 46, 43, 44} {
		_, err := d.CreateRun(n)
		require.NoError(t, err)
	}

	var got []keys.RunNumber
	it := d.Runs().Begin()
	for it.Next() {
		got = append(got, it.Run().Number())
	}
	require.NoError(t, it.Err())
	require.Equal(t, []keys.RunNumber{42, 43, 44, 45, 46}, got)

	lb := d.Runs().LowerBound(43)
	require.True(t, lb.Next())
	require.Equal(t, keys.RunNumber(43), lb.Run().Number())

	ub := d.Runs().UpperBound(43)
	require.True(t, ub.Next())
	require.Equal(t, keys.RunNumber(44), ub.Run().Number())

	// Lower bound between existing numbers lands on the next one.
	lb = d.Runs().LowerBound(41)
	require.True(t, lb.Next())
	require.Equal(t, keys.RunNumber(42), lb.Run().Number())

	// Bounds past the last element yield exhausted cursors.
	require.False(t, d.Runs().UpperBound(46).Next())
	require.False(t, d.Runs().LowerBound(47).Next())

	found := d.Runs().Find(44)
	require.True(t, found.Next())
	require.Equal(t, keys.RunNumber(44), found.Run().Number())
	// Iteration continues past the found run in order.
	require.True(t, found.Next())
	require.Equal(t, keys.RunNumber(45), found.Run().Number())
	require.False(t, d.Runs().Find(99).Next())
}

func TestEmptyIterationDoesNotFail(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("empty")
	require.NoError(t, err)

	it := d.Runs().Begin()
	require.False(t, it.Next())
	require.NoError(t, it.Err())
	require.False(t, it.Valid())
}

func TestStoreLoadRoundTrip(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("physics")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(2)
	require.NoError(t, err)
	ev, err := sr.CreateEvent(3)
	require.NoError(t, err)

	in := particle{Name: "electron", X: 3.4, Y: 4.5, Z: 5.6}
	typeName := TypeNameOf(in)
	require.NoError(t, ev.StoreProduct("mylabel", typeName, marshalParticle(t, in)))

	data, ok, err := ev.LoadProduct("mylabel", typeName)
	require.NoError(t, err)
	require.True(t, ok)
	var out particle
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	// Absent labels report absence, not an error.
	_, ok, err = ev.LoadProduct("other", typeName)
	require.NoError(t, err)
	require.False(t, ok)

	n, ok, err := ev.ProductLength("mylabel", typeName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(data), n)

	// Overwrite replaces the prior value.
	in2 := particle{Name: "muon", X: 1, Y: 2, Z: 3}
	require.NoError(t, ev.StoreProduct("mylabel", typeName, marshalParticle(t, in2)))
	data, ok, err = ev.LoadProduct("mylabel", typeName)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in2, out)

	pks, err := ev.ListProducts()
	require.NoError(t, err)
	require.Len(t, pks, 1)
	require.Equal(t, keys.ProductKey{Label: "mylabel", Type: typeName}, pks[0])
}

func TestDataSetLevelProducts(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("with-products")
	require.NoError(t, err)

	require.NoError(t, d.StoreProduct("config", "string", []byte("fast")))
	data, ok, err := d.LoadProduct("config", "string")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("fast"), data)
}

func TestWriteBatchBulk(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("batched")
	require.NoError(t, err)

	batch := NewWriteBatch(ds)
	run, err := d.CreateRunInto(batch, 1)
	require.NoError(t, err)
	sr, err := run.CreateSubRunInto(batch, 4)
	require.NoError(t, err)
	ev, err := sr.CreateEventInto(batch, 32)
	require.NoError(t, err)

	in := particle{Name: "electron", X: 3.4, Y: 4.5, Z: 5.6}
	typeName := TypeNameOf(in)
	require.NoError(t, ev.StoreProductInto(batch, "mylabel", typeName, marshalParticle(t, in)))

	// Nothing visible before the flush.
	_, err = d.Run(1)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Close())

	// A fresh walk sees everything.
	r, err := d.Run(1)
	require.NoError(t, err)
	s, err := r.SubRun(4)
	require.NoError(t, err)
	e, err := s.Event(32)
	require.NoError(t, err)
	data, ok, err := e.LoadProduct("mylabel", typeName)
	require.NoError(t, err)
	require.True(t, ok)
	var out particle
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	// The batch is unusable after Close.
	_, err = d.CreateRunInto(batch, 2)
	require.ErrorIs(t, err, ErrBatchClosed)
}

func TestWriteBatchAsyncDrain(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("drained")
	require.NoError(t, err)
	engine, err := NewAsyncEngine(ds, 2)
	require.NoError(t, err)
	defer engine.Close()

	batch := NewAsyncWriteBatch(ds, engine)
	run, err := d.CreateRunInto(batch, 9)
	require.NoError(t, err)
	for i := keys.SubRunNumber(0); i < 20; i++ {
		_, err := run.CreateSubRunInto(batch, i)
		require.NoError(t, err)
	}
	require.NoError(t, batch.Flush())

	count := 0
	it := run.SubRuns().Begin()
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 20, count)
}

func TestEventFromDescriptor(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("transported")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(2)
	require.NoError(t, err)
	ev, err := sr.CreateEvent(3)
	require.NoError(t, err)

	raw := ev.Descriptor().Encode()
	decoded, err := keys.DecodeItemDescriptor(raw)
	require.NoError(t, err)
	back, err := ds.EventFromDescriptor(decoded)
	require.NoError(t, err)
	require.Equal(t, ev.Descriptor(), back.Descriptor())

	_, err = ds.EventFromDescriptor(run.Descriptor())
	require.Error(t, err)
}

// flakyShard fails the first call of each kind with a transient error.
type flakyShard struct {
	*memorydb.Shard
	failures int
}

func (f *flakyShard) Get(key []byte) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, sharddb.ErrTransient
	}
	return f.Shard.Get(key)
}

func (f *flakyShard) Exists(key []byte) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, sharddb.ErrTransient
	}
	return f.Shard.Exists(key)
}

func TestTransientRetry(t *testing.T) {
	flaky := &flakyShard{Shard: memorydb.New(), failures: 1}
	set := ShardSet{
		DataSets: []sharddb.Shard{flaky},
		Runs:     []sharddb.Shard{memorydb.New()},
		SubRuns:  []sharddb.Shard{memorydb.New()},
		Events:   []sharddb.Shard{memorydb.New()},
		Products: []sharddb.Shard{memorydb.New()},
	}
	ds, err := NewWithShards(set)
	require.NoError(t, err)
	defer ds.Close()

	d, err := ds.Root().CreateDataSet("retry")
	require.NoError(t, err)

	// One transient failure is absorbed by the retry.
	ds.dsCache.Purge()
	flaky.failures = 1
	got, err := ds.OpenDataSet("retry")
	require.NoError(t, err)
	require.Equal(t, d.UUID(), got.UUID())

	// Two consecutive failures surface.
	ds.dsCache.Purge()
	flaky.failures = 2
	_, err = ds.OpenDataSet("retry")
	require.True(t, errors.Is(err, sharddb.ErrTransient))
}
