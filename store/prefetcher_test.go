package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openhep/hepstore/keys"
)

// seedEvents creates count events under one subrun, each carrying one
// product, and returns the subrun.
func seedEvents(t *testing.T, ds *DataStore, count int) SubRun {
	t.Helper()
	d, err := ds.Root().CreateDataSet("scan")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(1)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		ev, err := sr.CreateEvent(keys.EventNumber(i))
		require.NoError(t, err)
		payload := []byte(fmt.Sprintf("payload-%d", i))
		require.NoError(t, ev.StoreProduct("hits", "rawhits", payload))
	}
	return sr
}

func TestPrefetchedScanMatchesPlainScan(t *testing.T) {
	ds := newTestStore(t, 1)
	sr := seedEvents(t, ds, 20)

	var plain []keys.EventNumber
	it := sr.Events().Begin()
	for it.Next() {
		plain = append(plain, it.Event().Number())
	}
	require.NoError(t, it.Err())
	require.Len(t, plain, 20)

	pf := NewPrefetcher(ds, 8, 4)
	pf.Preload("hits", "rawhits")
	itp := sr.Events().Begin().UsePrefetcher(pf)
	var prefetched []keys.EventNumber
	for itp.Next() {
		prefetched = append(prefetched, itp.Event().Number())
		// The lookahead window must honor its bound.
		require.LessOrEqual(t, pf.items.len(), 8)

		// Every product is served from the cache.
		ev := itp.Event()
		data, ok, err := ev.LoadProductFrom(pf, "hits", "rawhits")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("payload-%d", ev.Number()), string(data))
	}
	require.NoError(t, itp.Err())
	itp.Close()

	require.Equal(t, plain, prefetched)

	stats := pf.Stats()
	require.EqualValues(t, 20, stats.ProductHits)
	require.Zero(t, stats.ProductMisses)
	// Event 0 is located by the cursor's bound probe; the prefetcher
	// fetches the remaining 19.
	require.EqualValues(t, 19, stats.ItemsFetched)
}

func TestSyncPrefetcherSingleCursor(t *testing.T) {
	ds := newTestStore(t, 1)
	sr := seedEvents(t, ds, 4)

	pf := NewPrefetcher(ds, 8, 4)
	first := sr.Events().Begin().UsePrefetcher(pf)
	require.True(t, first.Next())

	second := sr.Events().Begin().UsePrefetcher(pf)
	require.False(t, second.Next())
	require.ErrorIs(t, second.Err(), ErrPrefetcherInUse)

	first.Close()
	third := sr.Events().Begin().UsePrefetcher(pf)
	require.True(t, third.Next())
	third.Close()
}

func TestAsyncPrefetchedScan(t *testing.T) {
	ds := newTestStore(t, 1)
	sr := seedEvents(t, ds, 20)

	engine, err := NewAsyncEngine(ds, 2)
	require.NoError(t, err)
	defer engine.Close()

	pf := NewAsyncPrefetcher(engine, 8, 4)
	pf.Preload("hits", "rawhits")
	defer pf.Close()

	it := sr.Events().Begin().UsePrefetcher(pf)
	var got []keys.EventNumber
	for it.Next() {
		ev := it.Event()
		got = append(got, ev.Number())
		data, ok, err := ev.LoadProductFrom(pf, "hits", "rawhits")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("payload-%d", ev.Number()), string(data))
	}
	require.NoError(t, it.Err())
	it.Close()

	want := make([]keys.EventNumber, 20)
	for i := range want {
		want[i] = keys.EventNumber(i)
	}
	require.Equal(t, want, got)
}

func TestAsyncPrefetcherEmptyRange(t *testing.T) {
	ds := newTestStore(t, 1)
	d, err := ds.Root().CreateDataSet("empty-async")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(1)
	require.NoError(t, err)

	engine, err := NewAsyncEngine(ds, 1)
	require.NoError(t, err)
	defer engine.Close()

	pf := NewAsyncPrefetcher(engine, 4, 2)
	defer pf.Close()

	it := sr.Events().Begin().UsePrefetcher(pf)
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestPrefetchedMultiShardEventSet(t *testing.T) {
	ds := newTestStore(t, 3)
	d, err := ds.Root().CreateDataSet("sharded")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(1)
	require.NoError(t, err)
	const count = 12
	for i := 0; i < count; i++ {
		_, err := sr.CreateEvent(keys.EventNumber(i))
		require.NoError(t, err)
	}

	// All events of a dataset route to one event shard, so a multi-shard
	// set must still find all of them exactly once.
	var plain []keys.EventNumber
	it := d.Events().Begin()
	for it.Next() {
		plain = append(plain, it.Event().Number())
	}
	require.NoError(t, it.Err())
	require.Len(t, plain, count)

	pf := NewPrefetcher(ds, 8, 4)
	itp := d.Events().Begin().UsePrefetcher(pf)
	var prefetched []keys.EventNumber
	for itp.Next() {
		prefetched = append(prefetched, itp.Event().Number())
	}
	require.NoError(t, itp.Err())
	itp.Close()
	require.Equal(t, plain, prefetched)
}

func TestEventSetSingleTarget(t *testing.T) {
	ds := newTestStore(t, 2)
	d, err := ds.Root().CreateDataSet("pinned")
	require.NoError(t, err)
	run, err := d.CreateRun(1)
	require.NoError(t, err)
	sr, err := run.CreateSubRun(1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := sr.CreateEvent(keys.EventNumber(i))
		require.NoError(t, err)
	}
	owner := ds.routeItem(keys.LevelEvent, d.UUID())

	set, err := d.EventsOn(owner)
	require.NoError(t, err)
	count := 0
	it := set.Begin()
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 5, count)

	other, err := d.EventsOn(1 - owner)
	require.NoError(t, err)
	it = other.Begin()
	require.False(t, it.Next())
	require.NoError(t, it.Err())

	_, err = d.EventsOn(5)
	require.Error(t, err)
}
