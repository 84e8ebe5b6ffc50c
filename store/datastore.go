// Package store implements the client core of the distributed event store:
// the hierarchical DataSet/Run/SubRun/Event namespace, product storage,
// write batching, asynchronous execution, prefetching, and queue access.
// Keys are laid out by the keys package, placed onto shards by the
// placement package, and stored through the sharddb contract.
package store

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/openhep/hepstore/config"
	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/placement"
	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/sharddb/remotedb"
)

// category indexes the five independent shard rings.
type category int

const (
	catDataSets category = iota
	catRuns
	catSubRuns
	catEvents
	catProducts
	numCategories
)

func categoryForLevel(l keys.Level) category {
	switch l {
	case keys.LevelRun:
		return catRuns
	case keys.LevelSubRun:
		return catSubRuns
	case keys.LevelEvent:
		return catEvents
	default:
		return catDataSets
	}
}

// datasetCacheSize bounds the client-side path to UUID lookup cache.
const datasetCacheSize = 128

// DataStore is a client of the distributed store. It is safe for concurrent
// use; routing is lock-free and all mutable state lives behind the shards.
type DataStore struct {
	shards [numCategories][]sharddb.Shard
	rings  [numCategories]*placement.Ring

	dsCache *lru.Cache // dataset full path -> keys.UUID

	queues QueueService

	prefetchCacheSize int
	prefetchBatchSize int
	asyncThreads      int
}

// ShardSet wires explicit shard implementations into a client, bypassing
// configuration files. Used by tests and embedded deployments.
type ShardSet struct {
	DataSets []sharddb.Shard
	Runs     []sharddb.Shard
	SubRuns  []sharddb.Shard
	Events   []sharddb.Shard
	Products []sharddb.Shard
	Queues   QueueService
}

// Open connects a client using the configuration at path. An empty path
// falls back to the STORE_CONFIG_FILE environment variable.
func Open(path string) (*DataStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return openFromConfig(cfg)
}

func openFromConfig(cfg *config.Config) (*DataStore, error) {
	set := ShardSet{}
	for _, cat := range []struct {
		eps []config.Endpoint
		dst *[]sharddb.Shard
	}{
		{cfg.Shards.DataSets, &set.DataSets},
		{cfg.Shards.Runs, &set.Runs},
		{cfg.Shards.SubRuns, &set.SubRuns},
		{cfg.Shards.Events, &set.Events},
		{cfg.Shards.Products, &set.Products},
	} {
		for _, ep := range cat.eps {
			for _, dbID := range ep.DatabaseIDs {
				*cat.dst = append(*cat.dst, remotedb.New(ep.Address, ep.ProviderID, dbID))
			}
		}
	}
	if cfg.Queue.Address != "" {
		set.Queues = remotedb.NewQueueClient(cfg.Queue.Address)
	}
	ds, err := NewWithShards(set)
	if err != nil {
		return nil, err
	}
	ds.prefetchCacheSize = cfg.Prefetch.CacheSize
	ds.prefetchBatchSize = cfg.Prefetch.BatchSize
	ds.asyncThreads = cfg.Async.Threads
	logger.Infow("Connected to event store",
		"datasets", len(set.DataSets), "runs", len(set.Runs),
		"subruns", len(set.SubRuns), "events", len(set.Events),
		"products", len(set.Products))
	return ds, nil
}

// NewWithShards builds a client over explicit shard sets. Every category
// needs at least one shard.
func NewWithShards(set ShardSet) (*DataStore, error) {
	ds := &DataStore{
		prefetchCacheSize: config.DefaultCacheSize,
		prefetchBatchSize: config.DefaultBatchSize,
		queues:            set.Queues,
	}
	for cat, shards := range map[category][]sharddb.Shard{
		catDataSets: set.DataSets,
		catRuns:     set.Runs,
		catSubRuns:  set.SubRuns,
		catEvents:   set.Events,
		catProducts: set.Products,
	} {
		if len(shards) == 0 {
			return nil, fmt.Errorf("store: category %d has no shards", cat)
		}
		ds.shards[cat] = shards
		ds.rings[cat] = placement.New(len(shards))
	}
	cache, err := lru.New(datasetCacheSize)
	if err != nil {
		return nil, err
	}
	ds.dsCache = cache
	return ds, nil
}

// Close shuts down all shard connections.
func (ds *DataStore) Close() error {
	var firstErr error
	for cat := range ds.shards {
		for _, s := range ds.shards[cat] {
			if err := s.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NumEventTargets returns the number of shards in the event category. The
// parallel event processor distributes these targets over ranks.
func (ds *DataStore) NumEventTargets() int {
	return len(ds.shards[catEvents])
}

// ---------------------------------------------------------------------------
// Core shard operations. All of them retry once when the transport reports
// a transient fault and surface every other error unchanged.

func isNotFound(err error) bool {
	return errors.Is(err, sharddb.ErrNotFound)
}

func (ds *DataStore) withRetry(op func() error) error {
	err := op()
	if errors.Is(err, sharddb.ErrTransient) {
		logger.Warnw("Retrying shard operation after transient fault", "err", err)
		err = op()
	}
	return err
}

func (ds *DataStore) shard(cat category, index int) sharddb.Shard {
	return ds.shards[cat][index]
}

func (ds *DataStore) route(cat category, routingKey []byte) int {
	return ds.rings[cat].Locate(routingKey)
}

// routeItem places an item of the given level; items are routed by their
// containing dataset's UUID so that siblings colocate on one shard.
func (ds *DataStore) routeItem(level keys.Level, uuid keys.UUID) int {
	return ds.rings[categoryForLevel(level)].Locate(uuid[:])
}

func (ds *DataStore) put(cat category, index int, key, value []byte) error {
	return ds.withRetry(func() error {
		return ds.shard(cat, index).Put(key, value)
	})
}

// putOnce creates the key if absent; sharddb.ErrKeyExists surfaces to the
// caller, which decides whether the collision is benign.
func (ds *DataStore) putOnce(cat category, index int, key, value []byte) error {
	err := ds.shard(cat, index).PutOnce(key, value)
	if errors.Is(err, sharddb.ErrTransient) {
		logger.Warnw("Retrying putOnce after transient fault", "err", err)
		err = ds.shard(cat, index).PutOnce(key, value)
		// A retried create can observe its own first attempt.
		if errors.Is(err, sharddb.ErrKeyExists) {
			return err
		}
	}
	return err
}

func (ds *DataStore) get(cat category, index int, key []byte) ([]byte, error) {
	var out []byte
	err := ds.withRetry(func() error {
		v, err := ds.shard(cat, index).Get(key)
		out = v
		return err
	})
	return out, err
}

func (ds *DataStore) exists(cat category, index int, key []byte) (bool, error) {
	var out bool
	err := ds.withRetry(func() error {
		ok, err := ds.shard(cat, index).Exists(key)
		out = ok
		return err
	})
	return out, err
}

func (ds *DataStore) length(cat category, index int, key []byte) (int, error) {
	var out int
	err := ds.withRetry(func() error {
		n, err := ds.shard(cat, index).Length(key)
		out = n
		return err
	})
	return out, err
}

func (ds *DataStore) listKeys(cat category, index int, startAfter, prefix []byte, max int) ([][]byte, error) {
	var out [][]byte
	err := ds.withRetry(func() error {
		ks, err := ds.shard(cat, index).ListKeys(startAfter, prefix, max)
		out = ks
		return err
	})
	return out, err
}

func (ds *DataStore) listKeyValues(cat category, index int, startAfter, prefix []byte, max int) ([]sharddb.KeyValue, error) {
	var out []sharddb.KeyValue
	err := ds.withRetry(func() error {
		kvs, err := ds.shard(cat, index).ListKeyValues(startAfter, prefix, max)
		out = kvs
		return err
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Item-level helpers shared by cursors, prefetchers and writers.

// nextItems returns up to max descriptors strictly after `after` at the
// given level, restricted to keys sharing prefix. A negative shard routes
// by the descriptor's dataset UUID; an explicit shard pins the scan to one
// event partition.
func (ds *DataStore) nextItems(level keys.Level, prefix []byte, after keys.ItemDescriptor, max int, shard int) ([]keys.ItemDescriptor, error) {
	cat := categoryForLevel(level)
	if shard < 0 {
		shard = ds.rings[cat].Locate(after.DataSet[:])
	}
	raw, err := ds.listKeys(cat, shard, after.Encode(), prefix, max)
	if err != nil {
		return nil, err
	}
	out := make([]keys.ItemDescriptor, 0, len(raw))
	for _, k := range raw {
		d, err := keys.DecodeItemDescriptor(k)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt item key on shard %d: %w", shard, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// itemExists probes a single item key. A negative shard routes by UUID.
func (ds *DataStore) itemExists(desc keys.ItemDescriptor, shard int) (bool, error) {
	cat := categoryForLevel(desc.Level())
	if shard < 0 {
		shard = ds.rings[cat].Locate(desc.DataSet[:])
	}
	return ds.exists(cat, shard, desc.Encode())
}

// createItem implements Writer: create-if-absent with idempotent collision
// semantics for item keys.
func (ds *DataStore) createItem(desc keys.ItemDescriptor) error {
	cat := categoryForLevel(desc.Level())
	index := ds.rings[cat].Locate(desc.DataSet[:])
	err := ds.putOnce(cat, index, desc.Encode(), nil)
	if errors.Is(err, sharddb.ErrKeyExists) {
		return nil
	}
	return err
}

// storeProduct implements Writer: an unconditional upsert of the product
// value, routed by the full product key.
func (ds *DataStore) storeProduct(desc keys.ItemDescriptor, pk keys.ProductKey, data []byte) error {
	key := keys.ProductKeyBytes(desc, pk)
	return ds.put(catProducts, ds.route(catProducts, key), key, data)
}

// loadProductRaw fetches a product value; absence is reported through the
// boolean, not an error.
func (ds *DataStore) loadProductRaw(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error) {
	key := keys.ProductKeyBytes(desc, pk)
	v, err := ds.get(catProducts, ds.route(catProducts, key), key)
	if errors.Is(err, sharddb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// LoadProduct implements ProductSource by reading straight from storage.
func (ds *DataStore) LoadProduct(desc keys.ItemDescriptor, pk keys.ProductKey) ([]byte, bool, error) {
	return ds.loadProductRaw(desc, pk)
}
