// Package leveldbshard implements sharddb.Shard on top of goleveldb. The
// provider daemon hosts one instance per database id; LevelDB's sorted key
// space gives the ordered list operations directly.
package leveldbshard

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/openhep/hepstore/sharddb"
)

// Shard is a LevelDB-backed key-value shard.
type Shard struct {
	db *leveldb.DB

	// writeMu serializes PutOnce's read-modify-write; plain puts go
	// straight to LevelDB's own write path.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) a shard at the given filesystem path.
func Open(path string) (*Shard, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbshard: open %s: %w", path, err)
	}
	return &Shard{db: db}, nil
}

// OpenInMemory opens a shard backed by an in-memory LevelDB storage, used
// by tests and by daemons started without a data directory.
func OpenInMemory() (*Shard, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbshard: open in-memory: %w", err)
	}
	return &Shard{db: db}, nil
}

func (s *Shard) Put(key, value []byte) error {
	return convertError(s.db.Put(key, value, nil))
}

func (s *Shard) PutOnce(key, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return convertError(err)
	}
	if ok {
		return sharddb.ErrKeyExists
	}
	return convertError(s.db.Put(key, value, nil))
}

func (s *Shard) PutMulti(pairs []sharddb.KeyValue) error {
	batch := new(leveldb.Batch)
	for _, kv := range pairs {
		batch.Put(kv.Key, kv.Value)
	}
	return convertError(s.db.Write(batch, nil))
}

func (s *Shard) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (s *Shard) Length(key []byte) (int, error) {
	v, err := s.db.Get(key, nil)
	if err != nil {
		return 0, convertError(err)
	}
	return len(v), nil
}

func (s *Shard) Exists(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, convertError(err)
	}
	return ok, nil
}

func (s *Shard) ListKeys(startAfter, prefix []byte, max int) ([][]byte, error) {
	var out [][]byte
	err := s.scan(startAfter, prefix, max, func(it iterator.Iterator) {
		out = append(out, append([]byte(nil), it.Key()...))
	})
	return out, err
}

func (s *Shard) ListKeyValues(startAfter, prefix []byte, max int) ([]sharddb.KeyValue, error) {
	var out []sharddb.KeyValue
	err := s.scan(startAfter, prefix, max, func(it iterator.Iterator) {
		out = append(out, sharddb.KeyValue{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	})
	return out, err
}

func (s *Shard) scan(startAfter, prefix []byte, max int, visit func(iterator.Iterator)) error {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	ok := it.Seek(startAfter)
	if ok && bytes.Equal(it.Key(), startAfter) {
		ok = it.Next() // list bounds are exclusive of the start key
	}
	for n := 0; ok && (max <= 0 || n < max); ok = it.Next() {
		visit(it)
		n++
	}
	return convertError(it.Error())
}

func (s *Shard) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// convertError maps goleveldb errors onto the sharddb sentinels.
func convertError(err error) error {
	switch err {
	case nil:
		return nil
	case leveldb.ErrNotFound:
		return sharddb.ErrNotFound
	case leveldb.ErrClosed:
		return sharddb.ErrClosed
	default:
		return err
	}
}
