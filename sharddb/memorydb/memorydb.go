// Package memorydb provides an in-memory sharddb.Shard keeping its keys in
// sorted order. It backs unit tests and single-process deployments; the
// semantics (ordering, PutOnce, list bounds) are identical to the
// persistent shards.
package memorydb

import (
	"bytes"
	"sort"
	"sync"

	"github.com/openhep/hepstore/sharddb"
)

// Shard is a sorted in-memory key-value shard.
type Shard struct {
	mu     sync.RWMutex
	keys   []string // sorted
	values map[string][]byte
	closed bool
}

// New returns an empty shard.
func New() *Shard {
	return &Shard{values: make(map[string][]byte)}
}

func (s *Shard) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sharddb.ErrClosed
	}
	s.put(string(key), value)
	return nil
}

func (s *Shard) PutOnce(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sharddb.ErrClosed
	}
	if _, ok := s.values[string(key)]; ok {
		return sharddb.ErrKeyExists
	}
	s.put(string(key), value)
	return nil
}

func (s *Shard) PutMulti(pairs []sharddb.KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sharddb.ErrClosed
	}
	for _, kv := range pairs {
		s.put(string(kv.Key), kv.Value)
	}
	return nil
}

// put inserts under the write lock, keeping s.keys sorted.
func (s *Shard) put(key string, value []byte) {
	if _, ok := s.values[key]; !ok {
		i := sort.SearchStrings(s.keys, key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.values[key] = append([]byte(nil), value...)
}

func (s *Shard) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sharddb.ErrClosed
	}
	v, ok := s.values[string(key)]
	if !ok {
		return nil, sharddb.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Shard) Length(key []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, sharddb.ErrClosed
	}
	v, ok := s.values[string(key)]
	if !ok {
		return 0, sharddb.ErrNotFound
	}
	return len(v), nil
}

func (s *Shard) Exists(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, sharddb.ErrClosed
	}
	_, ok := s.values[string(key)]
	return ok, nil
}

func (s *Shard) ListKeys(startAfter, prefix []byte, max int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sharddb.ErrClosed
	}
	var out [][]byte
	s.scan(startAfter, prefix, max, func(key string) {
		out = append(out, []byte(key))
	})
	return out, nil
}

func (s *Shard) ListKeyValues(startAfter, prefix []byte, max int) ([]sharddb.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sharddb.ErrClosed
	}
	var out []sharddb.KeyValue
	s.scan(startAfter, prefix, max, func(key string) {
		out = append(out, sharddb.KeyValue{
			Key:   []byte(key),
			Value: append([]byte(nil), s.values[key]...),
		})
	})
	return out, nil
}

// scan visits up to max keys strictly after startAfter sharing prefix.
func (s *Shard) scan(startAfter, prefix []byte, max int, visit func(string)) {
	start := string(startAfter)
	i := sort.SearchStrings(s.keys, start)
	if i < len(s.keys) && s.keys[i] == start {
		i++
	}
	for n := 0; i < len(s.keys) && (max <= 0 || n < max); i++ {
		key := s.keys[i]
		if !bytes.HasPrefix([]byte(key), prefix) {
			if key > string(prefix) {
				break // past the prefix range, nothing more to find
			}
			continue
		}
		visit(key)
		n++
	}
}

// Len returns the number of keys currently stored.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
