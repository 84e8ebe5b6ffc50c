// Package placement maps logical keys to shard indices with jump consistent
// hashing. Each key category (datasets, runs, subruns, events, products)
// owns an independent Ring, so resizing one category never moves keys of
// another.
package placement

import "github.com/cespare/xxhash/v2"

// Ring is a stable deterministic mapping from routing keys to one of N
// shards. It is immutable and safe for concurrent use.
type Ring struct {
	buckets int
}

// New returns a ring over n shards. n must be positive.
func New(n int) *Ring {
	if n <= 0 {
		panic("placement: ring needs at least one shard")
	}
	return &Ring{buckets: n}
}

// Size returns the number of shards on the ring.
func (r *Ring) Size() int {
	return r.buckets
}

// Locate maps a routing key to a shard index in [0, Size()).
func (r *Ring) Locate(key []byte) int {
	return jump(xxhash.Sum64(key), r.buckets)
}

// LocateString is Locate for string keys, avoiding a copy.
func (r *Ring) LocateString(key string) int {
	return jump(xxhash.Sum64String(key), r.buckets)
}

// jump is Lamport and Veach's jump consistent hash: O(ln n), no state, and
// moving from n to n+1 buckets relocates only 1/(n+1) of the keys.
func jump(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
