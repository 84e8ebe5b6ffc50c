package placement

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocateDeterministic(t *testing.T) {
	r := New(8)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		first := r.Locate(key)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 8)
		require.Equal(t, first, r.Locate(key))
		require.Equal(t, first, r.LocateString(string(key)))
	}
}

func TestLocateSingleShard(t *testing.T) {
	r := New(1)
	for i := 0; i < 20; i++ {
		require.Zero(t, r.Locate([]byte{byte(i)}))
	}
}

func TestLocateSpread(t *testing.T) {
	r := New(4)
	counts := make([]int, 4)
	for i := 0; i < 4000; i++ {
		counts[r.LocateString(fmt.Sprintf("uuid-%d", i))]++
	}
	for shard, n := range counts {
		require.Greater(t, n, 500, "shard %d starved with %d keys", shard, n)
	}
}

func TestJumpStability(t *testing.T) {
	// Growing the ring must only move keys onto the new shard, never
	// between existing shards.
	small := New(5)
	large := New(6)
	moved := 0
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		from := small.Locate(key)
		to := large.Locate(key)
		if from != to {
			require.Equal(t, 5, to, "key moved between pre-existing shards")
			moved++
		}
	}
	require.Greater(t, moved, 0)
	require.Less(t, moved, 700)
}
