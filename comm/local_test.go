package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendRecvDirected(t *testing.T) {
	world := NewLocal(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		data, src, err := world[1].Recv(0, 7)
		require.NoError(t, err)
		require.Equal(t, 0, src)
		require.Equal(t, []byte("hello"), data)
	}()
	require.NoError(t, world[0].Send(1, 7, []byte("hello")))
	<-done
}

func TestRecvAnySourceAndTagFilter(t *testing.T) {
	world := NewLocal(3)
	require.NoError(t, world[1].Send(0, 2, []byte("late-tag")))
	require.NoError(t, world[2].Send(0, 1, []byte("first")))

	// Tag 1 is matched even though a tag-2 message arrived first.
	data, src, err := world[0].Recv(AnySource, 1)
	require.NoError(t, err)
	require.Equal(t, 2, src)
	require.Equal(t, []byte("first"), data)

	data, src, err = world[0].Recv(AnySource, 2)
	require.NoError(t, err)
	require.Equal(t, 1, src)
	require.Equal(t, []byte("late-tag"), data)
}

func TestSendOrderPreserved(t *testing.T) {
	world := NewLocal(2)
	for i := 0; i < 10; i++ {
		require.NoError(t, world[0].Send(1, 5, []byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		data, _, err := world[1].Recv(0, 5)
		require.NoError(t, err)
		require.Equal(t, byte(i), data[0])
	}
}

func TestBarrier(t *testing.T) {
	const n = 4
	world := NewLocal(n)
	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for r := 0; r < n; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				require.NoError(t, world[r].Barrier())
			}(r)
		}
		wg.Wait()
	}
}

func TestAllreduceBand(t *testing.T) {
	const n = 3
	world := NewLocal(n)
	inputs := [][]byte{
		{0xff, 0x0f, 0b1010},
		{0xf0, 0xff, 0b1110},
		{0xff, 0xff, 0b0011},
	}
	want := []byte{0xf0, 0x0f, 0b0010}

	results := make([][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := world[r].AllreduceBand(inputs[r])
			require.NoError(t, err)
			results[r] = out
		}(r)
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		require.Equal(t, want, results[r])
	}
}

func TestGather(t *testing.T) {
	const n = 4
	world := NewLocal(n)
	var wg sync.WaitGroup
	var rootResult [][]byte
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			out, err := world[r].Gather(2, []byte{byte(r * 10)})
			require.NoError(t, err)
			if r == 2 {
				rootResult = out
			} else {
				require.Nil(t, out)
			}
		}(r)
	}
	wg.Wait()
	require.Len(t, rootResult, n)
	for r := 0; r < n; r++ {
		require.Equal(t, []byte{byte(r * 10)}, rootResult[r])
	}
}
