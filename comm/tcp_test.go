package comm

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTCPGroup wires n endpoints over loopback listeners on ephemeral
// ports.
func newTCPGroup(t *testing.T, n int) []*TCP {
	t.Helper()
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}
	out := make([]*TCP, n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], errs[i] = NewTCPFromListener(listeners[i], i, addrs)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	t.Cleanup(func() {
		for _, c := range out {
			c.Close()
		}
	})
	return out
}

func TestTCPSendRecv(t *testing.T) {
	group := newTCPGroup(t, 3)

	require.NoError(t, group[0].Send(2, 5, []byte("cross")))
	data, src, err := group[2].Recv(0, 5)
	require.NoError(t, err)
	require.Equal(t, 0, src)
	require.Equal(t, []byte("cross"), data)

	// Self-send short-circuits the network.
	require.NoError(t, group[1].Send(1, 9, []byte("loop")))
	data, src, err = group[1].Recv(AnySource, 9)
	require.NoError(t, err)
	require.Equal(t, 1, src)
	require.Equal(t, []byte("loop"), data)
}

func TestTCPOrderAndTagFilter(t *testing.T) {
	group := newTCPGroup(t, 2)
	for i := 0; i < 20; i++ {
		require.NoError(t, group[0].Send(1, 3, []byte{byte(i)}))
	}
	require.NoError(t, group[0].Send(1, 4, []byte("other")))

	data, _, err := group[1].Recv(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("other"), data)
	for i := 0; i < 20; i++ {
		data, _, err := group[1].Recv(0, 3)
		require.NoError(t, err)
		require.Equal(t, byte(i), data[0])
	}
}

func TestTCPCollectives(t *testing.T) {
	const n = 4
	group := newTCPGroup(t, n)

	var wg sync.WaitGroup
	reduced := make([][]byte, n)
	gathered := make([][][]byte, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, group[r].Barrier())

			in := []byte{0xff, byte(0xf0 | r)}
			out, err := group[r].AllreduceBand(in)
			require.NoError(t, err)
			reduced[r] = out

			g, err := group[r].Gather(1, []byte{byte(r)})
			require.NoError(t, err)
			gathered[r] = g

			require.NoError(t, group[r].Barrier())
		}(r)
	}
	wg.Wait()

	want := []byte{0xff, 0xf0}
	for r := 0; r < n; r++ {
		require.Equal(t, want, reduced[r])
	}
	require.Nil(t, gathered[0])
	require.Len(t, gathered[1], n)
	for r := 0; r < n; r++ {
		require.Equal(t, []byte{byte(r)}, gathered[1][r])
	}
}

func TestTCPRunsProcessorProtocolShapes(t *testing.T) {
	// Exercise the exact message shapes the parallel processor uses:
	// zero-byte requests and 40-byte replies.
	group := newTCPGroup(t, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, src, err := group[0].Recv(AnySource, 1111)
		require.NoError(t, err)
		payload := make([]byte, 40)
		payload[39] = 7
		require.NoError(t, group[0].Send(src, 1112, payload))
		// Sentinel: zero bytes.
		_, src, err = group[0].Recv(AnySource, 1111)
		require.NoError(t, err)
		require.NoError(t, group[0].Send(src, 1112, nil))
	}()

	require.NoError(t, group[1].Send(0, 1111, nil))
	data, _, err := group[1].Recv(0, 1112)
	require.NoError(t, err)
	require.Len(t, data, 40)
	require.Equal(t, byte(7), data[39])

	require.NoError(t, group[1].Send(0, 1111, nil))
	data, _, err = group[1].Recv(0, 1112)
	require.NoError(t, err)
	require.Len(t, data, 0)
	<-done
}
