//go:build !windows

package ringqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetFIFO(t *testing.T) {
	q, err := New(4, 16)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Put([]byte("first"), time.Second))
	require.NoError(t, q.Put([]byte("second"), time.Second))

	v, err := q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, "first", string(v))

	v, err = q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, "second", string(v))
}

func TestGetTimesOutWhenEmpty(t *testing.T) {
	q, err := New(2, 16)
	require.NoError(t, err)
	defer q.Close()

	_, err = q.GetDirect(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestPutTimesOutWhenFull(t *testing.T) {
	q, err := New(1, 16)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Put([]byte("only slot"), time.Second))
	err = q.Put([]byte("overflow"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrFull)
}

func TestOversizePayloadUsesSideChannel(t *testing.T) {
	q, err := New(2, 4)
	require.NoError(t, err)
	defer q.Close()

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, q.Put(big, time.Second))

	v, err := q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, big, v)
}

func TestMarkClosedUnblocksWaiters(t *testing.T) {
	q, err := New(1, 16)
	require.NoError(t, err)
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var getErr error
	go func() {
		defer wg.Done()
		_, getErr = q.GetDirect(5 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.MarkClosed()
	wg.Wait()
	require.ErrorIs(t, getErr, ErrClosed)
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	q, err := New(8, 16)
	require.NoError(t, err)
	defer q.Close()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, q.Put([]byte{byte(i)}, 5*time.Second))
		}(i)
	}

	received := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.GetDirect(5 * time.Second)
			require.NoError(t, err)
			received <- struct{}{}
		}()
	}
	wg.Wait()
	close(received)
	count := 0
	for range received {
		count++
	}
	require.Equal(t, n, count)
}

func TestOversizeKeepsFIFOOrder(t *testing.T) {
	q, err := New(4, 4)
	require.NoError(t, err)
	defer q.Close()

	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, q.Put([]byte("a"), time.Second))
	require.NoError(t, q.Put(big, time.Second))
	require.NoError(t, q.Put([]byte("b"), time.Second))

	v, err := q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", string(v))

	v, err = q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, big, v)

	v, err = q.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, "b", string(v))
}

func TestPutAsyncAbsorbsFullQueue(t *testing.T) {
	q, err := New(1, 16)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.PutAsync([]byte("one")))
	// Ring is now full; these buffer on the overflow list.
	require.NoError(t, q.PutAsync([]byte("two")))
	require.NoError(t, q.PutAsync([]byte("three")))

	for _, want := range []string{"one", "two", "three"} {
		v, err := q.GetDirect(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, want, string(v))
	}
}

func TestOpenAttachesToSameQueue(t *testing.T) {
	master, err := New(4, 16)
	require.NoError(t, err)
	defer master.Close()

	attacher, err := Open(master.Name(), 4, 16)
	require.NoError(t, err)
	defer attacher.Close()

	require.NoError(t, master.Put([]byte("via master"), time.Second))
	v, err := attacher.GetDirect(time.Second)
	require.NoError(t, err)
	require.Equal(t, "via master", string(v))
}
