//go:build !windows

package pario_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pario "github.com/archlab/go-pario"
	"github.com/archlab/go-pario/backend"
)

// newCubeFile builds the canonical test dataset: rows x 10 x 10 of
// int64, with data[r][i][j] = r*100 + i*10 + j, so the first element of
// row r is r*100 and every element identifies its own position.
func newCubeFile(t testing.TB, rows int64) *backend.File {
	t.Helper()
	values := make([]int64, rows*100)
	for r := int64(0); r < rows; r++ {
		for i := int64(0); i < 10; i++ {
			for j := int64(0); j < 10; j++ {
				values[r*100+i*10+j] = r*100 + i*10 + j
			}
		}
	}
	f := backend.NewFile()
	err := f.AddArray("/cube", pario.DTypeInt64, []int64{rows, 10, 10}, nil, backend.Int64Bytes(values))
	require.NoError(t, err)
	return f
}

func newTestReader(t testing.TB, f *backend.File) *pario.Reader {
	t.Helper()
	rd, err := pario.NewReader(pario.ReaderConfig{
		NumWorkers:     2,
		StagePoolSize:  4,
		StageSizeBytes: 64 * 1024,
		AcquireTimeout: 5 * time.Second,
		OpenAdapter:    f.Open,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rd.Close(true) })
	return rd
}

func TestRandomAccessSlices(t *testing.T) {
	f := newCubeFile(t, 1000)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	indices := make([]int64, 0, 500)
	for i := int64(0); i < 1000; i += 2 {
		indices = append(indices, i)
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	for _, idx := range indices[:100] {
		start, stop := idx, idx+2
		req, err := ds.Read(nil, &start, &stop, nil)
		require.NoError(t, err)
		v, err := req.Copy()
		require.NoError(t, err)
		require.Equal(t, []int64{2, 10, 10}, v.Shape)
		got := pario.NewTypedView(v.DType, v.Shape, v.Data).Int64s()
		require.Equal(t, idx*100, got[0])
		require.Equal(t, (idx+1)*100+99, got[199])
	}
}

func TestOversizeResultFailsWithSharedMemoryError(t *testing.T) {
	f := newCubeFile(t, 1000)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	// A stage sized for 10 rows cannot hold the whole dataset.
	small, err := ds.CreateStage(10)
	require.NoError(t, err)
	defer small.Close()

	req, err := ds.Read(small, nil, nil, nil)
	require.NoError(t, err)
	_, err = req.Copy()
	require.Error(t, err)
	require.True(t, pario.IsCode(err, pario.ErrCodeSharedMemory), "got %v", err)

	var sub *pario.SubprocessError
	require.True(t, errors.As(err, &sub))
}

func TestWorkerFailureFailsOnlyThatRequest(t *testing.T) {
	f := newCubeFile(t, 100)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	// An op against a path that does not exist fails in the worker.
	bad, err := rd.Request(pario.ReadScalarOp{Path: "/missing", Index: 0}, nil)
	require.NoError(t, err)
	_, err = bad.Copy()
	require.Error(t, err)
	var sub *pario.SubprocessError
	require.True(t, errors.As(err, &sub))

	// The pool keeps serving.
	start, stop := int64(5), int64(6)
	req, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	v, err := req.Copy()
	require.NoError(t, err)
	require.Equal(t, int64(500), pario.NewTypedView(v.DType, v.Shape, v.Data).Int64s()[0])
}

// panicAdapter wraps a real adapter and panics on a trigger path,
// standing in for a worker that dies mid-request.
type panicAdapter struct {
	inner pario.FileAdapter
}

func (p *panicAdapter) GetNode(path string) (pario.Node, error) {
	if path == "/poison" {
		panic("worker poisoned")
	}
	return p.inner.GetNode(path)
}

func (p *panicAdapter) Close() error { return p.inner.Close() }

func TestWorkerPanicIsContainedAndReported(t *testing.T) {
	f := newCubeFile(t, 100)
	rd, err := pario.NewReader(pario.ReaderConfig{
		NumWorkers:     2,
		StagePoolSize:  4,
		StageSizeBytes: 64 * 1024,
		AcquireTimeout: 5 * time.Second,
		OpenAdapter: func() (pario.FileAdapter, error) {
			inner, err := f.Open()
			if err != nil {
				return nil, err
			}
			return &panicAdapter{inner: inner}, nil
		},
	})
	require.NoError(t, err)
	defer rd.Close(true)

	req, err := rd.Request(pario.ReadScalarOp{Path: "/poison", Index: 0}, nil)
	require.NoError(t, err)
	err = req.Wait()
	require.Error(t, err)
	var sub *pario.SubprocessError
	require.True(t, errors.As(err, &sub))
	require.Contains(t, sub.Error(), "worker poisoned")
	require.Contains(t, sub.Error(), "worker stack:")

	// The panicking request did not take its worker down.
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)
	start, stop := int64(1), int64(2)
	ok, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	_, err = ok.Copy()
	require.NoError(t, err)
}

func TestRequestAfterStopIsRefused(t *testing.T) {
	f := newCubeFile(t, 10)
	rd, err := pario.NewReader(pario.ReaderConfig{
		NumWorkers:  1,
		OpenAdapter: f.Open,
	})
	require.NoError(t, err)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	rd.Stop()
	_, err = ds.Read(nil, nil, nil, nil)
	require.ErrorIs(t, err, pario.ErrQueueClosed)
	require.NoError(t, rd.Close(true))
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newCubeFile(t, 10)
	rd, err := pario.NewReader(pario.ReaderConfig{
		NumWorkers:  1,
		OpenAdapter: f.Open,
	})
	require.NoError(t, err)

	require.NoError(t, rd.Close(true))
	require.NoError(t, rd.Close(true))
}

func TestRequestAccessModes(t *testing.T) {
	f := newCubeFile(t, 100)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	start, stop := int64(3), int64(4)

	// Copy and the scoped view observe the same bytes.
	req, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	copied, err := req.Copy()
	require.NoError(t, err)

	req2, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	var scoped []int64
	err = req2.ScopedUnsafe(func(v pario.TypedView) error {
		scoped = append(scoped, v.Int64s()...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, pario.NewTypedView(copied.DType, copied.Shape, copied.Data).Int64s(), scoped)

	// Proxy mode refuses access after release.
	req3, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	res, err := req3.ScopedProxy()
	require.NoError(t, err)
	v, err := res.View()
	require.NoError(t, err)
	require.Equal(t, int64(300), v.Int64s()[0])
	res.Release()
	_, err = res.View()
	require.ErrorIs(t, err, pario.ErrReleasedResource)

	// Direct mode hands out the raw view until released.
	req4, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	direct, release, err := req4.WithDirect()
	require.NoError(t, err)
	require.Equal(t, int64(300), direct.Int64s()[0])
	release()
}

func TestLargeKeyRidesInStageTail(t *testing.T) {
	f := newCubeFile(t, 1000)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	// 200 coordinates serialize well past one ring-queue slot, forcing
	// the key-in-stage path; the result then overwrites the tail.
	coords := make([]int64, 200)
	for i := range coords {
		coords[i] = int64((i * 37) % 1000)
	}
	st, err := ds.CreateStage(201)
	require.NoError(t, err)
	defer st.Close()
	req, err := ds.ReadCoordinates(st, coords)
	require.NoError(t, err)
	v, err := req.Copy()
	require.NoError(t, err)
	require.Equal(t, []int64{200, 10, 10}, v.Shape)
	got := pario.NewTypedView(v.DType, v.Shape, v.Data).Int64s()
	for i, c := range coords {
		require.Equal(t, c*100, got[i*100], "row %d", i)
	}
}

func TestConcurrentRequesters(t *testing.T) {
	f := newCubeFile(t, 1000)
	rd := newTestReader(t, f)
	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				idx := int64((g*131 + k*17) % 999)
				start, stop := idx, idx+1
				req, err := ds.Read(nil, &start, &stop, nil)
				if err != nil {
					errs <- err
					return
				}
				v, err := req.Copy()
				if err != nil {
					errs <- err
					return
				}
				if got := pario.NewTypedView(v.DType, v.Shape, v.Data).Int64s()[0]; got != idx*100 {
					errs <- fmt.Errorf("row %d: got %d, want %d", idx, got, idx*100)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestVLArrayReadRow(t *testing.T) {
	f := backend.NewFile()
	f.AddVLArray("/ragged", pario.DTypeInt64, [][]byte{
		backend.Int64Bytes([]int64{1, 2}),
		backend.Int64Bytes([]int64{3, 4, 5, 6}),
		backend.Int64Bytes([]int64{7}),
	})
	rd := newTestReader(t, f)

	vds, err := rd.OpenVLArrayDataset("/ragged")
	require.NoError(t, err)
	require.Equal(t, int64(3), vds.NumRows())

	req, err := vds.ReadRow(nil, 1)
	require.NoError(t, err)
	v, err := req.Copy()
	require.NoError(t, err)
	require.Equal(t, []int64{4}, v.Shape)
	require.Equal(t, []int64{3, 4, 5, 6}, pario.NewTypedView(v.DType, v.Shape, v.Data).Int64s())
}

func TestMetricsObserverSeesRequests(t *testing.T) {
	f := newCubeFile(t, 100)
	metrics := pario.NewMetrics()
	rd, err := pario.NewReader(pario.ReaderConfig{
		NumWorkers:  1,
		OpenAdapter: f.Open,
		Observer:    pario.NewMetricsObserver(metrics),
	})
	require.NoError(t, err)
	defer rd.Close(true)

	ds, err := rd.OpenDataset("/cube")
	require.NoError(t, err)
	start, stop := int64(0), int64(2)
	req, err := ds.Read(nil, &start, &stop, nil)
	require.NoError(t, err)
	_, err = req.Copy()
	require.NoError(t, err)

	snap := metrics.Snapshot()
	require.Equal(t, uint64(1), snap.RequestsTotal)
	require.Equal(t, uint64(2*100*8), snap.BytesRead)
}
