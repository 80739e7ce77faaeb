package backend

import (
	"fmt"
	"math/rand"
	"testing"

	pario "github.com/archlab/go-pario"
)

// BenchmarkMemoryStore measures the raw performance of the sharded store.
func BenchmarkMemoryStore(b *testing.B) {
	sizes := []int{
		4 * 1024,    // 4KB
		128 * 1024,  // 128KB
		1024 * 1024, // 1MB
	}

	for _, size := range sizes {
		b.Run(formatSize(size), func(b *testing.B) {
			store := NewMemory(64 << 20) // 64MB store
			data := make([]byte, size)
			rand.Read(data)

			b.Run("ReadAt", func(b *testing.B) {
				buf := make([]byte, size)
				b.SetBytes(int64(size))
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(64<<20 - size))
					store.ReadAt(buf, offset)
				}
			})

			b.Run("WriteAt", func(b *testing.B) {
				b.SetBytes(int64(size))
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					offset := int64(rand.Intn(64<<20 - size))
					store.WriteAt(data, offset)
				}
			})
		})
	}
}

// BenchmarkMemoryParallelReads exercises the sharded locking under
// concurrent readers, the access pattern a worker pool produces.
func BenchmarkMemoryParallelReads(b *testing.B) {
	const size = 128 * 1024
	store := NewMemory(64 << 20)
	b.SetBytes(size)

	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, size)
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			offset := int64(rng.Intn(64<<20 - size))
			store.ReadAt(buf, offset)
		}
	})
}

// BenchmarkArrayNodeRead measures a contiguous block read through the
// node layer, the hot path of a streaming scan.
func BenchmarkArrayNodeRead(b *testing.B) {
	const rows = 1 << 16
	values := make([]int64, rows)
	for i := range values {
		values[i] = int64(i)
	}
	f := NewFile()
	if err := f.AddArray("/data", pario.DTypeInt64, []int64{rows}, nil, Int64Bytes(values)); err != nil {
		b.Fatal(err)
	}
	h, _ := f.Open()
	node, _ := h.GetNode("/data")

	const blockRows = 1 << 12
	out := make([]byte, blockRows*8)
	view := pario.NewTypedView(pario.DTypeInt64, []int64{blockRows}, out)
	b.SetBytes(blockRows * 8)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		start := int64((i * blockRows) % (rows - blockRows))
		stop := start + blockRows
		if err := node.Read(&start, &stop, nil, "", view); err != nil {
			b.Fatal(err)
		}
	}
}

func formatSize(size int) string {
	switch {
	case size >= 1024*1024:
		return fmt.Sprintf("%dMB", size/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%dKB", size/1024)
	default:
		return fmt.Sprintf("%dB", size)
	}
}
