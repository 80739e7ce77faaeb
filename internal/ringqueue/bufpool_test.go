package ringqueue

import (
	"testing"
)

func TestGetScratch_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int64
		expectCap   int
	}{
		{"1KB bucket - exact", 1024, 1024},
		{"1KB bucket - smaller", 100, 1024},
		{"8KB bucket - exact", 8 * 1024, 8 * 1024},
		{"8KB bucket - smaller", 2 * 1024, 8 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 20 * 1024, 64 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"256KB bucket - smaller", 100 * 1024, 256 * 1024},
		{"over max - exact size", 300 * 1024, 300 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetScratch(tt.requestSize)
			if int64(len(buf)) != tt.requestSize {
				t.Errorf("len = %d, want %d", len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("cap = %d, want %d", cap(buf), tt.expectCap)
			}
			PutScratch(buf)
		})
	}
}

func TestPutScratch_ForeignBuffer(t *testing.T) {
	// A buffer that didn't come from the pool has a capacity that
	// matches no bucket and must fall through without effect.
	foreign := make([]byte, 100)
	PutScratch(foreign)
}

func TestScratchRoundTripReuse(t *testing.T) {
	buf := GetScratch(512)
	buf[0] = 0xAB
	PutScratch(buf)

	// The next 1KB-bucket request may or may not get the same backing
	// array; either way it must be correctly sized.
	again := GetScratch(512)
	if len(again) != 512 || cap(again) != 1024 {
		t.Errorf("got len=%d cap=%d, want len=512 cap=1024", len(again), cap(again))
	}
	PutScratch(again)
}
