package bufpool

import (
	"testing"
)

func TestGet_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 2 * 1024, 4 * 1024},
		{"16KB bucket - exact", 16 * 1024, 16 * 1024},
		{"16KB bucket - smaller", 10 * 1024, 16 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 40 * 1024, 64 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"256KB bucket - smaller", 200 * 1024, 256 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("Get(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("Get(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			Put(buf)
		})
	}
}

func TestGet_OversizeFallsBackToAlloc(t *testing.T) {
	buf := Get(512 * 1024)
	if len(buf) != 512*1024 {
		t.Fatalf("len=%d, want %d", len(buf), 512*1024)
	}
	Put(buf) // must not panic even though it won't be pooled
}

func TestPool_Reuse(t *testing.T) {
	buf1 := Get(4 * 1024)
	ptr1 := &buf1[0]
	Put(buf1)

	buf2 := Get(4 * 1024)
	ptr2 := &buf2[0]
	Put(buf2)

	if ptr1 == ptr2 {
		t.Log("buffer was reused from pool")
	} else {
		t.Log("buffer was not reused (sync.Pool GC behavior)")
	}
}

func TestPut_NonStandardCap(t *testing.T) {
	buf := make([]byte, 100*1024) // not a standard bucket
	Put(buf)                      // must not panic
}

func BenchmarkGet_4KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := Get(4 * 1024)
		Put(buf)
	}
}

func BenchmarkGet_64KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := Get(64 * 1024)
		Put(buf)
	}
}
