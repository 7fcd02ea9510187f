package utils

import (
	"sync/atomic"
	"testing"
)

func TestAlignTo(t *testing.T) {
	tests := []struct {
		val, align, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{13, 1, 13},
		{13, 0, 13},
	}

	for _, tt := range tests {
		if got := AlignTo(tt.val, tt.align); got != tt.want {
			t.Errorf("AlignTo(%d, %d) = %d, want %d", tt.val, tt.align, got, tt.want)
		}
	}
}

func TestRemoveIf(t *testing.T) {
	got := RemoveIf([]int{1, 2, 3, 4, 5}, func(v int) bool {
		return v%2 == 0
	})

	want := []int{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(0x800, 11); got != 0xfffffffffffff800 {
		t.Errorf("SignExtend(0x800, 11) = %#x", got)
	}
	if got := SignExtend(0x7ff, 11); got != 0x7ff {
		t.Errorf("SignExtend(0x7ff, 11) = %#x", got)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	Write[uint64](buf, 0x1122334455667788)
	if got := Read[uint64](buf); got != 0x1122334455667788 {
		t.Errorf("round trip = %#x", got)
	}
}

func TestParallelForCoversEveryIndex(t *testing.T) {
	const n = 10000
	marks := make([]int32, n)
	ParallelFor(n, func(i int) {
		atomic.AddInt32(&marks[i], 1)
	})

	for i, m := range marks {
		if m != 1 {
			t.Fatalf("index %d visited %d times", i, m)
		}
	}
}

func TestParallelForEmpty(t *testing.T) {
	ParallelFor(0, func(i int) {
		t.Fatal("must not be called")
	})
	ParallelFor(-3, func(i int) {
		t.Fatal("must not be called")
	})
}
