package align

import (
	"math"
	"testing"
)

func TestUp(t *testing.T) {
	tests := []struct {
		value, align, want uint64
	}{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
		{0x1234, 0, 0x1234},
	}
	for _, tt := range tests {
		if got := Up(tt.value, tt.align); got != tt.want {
			t.Fatalf("Up(%#x, %#x) = %#x, want %#x", tt.value, tt.align, got, tt.want)
		}
	}
}

func TestDown(t *testing.T) {
	if got := Down(uint64(0x1fff), 0x1000); got != 0x1000 {
		t.Fatalf("Down = %#x, want %#x", got, 0x1000)
	}
	if !IsAligned(uint64(0x3000), 0x1000) {
		t.Fatalf("IsAligned(0x3000, 0x1000) = false")
	}
	if IsAligned(uint64(0x3001), 0x1000) {
		t.Fatalf("IsAligned(0x3001, 0x1000) = true")
	}
}

func TestPagesRounding(t *testing.T) {
	tests := []struct {
		size, want uint64
	}{
		{0, 0},
		{1, 1},
		{4095, 1},
		{4096, 1},
		{4097, 2},
		{8192, 2},
	}
	for _, tt := range tests {
		if got := Pages(tt.size, 4096); got != tt.want {
			t.Fatalf("Pages(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestPagesNoOverflow(t *testing.T) {
	got := Pages(uint64(math.MaxUint64), 4096)
	if want := uint64(math.MaxUint64/4096) + 1; got != want {
		t.Fatalf("Pages(max) = %#x, want %#x", got, want)
	}
}
