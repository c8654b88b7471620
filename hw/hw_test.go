package hw

import "testing"

func TestRegionSlice(t *testing.T) {
	r := &Region{Virt: make([]byte, 8192), Phys: 0x10000}
	sub := r.Slice(4096, 512)
	if sub.Phys != 0x11000 {
		t.Errorf("sub.Phys = %#x, want 0x11000", sub.Phys)
	}
	if sub.Size() != 512 {
		t.Errorf("sub.Size() = %d, want 512", sub.Size())
	}

	sub.Virt[0] = 0xEA
	if r.Virt[4096] != 0xEA {
		t.Error("slice should share memory with parent")
	}
	r.Zero()
	if sub.Virt[0] != 0 {
		t.Error("Zero should clear shared memory")
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct{ n, align, want int }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{3, 2 << 20, 2 << 20},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.n, tt.align); got != tt.want {
			t.Errorf("RoundUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}
