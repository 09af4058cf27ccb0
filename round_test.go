package ps2mc

import "testing"

func TestRoundUp(t *testing.T) {
	cases := []struct{ n, unit, want uint32 }{
		{0, 512, 0},
		{1, 512, 512},
		{512, 512, 512},
		{513, 512, 1024},
		{1024, 1024, 1024},
	}

	for _, c := range cases {
		if got := roundUp(c.n, c.unit); got != c.want {
			t.Errorf("roundUp(%d, %d) = %d, want %d", c.n, c.unit, got, c.want)
		}
	}
}

func TestRoundDown(t *testing.T) {
	if got := roundDown(1023, 1024); got != 0 {
		t.Errorf("roundDown(1023, 1024) = %d, want 0", got)
	}

	if got := roundDown(2048, 1024); got != 2048 {
		t.Errorf("roundDown(2048, 1024) = %d, want 2048", got)
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ n, unit, want uint32 }{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
	}

	for _, c := range cases {
		if got := ceilDiv(c.n, c.unit); got != c.want {
			t.Errorf("ceilDiv(%d, %d) = %d, want %d", c.n, c.unit, got, c.want)
		}
	}
}

func TestBitRange(t *testing.T) {
	v := uint32(0x1F) // 0b11111

	if got := bitRange(v, 0, 5); got != 0x1F {
		t.Errorf("bitRange(0x1F, 0, 5) = %#x, want 0x1f", got)
	}

	if got := bitRange(v, 2, 5); got != 0x7 {
		t.Errorf("bitRange(0x1F, 2, 5) = %#x, want 0x7", got)
	}
}

func TestZeroTerminate(t *testing.T) {
	if got := string(zeroTerminate([]byte("foo\x00bar"))); got != "foo" {
		t.Errorf("zeroTerminate = %q, want %q", got, "foo")
	}

	if got := string(zeroTerminate([]byte("noterm"))); got != "noterm" {
		t.Errorf("zeroTerminate = %q, want %q", got, "noterm")
	}
}
