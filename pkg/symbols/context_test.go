package symbols

import "testing"

func TestTranslateRemotePCRoundTrips(t *testing.T) {
	c := &Context{}
	// remote_text_base=0x3000, vmaddr_text=0x1000 -> slide=0x2000
	c.slide = 0x3000 - 0x1000

	if got := c.TranslateRemotePC(0x3040); got != 0x1040 {
		t.Fatalf("TranslateRemotePC(0x3040) = 0x%x, want 0x1040", got)
	}
	if got := c.LocalToRemote(0x1040); got != 0x3040 {
		t.Fatalf("LocalToRemote(0x1040) = 0x%x, want 0x3040", got)
	}
}

func TestTranslateRemotePCRoundTripsUnderNegativeSlide(t *testing.T) {
	c := &Context{}
	// remote base below the link-time address: slide wraps as an unsigned
	// subtraction, and the round trip must still hold exactly.
	c.slide = uint64(0x1000) - uint64(0x5000)

	for _, addr := range []uint64{0, 1, 0x1040, 0xffffffffffffffff} {
		remote := c.LocalToRemote(addr)
		if got := c.TranslateRemotePC(remote); got != addr {
			t.Fatalf("round trip failed for 0x%x: got 0x%x", addr, got)
		}
	}
}

func TestContainsPC(t *testing.T) {
	ranges := [][2]uint64{{0x1000, 0x1010}, {0x2000, 0x2010}}
	cases := []struct {
		pc   uint64
		want bool
	}{
		{0x1000, true},
		{0x100f, true},
		{0x1010, false},
		{0xfff, false},
		{0x2005, true},
	}
	for _, tc := range cases {
		if got := containsPC(ranges, tc.pc); got != tc.want {
			t.Errorf("containsPC(%v, 0x%x) = %v, want %v", ranges, tc.pc, got, tc.want)
		}
	}
}
