package wire

import (
	"testing"
	"unsafe"
)

func TestAddressString(t *testing.T) {
	cases := []struct {
		addr Address
		want string
	}{
		{Address{Domain: 3, Port: 42}, "3:42"},
		{Address{Domain: DomIDAny, Port: 42}, "*:42"},
		{Address{Domain: 3, Port: PortAny}, "3:*"},
	}
	for _, c := range cases {
		if got := c.addr.String(); got != c.want {
			t.Errorf("Address{%d,%d}.String() = %q, want %q", c.addr.Domain, c.addr.Port, got, c.want)
		}
	}
}

func TestRoundUp16(t *testing.T) {
	cases := map[uint32]uint32{
		0:  0,
		1:  16,
		15: 16,
		16: 16,
		17: 32,
	}
	for in, want := range cases {
		if got := RoundUp16(in); got != want {
			t.Errorf("RoundUp16(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestHashWithinBuckets(t *testing.T) {
	ids := []RingID{
		{Addr: Address{Domain: 1, Port: 1000}, Partner: DomIDAny},
		{Addr: Address{Domain: 1, Port: 1000}, Partner: 7},
		{Addr: Address{Domain: 2, Port: 0xffffffff}, Partner: 99},
	}
	for _, id := range ids {
		h := Hash(id)
		if h >= HashBuckets {
			t.Errorf("Hash(%v) = %d, out of range [0,%d)", id, h, HashBuckets)
		}
	}
}

func TestHashStable(t *testing.T) {
	id := RingID{Addr: Address{Domain: 5, Port: 99}, Partner: 1}
	if Hash(id) != Hash(id) {
		t.Fatal("Hash is not deterministic")
	}
}

func TestRingHeaderSize(t *testing.T) {
	var h RingHeader
	if sz := unsafe.Sizeof(h); sz != RingHeaderSize {
		t.Fatalf("RingHeader is %d bytes, want %d", sz, RingHeaderSize)
	}
}
