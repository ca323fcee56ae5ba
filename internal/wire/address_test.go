package wire

import (
	"net"
	"testing"
)

func TestParseAddressRoundTrip(t *testing.T) {
	addr, err := ParseAddress("192.168.1.7:4242")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if got, want := addr.String(), "192.168.1.7:4242"; got != want {
		t.Fatalf("String(): got %q, want %q", got, want)
	}
}

func TestNewAddressRejectsIPv6(t *testing.T) {
	udpAddr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 1234}
	if _, err := NewAddress(udpAddr); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestAddressCompareOrdersByIPThenPort(t *testing.T) {
	a := Address{IP: [4]byte{10, 0, 0, 1}, Port: 100}
	b := Address{IP: [4]byte{10, 0, 0, 1}, Port: 200}
	c := Address{IP: [4]byte{10, 0, 0, 2}, Port: 1}

	if !a.Less(b) {
		t.Fatal("expected a < b on port")
	}
	if !b.Less(c) {
		t.Fatal("expected b < c on ip")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestAddressUDPAddrRoundTrip(t *testing.T) {
	orig := &net.UDPAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 9000}
	addr, err := NewAddress(orig)
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	back := addr.UDPAddr()
	if !back.IP.Equal(orig.IP) || back.Port != orig.Port {
		t.Fatalf("UDPAddr round trip: got %v, want %v", back, orig)
	}
}
