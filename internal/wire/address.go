// Package wire defines the shared value types and plaintext wire codec used
// by the reliable transport: Address, Username, NotifMessage, the message
// taxonomy, and their serialization.
package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is an IPv4 address and UDP port pair, totally ordered
// lexicographically on (ip, port).
type Address struct {
	IP   [4]byte
	Port uint16
}

// NewAddress builds an Address from a net.UDPAddr, rejecting non-IPv4
// addresses.
func NewAddress(udpAddr *net.UDPAddr) (Address, error) {
	if udpAddr == nil {
		return Address{}, fmt.Errorf("wire: nil udp address")
	}
	ip4 := udpAddr.IP.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("wire: address %s is not IPv4", udpAddr.IP)
	}
	var addr Address
	copy(addr.IP[:], ip4)
	addr.Port = uint16(udpAddr.Port)
	return addr, nil
}

// ParseAddress parses "a.b.c.d:port" into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("wire: parse address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("wire: parse address %q: invalid ip", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("wire: parse address %q: not IPv4", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("wire: parse address %q: invalid port: %w", s, err)
	}
	var addr Address
	copy(addr.IP[:], ip4)
	addr.Port = uint16(port)
	return addr, nil
}

// String renders the address as "a.b.c.d:port".
func (a Address) String() string {
	var b strings.Builder
	for i, octet := range a.IP {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(octet)))
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(a.Port)))
	return b.String()
}

// UDPAddr converts the Address back into a *net.UDPAddr for socket I/O.
func (a Address) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, a.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// Compare returns -1, 0 or 1 comparing a to other lexicographically on
// (IP, Port).
func (a Address) Compare(other Address) int {
	for i := 0; i < 4; i++ {
		if a.IP[i] != other.IP[i] {
			if a.IP[i] < other.IP[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.Port < other.Port:
		return -1
	case a.Port > other.Port:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before other.
func (a Address) Less(other Address) bool { return a.Compare(other) < 0 }
