// Package transport implements the reliable request/response layer over
// unreliable UDP datagrams: retransmission, response caching, sequence
// number dedup, and liveness pinging.
package transport

import (
	"errors"
	"net"
	"os"
	"time"

	"notifyfeed/server/internal/wire"
)

// ErrClosed is returned by Send/Receive once the endpoint has been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// DatagramEndpoint binds (optionally) to a UDP port and exchanges raw
// datagrams with remote addresses. It does not know about the wire codec:
// callers encode/decode envelopes themselves, matching the source's
// separation between Socket and the message serializer.
type DatagramEndpoint struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on addr (e.g. ":43127" or "0.0.0.0:0" for an
// ephemeral client port).
func Bind(addr string) (*DatagramEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	return &DatagramEndpoint{conn: conn}, nil
}

// LocalAddr returns the endpoint's bound address.
func (e *DatagramEndpoint) LocalAddr() (wire.Address, error) {
	udpAddr, ok := e.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return wire.Address{}, errors.New("transport: local address is not UDP")
	}
	if udpAddr.IP == nil || udpAddr.IP.To4() == nil {
		udpAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: udpAddr.Port}
	}
	return wire.NewAddress(udpAddr)
}

// Send transmits a single raw datagram to the given remote address.
func (e *DatagramEndpoint) Send(datagram []byte, to wire.Address) error {
	_, err := e.conn.WriteToUDP(datagram, to.UDPAddr())
	return err
}

const maxDatagramSize = 65507

// Receive waits up to timeout for a datagram. ok is false (with a nil
// error) if the deadline elapsed without one arriving, matching the
// source's "receive(timeout) returns absent on timeout" contract.
func (e *DatagramEndpoint) Receive(timeout time.Duration) (datagram []byte, from wire.Address, ok bool, err error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, wire.Address{}, false, err
	}
	buf := make([]byte, maxDatagramSize)
	n, udpAddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, wire.Address{}, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, wire.Address{}, false, ErrClosed
		}
		return nil, wire.Address{}, false, err
	}
	addr, err := wire.NewAddress(udpAddr)
	if err != nil {
		return nil, wire.Address{}, false, err
	}
	return buf[:n], addr, true, nil
}

// ReceiveBlocking waits indefinitely for the next datagram.
func (e *DatagramEndpoint) ReceiveBlocking() (datagram []byte, from wire.Address, err error) {
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, wire.Address{}, err
	}
	buf := make([]byte, maxDatagramSize)
	n, udpAddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, wire.Address{}, ErrClosed
		}
		return nil, wire.Address{}, err
	}
	addr, err := wire.NewAddress(udpAddr)
	if err != nil {
		return nil, wire.Address{}, err
	}
	return buf[:n], addr, nil
}

// Close releases the underlying socket. Any blocked Receive unblocks with
// ErrClosed.
func (e *DatagramEndpoint) Close() error {
	err := e.conn.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
