package dht

import (
	"net"

	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var socketLogger = log.Named("dht/socket")

// UDPSocket is the production Socket: a bound UDP listener plus a
// read loop that hands decoded packets to a Node.
type UDPSocket struct {
	conn  *net.UDPConn
	local Endpoint
	quit  chan struct{}
}

// ListenUDP binds addr ("host:port", empty host for all interfaces)
// and returns a ready-to-use socket.
func ListenUDP(addr string) (*UDPSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, NewError("listen_udp", err, addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, NewError("listen_udp", err, addr)
	}
	return &UDPSocket{
		conn:  conn,
		local: Endpoint(conn.LocalAddr().String()),
		quit:  make(chan struct{}),
	}, nil
}

func (s *UDPSocket) WriteTo(b []byte, ep Endpoint) error {
	addr, err := net.ResolveUDPAddr("udp", string(ep))
	if err != nil {
		return NewError("write_to", err, string(ep))
	}
	_, err = s.conn.WriteToUDP(b, addr)
	return err
}

func (s *UDPSocket) LocalEndpoint() Endpoint { return s.local }

// Serve reads datagrams until Close, dispatching each to handle.
// Read errors are logged and skipped rather than propagated, since one
// bad peer packet must never stop the read loop; a datagram longer than
// 4096 bytes is handed on truncated to that length.
func (s *UDPSocket) Serve(handle func(from Endpoint, raw []byte)) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		select {
		case <-s.quit:
			return
		default:
		}
		if err != nil {
			socketLogger.Debug("udp read error", "err", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		handle(Endpoint(addr.String()), pkt)
	}
}

func (s *UDPSocket) Close() error {
	close(s.quit)
	return s.conn.Close()
}
