package sliq

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the datagram transport a ConnectionManager reads from and writes
// to.
type Socket interface {
	ReadFrom(b []byte) (int, netip.AddrPort, error)
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() netip.AddrPort
	Close() error
}

// SocketConfig tunes a UDP socket created by ListenUDP. Zero values keep the
// operating system defaults.
type SocketConfig struct {
	ReceiveBufferSize int
	SendBufferSize    int
	// TOS is the IPv4 type of service byte, or the IPv6 traffic class, of
	// every outgoing datagram.
	TOS int
}

type udpSocket struct {
	conn  *net.UDPConn
	local netip.AddrPort
}

// ListenUDP opens a UDP socket on addr ("host:port").
func ListenUDP(addr string, cfg SocketConfig) (Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	if err := configureSocket(conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	s := &udpSocket{conn: conn, local: conn.LocalAddr().(*net.UDPAddr).AddrPort()}
	log.Info().Str("addr", s.local.String()).Msg("listening")
	return s, nil
}

func configureSocket(conn *net.UDPConn, cfg SocketConfig) error {
	if cfg.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReceiveBufferSize); err != nil {
			return fmt.Errorf("set receive buffer: %w", err)
		}
		if err := forceSetBufferSizes(conn, cfg.ReceiveBufferSize, 0); err != nil {
			log.Warn().Err(err).Int("size", cfg.ReceiveBufferSize).Msg("failed to raise receive buffer")
		}
	}
	if cfg.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			return fmt.Errorf("set send buffer: %w", err)
		}
		if err := forceSetBufferSizes(conn, 0, cfg.SendBufferSize); err != nil {
			log.Warn().Err(err).Int("size", cfg.SendBufferSize).Msg("failed to raise send buffer")
		}
	}
	if cfg.TOS == 0 {
		return nil
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	if local.IP.To4() != nil || local.IP.IsUnspecified() {
		if err := ipv4.NewConn(conn).SetTOS(cfg.TOS); err != nil {
			return fmt.Errorf("set tos: %w", err)
		}
	}
	if local.IP.To4() == nil {
		if err := ipv6.NewConn(conn).SetTrafficClass(cfg.TOS); err != nil {
			return fmt.Errorf("set traffic class: %w", err)
		}
	}
	return nil
}

func (s *udpSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(b)
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), err
}

func (s *udpSocket) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, addr)
}

func (s *udpSocket) LocalAddr() netip.AddrPort { return s.local }
func (s *udpSocket) Close() error              { return s.conn.Close() }
