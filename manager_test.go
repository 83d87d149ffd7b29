package sliq

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/go-i2p/go-sliq/internal/wire"
)

type memDatagram struct {
	peer netip.AddrPort
	data []byte
}

// memNetwork delivers datagrams between in-memory sockets. Like UDP it
// drops what it cannot deliver.
type memNetwork struct {
	mu    sync.Mutex
	socks map[netip.AddrPort]*memSocket
}

func newMemNetwork() *memNetwork {
	return &memNetwork{socks: make(map[netip.AddrPort]*memSocket)}
}

func (n *memNetwork) listen(addr netip.AddrPort) *memSocket {
	s := &memSocket{
		net:    n,
		local:  addr,
		inbox:  make(chan memDatagram, 1024),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.socks[addr] = s
	n.mu.Unlock()
	return s
}

type memSocket struct {
	net       *memNetwork
	local     netip.AddrPort
	inbox     chan memDatagram
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Socket = &memSocket{}

func (s *memSocket) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-s.inbox:
		return copy(b, d.data), d.peer, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (s *memSocket) WriteTo(b []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	s.net.mu.Lock()
	peer, ok := s.net.socks[addr]
	s.net.mu.Unlock()
	if ok {
		select {
		case peer.inbox <- memDatagram{peer: s.local, data: bytes.Clone(b)}:
		default:
		}
	}
	return len(b), nil
}

func (s *memSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *memSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// scriptedSocket backs a MockSocket: reads come from in, writes are
// recorded.
type scriptedSocket struct {
	in     chan memDatagram
	closed chan struct{}

	mu     sync.Mutex
	writes []memDatagram
}

func newScriptedSocket(t *testing.T, local netip.AddrPort) (*MockSocket, *scriptedSocket) {
	t.Helper()
	ctrl := gomock.NewController(t)
	sock := NewMockSocket(ctrl)
	s := &scriptedSocket{
		in:     make(chan memDatagram, 16),
		closed: make(chan struct{}),
	}
	sock.EXPECT().LocalAddr().Return(local).AnyTimes()
	sock.EXPECT().ReadFrom(gomock.Any()).DoAndReturn(func(b []byte) (int, netip.AddrPort, error) {
		select {
		case d := <-s.in:
			return copy(b, d.data), d.peer, nil
		case <-s.closed:
			return 0, netip.AddrPort{}, net.ErrClosed
		}
	}).AnyTimes()
	sock.EXPECT().WriteTo(gomock.Any(), gomock.Any()).DoAndReturn(func(b []byte, to netip.AddrPort) (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.writes = append(s.writes, memDatagram{peer: to, data: bytes.Clone(b)})
		return len(b), nil
	}).AnyTimes()
	sock.EXPECT().Close().DoAndReturn(func() error {
		close(s.closed)
		return nil
	}).Times(1)
	return sock, s
}

func (s *scriptedSocket) send(from netip.AddrPort, h wire.Header) {
	b, err := wire.AppendHeader(nil, h)
	if err != nil {
		panic(err)
	}
	s.in <- memDatagram{peer: from, data: b}
}

func (s *scriptedSocket) writesTo(to netip.AddrPort) []wire.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Header
	for _, w := range s.writes {
		if w.peer != to {
			continue
		}
		if h, _, err := wire.ParseHeader(w.data); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// waitWrite waits for the first datagram sent to peer.
func (s *scriptedSocket) waitWrite(t *testing.T, to netip.AddrPort) wire.Header {
	t.Helper()
	var h wire.Header
	require.Eventually(t, func() bool {
		if hs := s.writesTo(to); len(hs) > 0 {
			h = hs[0]
			return true
		}
		return false
	}, 5*time.Second, time.Millisecond, "nothing sent to %s", to)
	return h
}

func clientHello(clientID uint32) *wire.ConnHandshakeHeader {
	return &wire.ConnHandshakeHeader{
		Tag:        wire.MsgClientHello,
		Timestamp:  1234,
		Algorithms: []wire.CcAlgorithm{offeredAlgorithm(DefaultConfig().CongestionControl)},
		ClientID:   clientID,
	}
}

func requireReject(t *testing.T, h wire.Header, clientID uint32) {
	t.Helper()
	hs, ok := h.(*wire.ConnHandshakeHeader)
	require.True(t, ok, "got %T", h)
	assert.Equal(t, wire.MsgReject, hs.Tag)
	assert.Equal(t, clientID, hs.ClientID)
	assert.Equal(t, uint32(1234), hs.EchoTimestamp)
}

// TestConnectionManagerValidation verifies constructor argument checks.
func TestConnectionManagerValidation(t *testing.T) {
	_, err := NewConnectionManager(nil, nil)
	assert.Error(t, err)

	sock := newMemNetwork().listen(serverAddr)
	cfg := DefaultManagerConfig()
	cfg.Profile = &ProfileConfig{Profile: 9}
	_, err = NewConnectionManager(sock, cfg)
	assert.Error(t, err)

	cfg = DefaultManagerConfig()
	cfg.Conn.MinRTO = 0
	_, err = NewConnectionManager(sock, cfg)
	assert.ErrorContains(t, err, "invalid connection config")
}

// TestConnectionManagerRejectsWithoutAccept verifies that a manager without
// an Accept function answers a client hello with a reject.
func TestConnectionManagerRejectsWithoutAccept(t *testing.T) {
	sock, script := newScriptedSocket(t, serverAddr)
	m, err := NewConnectionManager(sock, nil)
	require.NoError(t, err)

	script.send(clientAddr, clientHello(42))
	requireReject(t, script.waitWrite(t, clientAddr), 42)
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, 0, m.ActiveConnections())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

// TestConnectionManagerAccessList verifies that peers outside the whitelist
// are rejected and that the list can change at runtime.
func TestConnectionManagerAccessList(t *testing.T) {
	sock, script := newScriptedSocket(t, serverAddr)
	cfg := DefaultManagerConfig()
	cfg.Accept = func(netip.AddrPort) Handler { return NopHandler{} }
	cfg.AccessList = &AccessListConfig{
		Mode:                 AccessListModeWhitelist,
		Prefixes:             []string{"198.51.100.0/24"},
		DisableRejectLogging: true,
	}
	m, err := NewConnectionManager(sock, cfg)
	require.NoError(t, err)
	defer m.Close()

	script.send(clientAddr, clientHello(5))
	requireReject(t, script.waitWrite(t, clientAddr), 5)
	assert.Equal(t, 0, m.Connections())

	m.AddToAccessList(clientAddr.Addr().String())
	assert.Len(t, m.GetAccessFilter().Prefixes, 2)
	other := netip.MustParseAddrPort("192.0.2.50:4000")
	script.send(other, clientHello(6))
	requireReject(t, script.waitWrite(t, other), 6)

	m.RemoveFromAccessList(clientAddr.Addr().String())
	assert.Equal(t, []string{"198.51.100.0/24"}, m.GetAccessFilter().Prefixes)
}

// TestConnectionManagerAcceptAndLimit verifies that an admitted client hello
// creates a server connection that answers with a server hello, and that
// the concurrency limit silently drops further hellos in drop mode.
func TestConnectionManagerAcceptAndLimit(t *testing.T) {
	sock, script := newScriptedSocket(t, serverAddr)
	cfg := DefaultManagerConfig()
	cfg.Accept = func(netip.AddrPort) Handler { return NopHandler{} }
	cfg.Limits = &ConnectionLimitsConfig{
		MaxConcurrentConns:   1,
		LimitAction:          LimitActionDrop,
		DisableRejectLogging: true,
	}
	m, err := NewConnectionManager(sock, cfg)
	require.NoError(t, err)

	script.send(clientAddr, clientHello(11))
	h, ok := script.waitWrite(t, clientAddr).(*wire.ConnHandshakeHeader)
	require.True(t, ok)
	assert.Equal(t, wire.MsgServerHello, h.Tag)
	assert.Equal(t, uint32(11), h.ClientID)
	require.Len(t, h.Algorithms, 1)
	assert.Equal(t, 1, m.Connections())
	assert.Equal(t, 1, m.ActiveConnections())

	dropped := netip.MustParseAddrPort("192.0.2.3:4000")
	script.send(dropped, clientHello(12))
	// A stateless reply to a later datagram shows the hello was processed.
	barrier := netip.MustParseAddrPort("192.0.2.4:4000")
	script.send(barrier, &wire.CloseConnHeader{Reason: 1})
	script.waitWrite(t, barrier)
	assert.Empty(t, script.writesTo(dropped))
	assert.Equal(t, 1, m.Connections())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Connections())
	assert.Equal(t, 0, m.ActiveConnections())
}

// TestConnectionManagerStatelessReplies verifies the handling of datagrams
// from peers without a connection.
func TestConnectionManagerStatelessReplies(t *testing.T) {
	sock, script := newScriptedSocket(t, serverAddr)
	m, err := NewConnectionManager(sock, nil)
	require.NoError(t, err)
	defer m.Close()

	quiet := netip.MustParseAddrPort("192.0.2.10:4000")
	script.in <- memDatagram{peer: quiet, data: []byte{0xff, 0x00}}
	script.send(quiet, &wire.CloseConnHeader{Ack: true})
	script.send(quiet, &wire.ResetConnHeader{ErrorCode: 2})

	script.send(clientAddr, &wire.CloseConnHeader{Reason: 3})
	h, ok := script.waitWrite(t, clientAddr).(*wire.CloseConnHeader)
	require.True(t, ok)
	assert.True(t, h.Ack)
	assert.Equal(t, uint16(3), h.Reason)
	assert.Empty(t, script.writesTo(quiet))
}

// connCapture records connections as their handshakes complete.
type connCapture struct {
	*recordingHandler
	conns chan *Connection
}

func newConnCapture() *connCapture {
	return &connCapture{recordingHandler: newRecordingHandler(), conns: make(chan *Connection, 4)}
}

func (h *connCapture) OnConnectionResult(c *Connection, err error) {
	h.recordingHandler.OnConnectionResult(c, err)
	if err == nil {
		h.conns <- c
	}
}

// TestConnectionManagerRoundTrip verifies a connection between two managers
// over an in-memory network: handshake, data transfer, graceful close and
// the RTT the client hands to its cache.
func TestConnectionManagerRoundTrip(t *testing.T) {
	network := newMemNetwork()
	serverHandler := newConnCapture()
	serverCfg := DefaultManagerConfig()
	serverCfg.Accept = func(netip.AddrPort) Handler { return serverHandler }
	serverCfg.Registerer = prometheus.NewRegistry()
	server, err := NewConnectionManager(network.listen(serverAddr), serverCfg)
	require.NoError(t, err)
	defer server.Close()

	clientCfg := DefaultManagerConfig()
	clientCfg.Profile = &ProfileConfig{Profile: ProfileInteractive}
	client, err := NewConnectionManager(network.listen(clientAddr), clientCfg)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientHandler := newRecordingHandler()
	c, err := client.Connect(ctx, serverAddr, clientHandler)
	require.NoError(t, err)
	assert.True(t, c.IsClient())
	assert.Equal(t, serverAddr, c.RemoteAddr())

	_, err = client.Connect(ctx, serverAddr, clientHandler)
	assert.ErrorContains(t, err, "already exists")

	var sc *Connection
	select {
	case sc = <-serverHandler.conns:
	case <-ctx.Done():
		t.Fatal("server connection not established")
	}
	assert.False(t, sc.IsClient())
	assert.Equal(t, clientAddr, sc.RemoteAddr())

	st, err := sc.Stats()
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, st.State)
	assert.Equal(t, "copa", st.Algorithm.String())

	id, err := c.NewStream(DefaultStreamConfig())
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	require.NoError(t, c.Send(id, payload))
	require.NoError(t, c.CloseStream(id))

	var (
		got     []byte
		recvErr error
	)
	require.Eventually(t, func() bool {
		var data []byte
		data, recvErr = sc.Recv(id)
		got = append(got, data...)
		// The stream exists once the peer's CreateStream arrived.
		return recvErr != nil && !errors.Is(recvErr, ErrNoData) && !errors.Is(recvErr, ErrStreamNotFound)
	}, 10*time.Second, time.Millisecond)
	assert.ErrorIs(t, recvErr, io.EOF)
	assert.Equal(t, payload, got)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client connection did not close")
	}
	assert.NoError(t, c.Err())
	select {
	case <-sc.Done():
	case <-ctx.Done():
		t.Fatal("server connection did not close")
	}
	assert.NoError(t, sc.Err())

	require.Eventually(t, func() bool {
		return client.Connections() == 0 && server.Connections() == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, client.tcbCache.Size())

	require.NoError(t, client.Close())
	_, err = client.Connect(ctx, serverAddr, clientHandler)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// TestConnectionManagerConnectCancelled verifies that Connect gives up when
// its context ends before the peer answers.
func TestConnectionManagerConnectCancelled(t *testing.T) {
	network := newMemNetwork()
	m, err := NewConnectionManager(network.listen(clientAddr), nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Connect(ctx, serverAddr, NopHandler{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return m.Connections() == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, m.ActiveConnections())
}

// TestConnectionManagerRuntimeConfig verifies the accessors for the limits
// and the TCB cache.
func TestConnectionManagerRuntimeConfig(t *testing.T) {
	m, err := NewConnectionManager(newMemNetwork().listen(serverAddr), nil)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, serverAddr, m.LocalAddr())

	m.SetConnectionLimits(&ConnectionLimitsConfig{MaxConcurrentConns: 4})
	assert.Equal(t, 4, m.GetConnectionLimits().MaxConcurrentConns)

	cacheCfg := m.GetTCBCacheConfig()
	assert.True(t, cacheCfg.Enabled)
	cacheCfg.EntryTTL = time.Nanosecond
	m.SetTCBCacheConfig(cacheCfg)
	m.tcbCache.Put(clientAddr.Addr(), time.Millisecond, time.Millisecond, time.Now().Add(-time.Second))
	assert.Equal(t, 1, m.CleanupTCBCache())

	m.SetAccessFilter(&AccessListConfig{Mode: AccessListModeBlacklist})
	assert.Equal(t, AccessListModeBlacklist, m.GetAccessFilter().Mode)
}
