package sliq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/go-sliq/internal/wire"
)

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	// Conn is the configuration of every connection the manager creates.
	Conn *Config

	// Profile, when set, adjusts Conn through ProfileConfig.Apply.
	Profile *ProfileConfig

	AccessList *AccessListConfig
	Limits     *ConnectionLimitsConfig
	TCBCache   TCBCacheConfig

	// BufferLimit bounds the packet buffers in use; 0 is unlimited.
	BufferLimit int

	// Registerer receives the transport metrics; nil disables them.
	Registerer prometheus.Registerer

	// Accept returns the handler of a connection opened by a peer. A nil
	// Accept refuses every incoming connection.
	Accept func(peer netip.AddrPort) Handler

	// CleanupInterval is how often rate limit history and expired cache
	// entries are pruned.
	CleanupInterval time.Duration

	Clock Clock
}

// DefaultManagerConfig returns a manager configuration that accepts nothing
// and applies no limits.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Conn:            DefaultConfig(),
		AccessList:      DefaultAccessListConfig(),
		Limits:          DefaultConnectionLimitsConfig(),
		TCBCache:        DefaultTCBCacheConfig(),
		CleanupInterval: time.Hour,
	}
}

// ConnectionManager owns a socket and routes its datagrams to connections.
//
// Architecture:
//   - A reader goroutine demultiplexes datagrams by peer address
//   - A client hello from an unknown peer creates a server side connection
//     once the access list and the connection limits admit it
//   - Each connection runs its own event loop in the manager's errgroup
//   - The TCB cache hands the RTT of closed connections to new ones
type ConnectionManager struct {
	sock  Socket
	cfg   ManagerConfig
	conn  *Config
	pool  *BufferPool
	clock Clock

	accessFilter *accessFilter
	limiter      *connectionLimiter
	tcbCache     *tcbCache
	metrics      bool

	mu     sync.Mutex
	conns  map[netip.AddrPort]*Connection
	nextID EndpointID
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	readers *errgroup.Group
	connsWG *errgroup.Group
}

// NewConnectionManager starts serving sock. The manager owns sock and closes
// it in Close.
func NewConnectionManager(sock Socket, cfg *ManagerConfig) (*ConnectionManager, error) {
	if sock == nil {
		return nil, fmt.Errorf("socket cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	connCfg := DefaultConfig()
	if cfg.Conn != nil {
		c := *cfg.Conn
		connCfg = &c
	}
	if cfg.Profile != nil {
		if err := cfg.Profile.Apply(connCfg); err != nil {
			return nil, err
		}
	}
	if err := connCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		sock:         sock,
		cfg:          *cfg,
		conn:         connCfg,
		pool:         NewBufferPool(cfg.BufferLimit),
		clock:        clock,
		accessFilter: newAccessFilter(cfg.AccessList),
		limiter:      newConnectionLimiter(cfg.Limits),
		tcbCache:     newTCBCache(cfg.TCBCache),
		conns:        make(map[netip.AddrPort]*Connection),
		nextID:       1,
		ctx:          ctx,
		cancel:       cancel,
		readers:      &errgroup.Group{},
		connsWG:      &errgroup.Group{},
	}
	if cfg.Registerer != nil {
		registerMetrics(cfg.Registerer)
		m.metrics = true
	}

	m.readers.Go(m.readLoop)
	if cfg.CleanupInterval > 0 {
		m.readers.Go(m.cleanupLoop)
	}
	log.Info().
		Str("local", sock.LocalAddr().String()).
		Str("algorithm", connCfg.CongestionControl.Algorithm.String()).
		Msg("connection manager started")
	return m, nil
}

// LocalAddr returns the address of the manager's socket.
func (m *ConnectionManager) LocalAddr() netip.AddrPort { return m.sock.LocalAddr() }

// Connections returns the number of live connections.
func (m *ConnectionManager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Connect opens a connection to peer and waits for the handshake to
// complete. Cancelling ctx abandons the attempt.
func (m *ConnectionManager) Connect(ctx context.Context, peer netip.AddrPort, handler Handler) (*Connection, error) {
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	if err := m.limiter.RecordOutgoing(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", peer, err)
	}
	c, err := m.startConnection(peer, handler, true)
	if err != nil {
		m.limiter.ConnectionClosed()
		return nil, fmt.Errorf("connect to %s: %w", peer, err)
	}

	select {
	case <-c.hsDone:
		if c.hsErr != nil {
			return nil, fmt.Errorf("connect to %s: %w", peer, c.hsErr)
		}
		return c, nil
	case <-ctx.Done():
		_ = c.do(func(time.Time) { c.finish(ctx.Err()) })
		return nil, fmt.Errorf("connect to %s: %w", peer, ctx.Err())
	}
}

// startConnection creates and runs a connection to peer.
func (m *ConnectionManager) startConnection(peer netip.AddrPort, handler Handler, isClient bool) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if old, ok := m.conns[peer]; ok {
		return nil, fmt.Errorf("connection %d to %s already exists", old.ID(), peer)
	}
	id := m.nextID
	m.nextID++
	c, err := newConnection(connParams{
		id:       id,
		cfg:      m.conn,
		isClient: isClient,
		peer:     peer,
		out:      m.sock,
		handler:  handler,
		clock:    m.clock,
		pool:     m.pool,
		metrics:  m.metrics,
		onClosed: m.connectionClosed,
	})
	if err != nil {
		return nil, err
	}
	if srtt, dev, ok := m.tcbCache.Get(peer.Addr(), m.clock.Now()); ok {
		c.rtt.Seed(srtt, dev)
	}
	if isClient {
		c.startHandshake(m.clock.Now())
	}
	m.conns[peer] = c
	m.connsWG.Go(func() error { return c.run(m.ctx) })
	return c, nil
}

// connectionClosed runs on the connection's event loop when it finishes.
func (m *ConnectionManager) connectionClosed(c *Connection) {
	m.mu.Lock()
	if m.conns[c.peer] == c {
		delete(m.conns, c.peer)
	}
	m.mu.Unlock()
	m.limiter.ConnectionClosed()
	if c.established {
		m.tcbCache.Put(c.peer.Addr(), c.rtt.SmoothedRTT(), c.rtt.MeanDeviation(), m.clock.Now())
	}
}

func (m *ConnectionManager) readLoop() error {
	var scratch [wire.MaxPacketSize]byte
	for {
		b, err := m.pool.Acquire()
		if err != nil {
			// Keep draining the socket so the kernel buffer does not stall.
			_, addr, rerr := m.sock.ReadFrom(scratch[:])
			if rerr != nil {
				if isTimeout(rerr) && m.ctx.Err() == nil {
					continue
				}
				return m.readError(rerr)
			}
			m.dropped("buffers_exhausted")
			log.Warn().Str("peer", addr.String()).Err(err).Msg("dropping datagram")
			continue
		}
		n, addr, err := m.sock.ReadFrom(b.Full())
		if err != nil {
			m.pool.Release(b)
			if isTimeout(err) && m.ctx.Err() == nil {
				continue
			}
			return m.readError(err)
		}
		b.SetLen(n)
		m.dispatch(b, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readError reports why the reader stopped. A closed socket ends it without
// error.
func (m *ConnectionManager) readError(err error) error {
	if errors.Is(err, net.ErrClosed) || m.ctx.Err() != nil {
		return nil
	}
	log.Error().Err(err).Msg("socket read failed")
	return fmt.Errorf("read from socket: %w", err)
}

// dispatch routes one datagram, taking ownership of b.
func (m *ConnectionManager) dispatch(b *Buffer, from netip.AddrPort) {
	m.mu.Lock()
	c, ok := m.conns[from]
	m.mu.Unlock()
	if ok {
		if err := c.deliver(b); err != nil {
			m.dropped(deliverDropReason(err))
		}
		return
	}

	h, _, err := wire.ParseHeader(b.Bytes())
	if err != nil {
		log.Debug().Err(err).Str("peer", from.String()).Msg("dropping malformed datagram from unknown peer")
		m.dropped("malformed")
		m.pool.Release(b)
		return
	}
	switch h := h.(type) {
	case *wire.ConnHandshakeHeader:
		if h.Tag == wire.MsgClientHello {
			m.handleClientHello(b, h, from)
			return
		}
	case *wire.CloseConnHeader:
		// The close ack was lost after the connection finished.
		if !h.Ack {
			m.reply(from, &wire.CloseConnHeader{Ack: true, Reason: h.Reason})
		}
	}
	m.dropped("unknown_peer")
	m.pool.Release(b)
}

// handleClientHello admits or rejects a new incoming connection.
func (m *ConnectionManager) handleClientHello(b *Buffer, h *wire.ConnHandshakeHeader, from netip.AddrPort) {
	reject := func(reason string) {
		m.dropped(reason)
		m.reply(from, &wire.ConnHandshakeHeader{
			Tag:           wire.MsgReject,
			EchoTimestamp: h.Timestamp,
			ClientID:      h.ClientID,
		})
		m.pool.Release(b)
	}

	if m.cfg.Accept == nil {
		reject("not_accepting")
		return
	}
	if err := m.accessFilter.CheckAndLog(from.Addr()); err != nil {
		reject("access_denied")
		return
	}
	if err := m.limiter.CheckAndRecordConnection(from.Addr(), m.clock.Now()); err != nil {
		logLimitExceeded(m.limiter.GetConfig(), from, err.Error())
		if m.limiter.GetConfig().LimitAction == LimitActionDrop {
			m.dropped("rate_limited")
			m.pool.Release(b)
			return
		}
		reject("rate_limited")
		return
	}

	c, err := m.startConnection(from, m.cfg.Accept(from), false)
	if err != nil {
		m.limiter.ConnectionClosed()
		log.Warn().Err(err).Str("peer", from.String()).Msg("failed to accept connection")
		m.dropped("accept_failed")
		m.pool.Release(b)
		return
	}
	log.Info().
		Str("peer", from.String()).
		Uint32("client_id", h.ClientID).
		Uint32("conn", uint32(c.ID())).
		Msg("accepted connection")
	if err := c.deliver(b); err != nil {
		m.dropped(deliverDropReason(err))
	}
}

// reply sends a single header to a peer that has no connection.
func (m *ConnectionManager) reply(to netip.AddrPort, h wire.Header) {
	var buf [wire.MaxPacketSize]byte
	b, err := wire.AppendHeader(buf[:0], h)
	if err != nil {
		log.Error().Err(err).Msg("failed to build reply")
		return
	}
	if _, err := m.sock.WriteTo(b, to); err != nil {
		log.Warn().Err(err).Str("peer", to.String()).Msg("failed to send reply")
	}
}

func deliverDropReason(err error) string {
	if errors.Is(err, ErrConnectionClosed) {
		return "conn_closed"
	}
	return "queue_full"
}

func (m *ConnectionManager) dropped(reason string) {
	if m.metrics {
		droppedDatagrams.WithLabelValues(reason).Inc()
	}
}

func (m *ConnectionManager) cleanupLoop() error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			now := m.clock.Now()
			m.limiter.CleanupStaleHistory(now)
			m.tcbCache.CleanupExpired(now)
		}
	}
}

// Close resets every connection, closes the socket and waits for all
// goroutines to exit.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	log.Info().Int("connections", m.Connections()).Msg("closing connection manager")
	m.cancel()
	connErr := m.connsWG.Wait()
	sockErr := m.sock.Close()
	readErr := m.readers.Wait()
	return errors.Join(connErr, sockErr, readErr)
}

// SetConnectionLimits replaces the connection limits.
func (m *ConnectionManager) SetConnectionLimits(config *ConnectionLimitsConfig) {
	m.limiter.SetConfig(config)
}

// GetConnectionLimits returns a copy of the connection limits.
func (m *ConnectionManager) GetConnectionLimits() *ConnectionLimitsConfig {
	return m.limiter.GetConfig()
}

// ActiveConnections returns the connections counted by the limiter.
func (m *ConnectionManager) ActiveConnections() int { return m.limiter.ActiveConns() }

// SetAccessFilter replaces the access list.
func (m *ConnectionManager) SetAccessFilter(config *AccessListConfig) {
	m.accessFilter.SetConfig(config)
}

// GetAccessFilter returns a copy of the access list.
func (m *ConnectionManager) GetAccessFilter() *AccessListConfig {
	return m.accessFilter.GetConfig()
}

// AddToAccessList adds an address or prefix to the access list.
func (m *ConnectionManager) AddToAccessList(entry string) { m.accessFilter.AddPrefix(entry) }

// RemoveFromAccessList removes an address or prefix from the access list.
func (m *ConnectionManager) RemoveFromAccessList(entry string) { m.accessFilter.RemovePrefix(entry) }

// GetTCBCacheConfig returns the TCB cache configuration.
func (m *ConnectionManager) GetTCBCacheConfig() TCBCacheConfig { return m.tcbCache.GetConfig() }

// SetTCBCacheConfig replaces the TCB cache configuration.
func (m *ConnectionManager) SetTCBCacheConfig(config TCBCacheConfig) { m.tcbCache.SetConfig(config) }

// CleanupTCBCache removes expired cache entries and returns how many.
func (m *ConnectionManager) CleanupTCBCache() int { return m.tcbCache.CleanupExpired(m.clock.Now()) }
