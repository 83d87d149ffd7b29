// Package sliq implements SLIQ, a congestion controlled, datagram based
// reliable transport that multiplexes up to 32 prioritized streams over one
// UDP socket between two endpoints.
//
// Architecture:
//   - A ConnectionManager owns the socket and demultiplexes datagrams to
//     Connections by peer address
//   - Each Connection runs a single event loop that serializes inbound
//     datagrams, API calls and timer expiries
//   - Each Stream owns a sent and a received packet tracker and chooses its
//     own reliability and delivery modes
//   - All streams of a connection share one congestion controller, selected
//     from the closed set in internal/congestion during the handshake
package sliq

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

// Handler receives the lifecycle events of a connection. Methods are called
// one at a time, in event order, from a goroutine owned by the connection,
// and may call back into the Connection.
type Handler interface {
	// OnConnectionResult reports the outcome of the handshake. A nil error
	// means the connection is established.
	OnConnectionResult(c *Connection, err error)
	// OnNewStream reports a stream opened by the peer.
	OnNewStream(c *Connection, id StreamID, cfg StreamConfig)
	// OnRecvData reports that Recv on the stream has something to return.
	OnRecvData(c *Connection, id StreamID)
	// OnCloseStream reports that a stream is closed, with a nil error when
	// both directions finished gracefully.
	OnCloseStream(c *Connection, id StreamID, err error)
	// OnConnectionClosed reports the end of an established connection.
	OnConnectionClosed(c *Connection, err error)
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnConnectionResult(*Connection, error)           {}
func (NopHandler) OnNewStream(*Connection, StreamID, StreamConfig) {}
func (NopHandler) OnRecvData(*Connection, StreamID)                {}
func (NopHandler) OnCloseStream(*Connection, StreamID, error)      {}
func (NopHandler) OnConnectionClosed(*Connection, error)           {}

// ConnState represents the state of a connection.
type ConnState uint8

const (
	StateHandshaking ConnState = iota
	StateEstablished
	StateClosing
	StateClosed
)

// String returns a human-readable name for the state.
func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", uint8(s))
	}
}

// EndpointID identifies a connection locally; the client's id travels in the
// handshake.
type EndpointID uint32

// datagramWriter is the socket side a connection writes to.
type datagramWriter interface {
	WriteTo(b []byte, addr netip.AddrPort) (int, error)
}

const incomingQueueLen = 256

var errInboundQueueFull = errors.New("inbound queue full")

// Connection is the session between this endpoint and one peer.
type Connection struct {
	id       EndpointID
	cfg      *Config
	isClient bool
	peer     netip.AddrPort
	out      datagramWriter
	handler  Handler
	clock    Clock
	pool     *BufferPool
	metrics  *connMetrics
	log      zerolog.Logger

	epoch time.Time
	now   time.Time
	state ConnState

	cc  congestion.Controller
	rtt *RttEstimator

	streams map[StreamID]*Stream
	prio    [NumPriorities][]StreamID
	rrNext  [NumPriorities]int

	timers *timerSet

	hsAttempts    int
	peerClientID  uint32
	peerHelloTs   uint32
	peerHelloAt   time.Time
	established   bool
	closeAttempts int
	closeReason   ConnErrorCode
	closeAcked    bool
	peerClosed    bool
	discarded     bool

	consecutiveRtos int
	lastRto         time.Time
	lastRecv        time.Time
	lastDataSend    time.Time
	inOutage        bool

	dataPktsSent uint32
	connMeasSeq  uint16
	peerMaxOWD   time.Duration
	trainRxSeq   uint8
	trainRxLast  time.Time
	trainTxSeq   uint8

	sendBuf []byte

	incoming  chan *Buffer
	cmds      chan func(now time.Time)
	callbacks callbackQueue
	hsDone    chan struct{}
	hsErr     error
	done      chan struct{}
	closeErr  error
	onClosed  func(*Connection)
}

// connParams are the construction parameters of a Connection.
type connParams struct {
	id       EndpointID
	cfg      *Config
	isClient bool
	peer     netip.AddrPort
	out      datagramWriter
	handler  Handler
	clock    Clock
	pool     *BufferPool
	metrics  bool
	onClosed func(*Connection)
}

func newConnection(p connParams) (*Connection, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if p.handler == nil {
		p.handler = NopHandler{}
	}
	if p.clock == nil {
		p.clock = systemClock{}
	}
	if p.pool == nil {
		p.pool = NewBufferPool(0)
	}
	now := p.clock.Now()
	cfg := *p.cfg
	c := &Connection{
		id:       p.id,
		cfg:      &cfg,
		isClient: p.isClient,
		peer:     p.peer,
		out:      p.out,
		handler:  p.handler,
		clock:    p.clock,
		pool:     p.pool,
		epoch:    now,
		now:      now,
		rtt:      NewRttEstimator(p.cfg),
		streams:  make(map[StreamID]*Stream),
		timers:   newTimerSet(),
		sendBuf:  make([]byte, 0, wire.MaxPacketSize),
		incoming: make(chan *Buffer, incomingQueueLen),
		cmds:     make(chan func(now time.Time)),
		hsDone:   make(chan struct{}),
		done:     make(chan struct{}),
		onClosed: p.onClosed,
	}
	c.callbacks.signal = make(chan struct{}, 1)
	c.log = log.With().
		Uint32("conn", uint32(p.id)).
		Str("peer", p.peer.String()).
		Bool("client", p.isClient).
		Logger()
	if p.metrics {
		c.metrics = newConnMetrics(p.isClient, now)
	}
	if p.isClient {
		params := cfg.CongestionControl
		params.IsClient = true
		cc, err := congestion.New(params, now)
		if err != nil {
			return nil, fmt.Errorf("create congestion controller: %w", err)
		}
		c.cc = cc
	}
	return c, nil
}

func (c *Connection) ID() EndpointID             { return c.id }
func (c *Connection) RemoteAddr() netip.AddrPort { return c.peer }
func (c *Connection) IsClient() bool             { return c.isClient }

// Done is closed once the connection's event loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, nil for a graceful close.
// It is only meaningful after Done is closed.
func (c *Connection) Err() error {
	<-c.done
	return c.closeErr
}

// run drives the connection until it closes or ctx is cancelled.
func (c *Connection) run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(c.callbacks.run)
	g.Go(func() error {
		defer c.callbacks.close()
		return c.loop(ctx)
	})
	return g.Wait()
}

func (c *Connection) loop(ctx context.Context) error {
	defer close(c.done)
	defer c.drainIncoming()
	timer := newLoopTimer()
	defer timer.Stop()

	for c.state != StateClosed {
		timer.Reset(c.timers.next(), c.clock.Now())
		select {
		case <-ctx.Done():
			c.abort(c.clock.Now())
			return nil
		case b := <-c.incoming:
			c.handleDatagram(b.Bytes(), c.clock.Now())
			c.pool.Release(b)
		case cmd := <-c.cmds:
			now := c.clock.Now()
			c.now = now
			cmd(now)
			c.afterEvent(now)
		case <-timer.Chan():
			timer.SetRead()
			c.onTimers(c.clock.Now())
		}
	}
	return nil
}

func (c *Connection) drainIncoming() {
	for {
		select {
		case b := <-c.incoming:
			c.pool.Release(b)
		default:
			return
		}
	}
}

// deliver queues a datagram for the event loop, taking ownership of b. It
// never blocks. The datagram is dropped with ErrConnectionClosed once the
// loop has exited and with errInboundQueueFull when the queue is full.
func (c *Connection) deliver(b *Buffer) error {
	select {
	case <-c.done:
		c.pool.Release(b)
		return ErrConnectionClosed
	default:
	}
	select {
	case c.incoming <- b:
		return nil
	default:
		c.log.Warn().Int("queued", len(c.incoming)).Msg("inbound queue full, dropping datagram")
		c.pool.Release(b)
		return errInboundQueueFull
	}
}

// do runs fn on the event loop and waits for it to finish.
func (c *Connection) do(fn func(now time.Time)) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func(now time.Time) {
		defer close(finished)
		fn(now)
	}:
	case <-c.done:
		return ErrConnectionClosed
	}
	<-finished
	return nil
}

// AddStream opens a stream with an explicit identifier. Clients open odd
// identifiers and servers even ones.
func (c *Connection) AddStream(id StreamID, cfg StreamConfig) error {
	var err error
	if doErr := c.do(func(now time.Time) { err = c.addStream(id, cfg, now) }); doErr != nil {
		return doErr
	}
	return err
}

// NewStream opens a stream on the lowest free identifier and returns it.
func (c *Connection) NewStream(cfg StreamConfig) (StreamID, error) {
	var (
		id  StreamID
		err error
	)
	doErr := c.do(func(now time.Time) {
		id, err = c.freeStreamID()
		if err == nil {
			err = c.addStream(id, cfg, now)
		}
	})
	if doErr != nil {
		return 0, doErr
	}
	return id, err
}

// Send queues data on a stream. It returns ErrWouldBlock when the data
// cannot be queued now.
func (c *Connection) Send(id StreamID, data []byte) error {
	var err error
	if doErr := c.do(func(now time.Time) { err = c.send(id, data) }); doErr != nil {
		return doErr
	}
	return err
}

// Recv returns the data buffered on a stream, ErrNoData when there is none
// and io.EOF after the peer finished sending.
func (c *Connection) Recv(id StreamID) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	doErr := c.do(func(time.Time) { data, err = c.recv(id) })
	if doErr != nil {
		return nil, doErr
	}
	return data, err
}

// CloseStream finishes the sending direction of a stream after its queued
// data.
func (c *Connection) CloseStream(id StreamID) error {
	var err error
	if doErr := c.do(func(time.Time) { err = c.closeStream(id) }); doErr != nil {
		return doErr
	}
	return err
}

// ResetStream aborts a stream in both directions.
func (c *Connection) ResetStream(id StreamID) error {
	var err error
	doErr := c.do(func(time.Time) {
		s, ok := c.streams[id]
		if !ok {
			err = fmt.Errorf("reset stream %d: %w", id, ErrStreamNotFound)
			return
		}
		c.failStream(s, ErrStreamClosed, StreamErrCancelled)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// StreamStats returns a snapshot of a stream's counters.
func (c *Connection) StreamStats(id StreamID) (StreamStats, error) {
	var (
		st  StreamStats
		err error
	)
	doErr := c.do(func(time.Time) {
		s, ok := c.streams[id]
		if !ok {
			err = fmt.Errorf("stream %d: %w", id, ErrStreamNotFound)
			return
		}
		st = s.Stats()
	})
	if doErr != nil {
		return st, doErr
	}
	return st, err
}

// ConnStats is a snapshot of a connection's state.
type ConnStats struct {
	State            ConnState
	SmoothedRTT      time.Duration
	MeanDeviation    time.Duration
	MinRTT           time.Duration
	MaxRTT           time.Duration
	PeerMaxOWD       time.Duration
	Algorithm        congestion.Algorithm
	CongestionWindow int64
	BytesInFlight    int64
	SendRate         uint64
	Streams          int
}

// Stats returns a snapshot of the connection.
func (c *Connection) Stats() (ConnStats, error) {
	var st ConnStats
	err := c.do(func(time.Time) { st = c.stats() })
	return st, err
}

func (c *Connection) stats() ConnStats {
	st := ConnStats{
		State:         c.state,
		SmoothedRTT:   c.rtt.SmoothedRTT(),
		MeanDeviation: c.rtt.MeanDeviation(),
		MinRTT:        c.rtt.MinRTT(),
		MaxRTT:        c.rtt.MaxRTT(),
		PeerMaxOWD:    c.peerMaxOWD,
		Streams:       len(c.streams),
	}
	if c.cc != nil {
		st.Algorithm = c.cc.Algorithm()
		st.CongestionWindow = c.cc.CongestionWindow()
		st.BytesInFlight = c.cc.BytesInFlight()
		st.SendRate = c.cc.SendRate()
	}
	return st
}

// Close starts a graceful close: every stream sends its queued data and a
// FIN, then the connection exchanges CloseConn with the peer. Close returns
// at once; Done reports completion.
func (c *Connection) Close() error {
	err := c.do(func(now time.Time) { c.initiateClose(now, ConnErrNone) })
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

func (c *Connection) wireTimestamp(now time.Time) uint32 { return timestampFor(c.epoch, now) }

func (c *Connection) localParity() StreamID {
	if c.isClient {
		return 1
	}
	return 0
}

func (c *Connection) validStreamID(id StreamID, local bool) bool {
	if id < MinStreamID || id > MaxStreamID {
		return false
	}
	parity := c.localParity()
	if !local {
		parity ^= 1
	}
	return id%2 == parity
}

func (c *Connection) freeStreamID() (StreamID, error) {
	for id := MinStreamID; id <= MaxStreamID; id++ {
		if !c.validStreamID(id, true) {
			continue
		}
		if s, ok := c.streams[id]; !ok || s.State().terminal() {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free stream id: %w", ErrResourceExhausted)
}

func (c *Connection) addStream(id StreamID, cfg StreamConfig, now time.Time) error {
	if c.state != StateEstablished {
		return fmt.Errorf("add stream %d: %w", id, ErrNotEstablished)
	}
	if !c.validStreamID(id, true) {
		return fmt.Errorf("add stream %d: %w", id, ErrInvalidStreamID)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("add stream %d: %w", id, err)
	}
	if s, ok := c.streams[id]; ok && !s.State().terminal() {
		return fmt.Errorf("add stream %d: %w", id, ErrStreamExists)
	}
	if cfg.Reliability == BestEffort {
		cfg.RexmitLimit = 0
	}
	s, err := newStream(c, c.cfg, id, cfg, true, c.cc, c.rtt, c.pool)
	if err != nil {
		return err
	}
	c.registerStream(s)
	if err := s.InitializeLocalStream(now); err != nil {
		return err
	}
	c.timers.set(timerKey{timerCreateStream, id}, now.Add(c.cfg.HandshakeInterval))
	return nil
}

func (c *Connection) registerStream(s *Stream) {
	if old, ok := c.streams[s.id]; ok {
		c.unschedule(old)
	}
	c.streams[s.id] = s
	p := s.cfg.Priority
	c.prio[p] = append(c.prio[p], s.id)
}

// unschedule removes a stream from the transmit rotation.
func (c *Connection) unschedule(s *Stream) {
	p := s.cfg.Priority
	for i, id := range c.prio[p] {
		if id == s.id {
			c.prio[p] = append(c.prio[p][:i], c.prio[p][i+1:]...)
			if c.rrNext[p] > i {
				c.rrNext[p]--
			}
			break
		}
	}
	if n := len(c.prio[p]); n == 0 || c.rrNext[p] >= n {
		c.rrNext[p] = 0
	}
	c.timers.cancel(timerKey{timerCreateStream, s.id})
}

func (c *Connection) send(id StreamID, data []byte) error {
	if c.state != StateEstablished {
		return fmt.Errorf("send on stream %d: %w", id, ErrNotEstablished)
	}
	s, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("send on stream %d: %w", id, ErrStreamNotFound)
	}
	if err := s.Send(data); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			c.log.Debug().Uint8("stream", uint8(id)).Err(err).Msg("send rejected")
		}
		return err
	}
	return nil
}

func (c *Connection) recv(id StreamID) ([]byte, error) {
	s, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("recv on stream %d: %w", id, ErrStreamNotFound)
	}
	return s.Recv()
}

func (c *Connection) closeStream(id StreamID) error {
	s, ok := c.streams[id]
	if !ok {
		return fmt.Errorf("close stream %d: %w", id, ErrStreamNotFound)
	}
	s.ImmediateHalfCloseNoSend()
	return nil
}

// failStream resets a stream after a stream fatal error.
func (c *Connection) failStream(s *Stream, err error, code StreamErrorCode) {
	if s.State().terminal() {
		return
	}
	if serr := s.reset(code, err); serr != nil {
		c.log.Warn().Err(serr).Uint8("stream", uint8(s.id)).Msg("failed to send stream reset")
	}
	c.unschedule(s)
	c.notify(func() { c.handler.OnCloseStream(c, s.id, s.ResetError()) })
}

// checkStreamClosed notifies the application when a stream reached Closed.
func (c *Connection) checkStreamClosed(s *Stream) {
	if !s.maybeClosed() {
		return
	}
	c.unschedule(s)
	c.notify(func() { c.handler.OnCloseStream(c, s.id, nil) })
}

// handleDatagram processes one inbound datagram.
func (c *Connection) handleDatagram(b []byte, now time.Time) {
	c.now = now
	if c.state == StateClosed {
		return
	}
	headers, err := wire.ParsePacket(b)
	if err != nil {
		c.log.Warn().Err(err).Int("len", len(b)).Msg("dropping malformed datagram")
		return
	}
	c.metrics.packetReceived()
	c.lastRecv = now
	if c.inOutage {
		c.leaveOutage(now)
	}
	for _, h := range headers {
		if c.state == StateClosed {
			return
		}
		c.processHeader(h, now)
	}
	c.afterEvent(now)
}

func (c *Connection) processHeader(h wire.Header, now time.Time) {
	switch h := h.(type) {
	case *wire.ConnHandshakeHeader:
		c.processConnHandshake(h, now)
		return
	case *wire.ResetConnHeader:
		c.processResetConn(h)
		return
	case *wire.CloseConnHeader:
		c.processCloseConn(h, now)
		return
	}

	if c.state == StateHandshaking {
		if c.isClient || c.cc == nil {
			c.log.Debug().Str("type", h.Type().String()).Msg("dropping header before handshake completed")
			return
		}
		// The client confirm was lost; any data class header from the
		// client completes the handshake.
		c.establish(now, 0)
	}

	switch h := h.(type) {
	case *wire.CreateStreamHeader:
		c.processCreateStream(h, now)
	case *wire.ResetStreamHeader:
		if s, ok := c.streams[StreamID(h.StreamID)]; ok && !s.State().terminal() {
			s.ProcessResetStream(h)
			c.unschedule(s)
			c.notify(func() { c.handler.OnCloseStream(c, s.id, s.ResetError()) })
		}
	case *wire.DataHeader:
		c.processData(h, now)
	case *wire.AckHeader:
		c.processAck(h, now)
	case *wire.CcSyncHeader:
		c.cc.ProcessSyncParams(now, h.Seq, h.Params)
	case *wire.RcvdPktCntHeader:
		if s, ok := c.streams[StreamID(h.StreamID)]; ok {
			s.ProcessRcvdPktCnt(h)
		}
	case *wire.ConnMeasHeader:
		if h.HasMaxOWD {
			c.peerMaxOWD = time.Duration(h.MaxOWD) * time.Microsecond
		}
	case *wire.CcPktTrainHeader:
		c.processPktTrain(h, now)
	}
}

func (c *Connection) processCreateStream(h *wire.CreateStreamHeader, now time.Time) {
	id := StreamID(h.StreamID)
	if h.Ack {
		s, ok := c.streams[id]
		if !ok {
			return
		}
		if err := s.ProcessCreateStreamAck(h); err != nil {
			c.log.Warn().Err(err).Uint8("stream", h.StreamID).Msg("bad create stream ack")
			return
		}
		c.timers.cancel(timerKey{timerCreateStream, id})
		return
	}
	if s, ok := c.streams[id]; ok && !s.State().terminal() {
		if err := s.ProcessCreateStream(h); err != nil {
			c.log.Warn().Err(err).Uint8("stream", h.StreamID).Msg("bad create stream")
		}
		return
	}
	cfg := StreamConfig{
		Priority:    h.Priority,
		Reliability: ReliabilityMode(h.ReliabilityMode),
		Delivery:    DeliveryMode(h.DeliveryMode),
		RexmitLimit: h.RexmitLimit,
	}
	if c.state != StateEstablished || !c.validStreamID(id, false) || cfg.Validate() != nil {
		c.log.Warn().
			Uint8("stream", h.StreamID).
			Uint8("priority", h.Priority).
			Str("state", c.state.String()).
			Msg("refusing stream from peer")
		c.writeControl(&wire.ResetStreamHeader{StreamID: h.StreamID, ErrorCode: uint8(StreamErrProtocol)})
		return
	}
	s, err := newStream(c, c.cfg, id, cfg, false, c.cc, c.rtt, c.pool)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to create stream")
		return
	}
	c.registerStream(s)
	if err := s.ProcessCreateStream(h); err != nil {
		c.log.Warn().Err(err).Uint8("stream", h.StreamID).Msg("bad create stream")
		return
	}
	c.notify(func() { c.handler.OnNewStream(c, id, cfg) })
}

func (c *Connection) processData(h *wire.DataHeader, now time.Time) {
	s, ok := c.streams[StreamID(h.StreamID)]
	if !ok {
		c.log.Debug().Uint8("stream", h.StreamID).Uint32("seq", h.Seq).Msg("data for unknown stream")
		return
	}
	readable, err := s.ProcessData(h, now)
	if err != nil {
		c.failStream(s, err, resetCode(err))
		return
	}
	if readable {
		c.notify(func() { c.handler.OnRecvData(c, s.id) })
	}
	c.checkStreamClosed(s)
}

func (c *Connection) processAck(h *wire.AckHeader, now time.Time) {
	s, ok := c.streams[StreamID(h.StreamID)]
	if !ok {
		return
	}
	res, err := s.ProcessAck(h, now)
	if len(res.NewlyAcked) > 0 {
		c.consecutiveRtos = 0
	}
	for range res.Lost {
		c.metrics.retransmitted(false)
	}
	if err != nil {
		c.log.Warn().Err(err).Uint8("stream", h.StreamID).Msg("stream failed processing ack")
		c.failStream(s, err, resetCode(err))
		return
	}
	c.checkStreamClosed(s)
}

// processPktTrain answers capacity probe trains: each request packet is
// answered with the time since the previous one arrived.
func (c *Connection) processPktTrain(h *wire.CcPktTrainHeader, now time.Time) {
	switch h.PktType {
	case 0:
		var gap uint32
		if h.Seq == c.trainRxSeq && !c.trainRxLast.IsZero() {
			gap = uint32(now.Sub(c.trainRxLast) / time.Microsecond)
		}
		c.trainRxSeq = h.Seq
		c.trainRxLast = now
		c.writeControl(&wire.CcPktTrainHeader{
			CcID:          h.CcID,
			PktType:       1,
			Seq:           h.Seq,
			InterRecvTime: gap,
			Timestamp:     c.wireTimestamp(now),
		})
	case 1:
		if h.InterRecvTime == 0 {
			return
		}
		bps := uint64(wire.MaxPacketSize) * 8 * 1_000_000 / uint64(h.InterRecvTime)
		c.log.Debug().
			Uint8("seq", h.Seq).
			Uint32("inter_recv_us", h.InterRecvTime).
			Uint64("capacity_bps", bps).
			Msg("packet train response")
	}
}

// SendPacketTrain sends count back to back capacity probe packets padded to
// the maximum packet size. The peer answers each with its inter arrival
// time.
func (c *Connection) SendPacketTrain(count int) error {
	var err error
	doErr := c.do(func(now time.Time) {
		if c.state != StateEstablished {
			err = ErrNotEstablished
			return
		}
		c.trainTxSeq++
		pad := make([]byte, wire.MaxPacketSize-wire.CcPktTrainHeaderSize)
		for i := 0; i < count; i++ {
			c.writeControl(&wire.CcPktTrainHeader{
				PktType:   0,
				Seq:       c.trainTxSeq,
				Timestamp: c.wireTimestamp(now),
				Payload:   pad,
			})
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// onTimers runs every expired timer.
func (c *Connection) onTimers(now time.Time) {
	c.now = now
	for _, k := range c.timers.expired(now) {
		if c.state == StateClosed {
			return
		}
		switch k.kind {
		case timerHandshake:
			c.onHandshakeTimeout(now)
		case timerCreateStream:
			c.onCreateStreamTimeout(k.stream, now)
		case timerRTO:
			c.onRto(now)
		case timerAck:
			c.flushAcks(now, false)
		case timerPersist:
			c.onPersist(now)
		case timerClose:
			c.onCloseTimeout(now)
		case timerLinger:
			c.onLingerTimeout(now)
		case timerSend:
		}
	}
	c.afterEvent(now)
}

func (c *Connection) onCreateStreamTimeout(id StreamID, now time.Time) {
	s, ok := c.streams[id]
	if !ok || s.State() != StreamOpening {
		return
	}
	if err := s.retryCreateStream(); err != nil {
		c.failStream(s, err, StreamErrHandshake)
		return
	}
	c.timers.set(timerKey{timerCreateStream, id}, now.Add(c.cfg.HandshakeInterval))
}

func (c *Connection) onRto(now time.Time) {
	expired := false
	for _, s := range c.sortedStreams() {
		res, err := s.OnRto(now)
		if res.Expired {
			expired = true
		}
		for range res.Lost {
			c.metrics.retransmitted(true)
		}
		if err != nil {
			c.failStream(s, err, resetCode(err))
		}
	}
	if !expired {
		return
	}
	// A peer heard from since the previous timeout is alive, only not
	// accepting data.
	if c.lastRecv.After(c.lastRto) {
		c.consecutiveRtos = 0
	}
	c.lastRto = now
	c.consecutiveRtos++
	c.log.Debug().Int("consecutive", c.consecutiveRtos).Msg("retransmission timeout")
	if c.consecutiveRtos > c.cfg.MaxConsecutiveRTOs {
		c.log.Error().Int("rtos", c.consecutiveRtos).Msg("peer unresponsive, resetting connection")
		c.writeControl(&wire.ResetConnHeader{ErrorCode: uint16(ConnErrRtoExhausted)})
		c.finish(&ConnectionError{Code: ConnErrRtoExhausted, Err: ErrRtoExhausted})
		return
	}
	if !c.inOutage && now.Sub(c.lastRecv) > 2*c.rtt.RTO() {
		c.inOutage = true
		c.log.Info().Dur("silent", now.Sub(c.lastRecv)).Msg("entering outage")
	}
}

func (c *Connection) leaveOutage(now time.Time) {
	c.inOutage = false
	if c.cc != nil {
		c.cc.OnOutageEnd()
	}
	c.consecutiveRtos = 0
	c.log.Info().Msg("leaving outage")
}

func (c *Connection) onPersist(now time.Time) {
	for _, s := range c.sortedStreams() {
		if !s.needsPersist() {
			continue
		}
		if err := s.SendPersist(now); err != nil {
			c.log.Warn().Err(err).Uint8("stream", uint8(s.id)).Msg("failed to send persist")
		}
	}
}

// sortedStreams returns the live streams in identifier order.
func (c *Connection) sortedStreams() []*Stream {
	out := make([]*Stream, 0, len(c.streams))
	for id := MinStreamID; id <= MaxStreamID; id++ {
		if s, ok := c.streams[id]; ok && !s.State().terminal() {
			out = append(out, s)
		}
	}
	return out
}

// notify queues a handler callback.
func (c *Connection) notify(fn func()) { c.callbacks.push(fn) }

// callbackQueue runs handler callbacks outside the event loop, in order.
type callbackQueue struct {
	mu     sync.Mutex
	q      deque.Deque[func()]
	closed bool
	signal chan struct{}
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	q.q.PushBack(fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.q.Len() == 0 {
		return nil, q.closed
	}
	return q.q.PopFront(), false
}

// drain runs every queued callback on the calling goroutine.
func (q *callbackQueue) drain() {
	for {
		fn, _ := q.pop()
		if fn == nil {
			return
		}
		fn()
	}
}

func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run executes callbacks until the queue is closed and empty. The event
// loop closes the queue when it exits, after its final callbacks.
func (q *callbackQueue) run() error {
	for {
		fn, closed := q.pop()
		if fn != nil {
			fn()
			continue
		}
		if closed {
			return nil
		}
		<-q.signal
	}
}
