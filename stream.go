package sliq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/armon/circbuf"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

// StreamID identifies a stream within its connection.
type StreamID uint8

// StreamState represents the state of a stream.
type StreamState uint8

const (
	StreamIdle StreamState = iota
	StreamOpening
	StreamEstablished
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReset
)

// String returns a human-readable name for the state.
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "IDLE"
	case StreamOpening:
		return "OPENING"
	case StreamEstablished:
		return "ESTABLISHED"
	case StreamHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StreamHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StreamClosed:
		return "CLOSED"
	case StreamReset:
		return "RESET"
	default:
		return fmt.Sprintf("StreamState(%d)", uint8(s))
	}
}

// terminal reports whether no further transition is possible.
func (s StreamState) terminal() bool { return s == StreamClosed || s == StreamReset }

// streamOwner is the part of the connection a stream sends through.
type streamOwner interface {
	sendData(s *Stream, h *wire.DataHeader) error
	sendControl(h wire.Header) error
	wireTimestamp(now time.Time) uint32
}

// StreamStats is a snapshot of a stream's counters.
type StreamStats struct {
	State           StreamState
	PacketsSent     uint64
	BytesSent       uint64
	Retransmissions uint64
	PacketsReceived uint32
	Duplicates      uint32
	BytesReceived   uint64
	// RecvDrops counts data packets dropped because the receive buffer was
	// full.
	RecvDrops     uint64
	BytesInFlight int
	QueuedPackets int
	// PeerRcvdCount is the peer's latest count of packets received.
	PeerRcvdCount uint32
}

// Stream is one logical flow of a connection. It owns a sent and a received
// packet tracker and is driven exclusively by its connection's event loop.
type Stream struct {
	id      StreamID
	cfg     StreamConfig
	connCfg *Config
	local   bool
	state   StreamState

	owner streamOwner
	cc    congestion.Controller
	rtt   *RttEstimator
	pool  *BufferPool

	sent *SentPacketTracker
	rcvd *ReceivedPacketTracker

	// Transmit queue of packet sized payloads, in send order.
	sendQueue  deque.Deque[*Buffer]
	sendClosed bool
	finSent    bool

	recvBuf    *circbuf.Buffer
	recvClosed bool

	createAttempts int
	resetErr       error

	stats StreamStats
}

func newStream(owner streamOwner, connCfg *Config, id StreamID, cfg StreamConfig, local bool,
	cc congestion.Controller, rtt *RttEstimator, pool *BufferPool,
) (*Stream, error) {
	recvBuf, err := circbuf.NewBuffer(connCfg.RecvBufferSize)
	if err != nil {
		return nil, fmt.Errorf("create receive buffer: %w", err)
	}
	s := &Stream{
		id:      id,
		cfg:     cfg,
		connCfg: connCfg,
		local:   local,
		owner:   owner,
		cc:      cc,
		rtt:     rtt,
		pool:    pool,
		recvBuf: recvBuf,
	}
	s.sendQueue.SetBaseCap(1 << 4)
	return s, nil
}

func (s *Stream) ID() StreamID         { return s.id }
func (s *Stream) Config() StreamConfig { return s.cfg }
func (s *Stream) State() StreamState   { return s.state }
func (s *Stream) IsLocal() bool        { return s.local }
func (s *Stream) IsEstablished() bool  { return s.state >= StreamEstablished && !s.state.terminal() }
func (s *Stream) ResetError() error    { return s.resetErr }
func (s *Stream) QueuedPackets() int   { return s.sendQueue.Len() }
func (s *Stream) finPending() bool     { return s.sendClosed && !s.finSent }
func (s *Stream) canSendNewData() bool { return s.IsEstablished() && !s.finSent }
func (s *Stream) hasDataToSend() bool  { return s.sendQueue.Len() > 0 || s.finPending() }
func (s *Stream) hasRexmits() bool     { return s.sent != nil && s.sent.NextRexmit() != nil }

// InitializeLocalStream picks the initial sequence number and sends the
// CreateStream header. The stream is Opening until the peer acknowledges.
func (s *Stream) InitializeLocalStream(now time.Time) error {
	if s.state != StreamIdle {
		return fmt.Errorf("initialize stream %d in state %s", s.id, s.state)
	}
	initSeq := rand.Uint32N(MaxInitSeq)
	s.sent = NewSentPacketTracker(s.connCfg, s.id, s.cfg, initSeq, s.cc, s.rtt)
	s.state = StreamOpening
	s.createAttempts = 1

	log.Debug().
		Uint8("stream", uint8(s.id)).
		Uint32("init_seq", initSeq).
		Uint8("priority", s.cfg.Priority).
		Str("reliability", s.cfg.Reliability.String()).
		Str("delivery", s.cfg.Delivery.String()).
		Msg("opening stream")
	return s.sendCreateStream(false)
}

// retryCreateStream resends the CreateStream header. It fails with
// ErrHandshakeTimeout once the attempts are used up.
func (s *Stream) retryCreateStream() error {
	if s.state != StreamOpening {
		return nil
	}
	if s.createAttempts >= s.connCfg.MaxHandshakeAttempts {
		return fmt.Errorf("stream %d: %w", s.id, ErrHandshakeTimeout)
	}
	s.createAttempts++
	return s.sendCreateStream(false)
}

func (s *Stream) sendCreateStream(ack bool) error {
	h := &wire.CreateStreamHeader{
		Ack:             ack,
		StreamID:        uint8(s.id),
		Priority:        s.cfg.Priority,
		InitWindowSize:  s.connCfg.FlowControlWindow,
		InitSeq:         s.sent.InitialSeq(),
		DeliveryMode:    uint8(s.cfg.Delivery),
		ReliabilityMode: uint8(s.cfg.Reliability),
		RexmitLimit:     s.cfg.RexmitLimit,
	}
	if err := s.owner.sendControl(h); err != nil {
		return fmt.Errorf("send create stream %d: %w", s.id, err)
	}
	return nil
}

// ProcessCreateStream opens a stream requested by the peer and answers with
// the CreateStream acknowledgment, which establishes it. A repeated request
// is answered again.
func (s *Stream) ProcessCreateStream(h *wire.CreateStreamHeader) error {
	switch s.state {
	case StreamIdle:
	case StreamEstablished, StreamHalfClosedLocal, StreamHalfClosedRemote:
		return s.sendCreateStream(true)
	default:
		return fmt.Errorf("create stream %d in state %s", s.id, s.state)
	}
	s.state = StreamOpening
	s.sent = NewSentPacketTracker(s.connCfg, s.id, s.cfg, rand.Uint32N(MaxInitSeq), s.cc, s.rtt)
	s.sent.window = min(s.connCfg.FlowControlWindow, max(h.InitWindowSize, 1))
	s.rcvd = NewReceivedPacketTracker(s.connCfg, s.id, s.cfg.Delivery, h.InitSeq, s.connCfg.FlowControlWindow)
	if err := s.sendCreateStream(true); err != nil {
		return err
	}
	s.state = StreamEstablished
	log.Debug().
		Uint8("stream", uint8(s.id)).
		Uint32("peer_init_seq", h.InitSeq).
		Msg("stream created by peer")
	return nil
}

// ProcessCreateStreamAck establishes a locally opened stream.
func (s *Stream) ProcessCreateStreamAck(h *wire.CreateStreamHeader) error {
	if s.state != StreamOpening || !s.local {
		// Duplicate acknowledgment.
		return nil
	}
	s.sent.window = min(s.connCfg.FlowControlWindow, max(h.InitWindowSize, 1))
	s.rcvd = NewReceivedPacketTracker(s.connCfg, s.id, s.cfg.Delivery, h.InitSeq, s.connCfg.FlowControlWindow)
	s.state = StreamEstablished
	if s.sendClosed {
		s.state = StreamHalfClosedLocal
	}
	log.Debug().
		Uint8("stream", uint8(s.id)).
		Uint32("peer_init_seq", h.InitSeq).
		Int("attempts", s.createAttempts).
		Msg("stream established")
	return nil
}

// Send splits data into packets and appends them to the transmit queue.
// It returns ErrWouldBlock when the queue or the buffer pool is full; in
// that case nothing was queued.
func (s *Stream) Send(data []byte) error {
	if s.state.terminal() || s.sendClosed {
		return fmt.Errorf("send on stream %d: %w", s.id, ErrStreamClosed)
	}
	if len(data) == 0 {
		return nil
	}
	chunk := s.connCfg.maxPayload()
	n := (len(data) + chunk - 1) / chunk
	if s.sendQueue.Len()+n > s.connCfg.MaxQueuedPackets {
		return fmt.Errorf("send on stream %d: %w: %d packets queued", s.id, ErrWouldBlock, s.sendQueue.Len())
	}
	bufs := make([]*Buffer, 0, n)
	for off := 0; off < len(data); off += chunk {
		b, err := s.pool.Acquire()
		if err != nil {
			for _, b := range bufs {
				s.pool.Release(b)
			}
			return fmt.Errorf("%w: %w", ErrWouldBlock, err)
		}
		end := min(off+chunk, len(data))
		b.data = append(b.data, data[off:end]...)
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		s.sendQueue.PushBack(b)
	}
	return nil
}

// sendNext transmits at most one packet: a pending retransmission first,
// then new data. It reports whether a packet went out.
func (s *Stream) sendNext(now time.Time) (bool, error) {
	if s.sent == nil || s.state.terminal() {
		return false, nil
	}
	if rec := s.sent.NextRexmit(); rec != nil {
		if !s.sent.CanResend(now, rec.WireLen) {
			return false, nil
		}
		ts := s.owner.wireTimestamp(now)
		h := s.dataHeader(rec.Seq, rec.Fin, ts)
		h.RexmitCount = rec.RexmitCount + 1
		if rec.Payload != nil {
			h.Payload = rec.Payload.Bytes()
		}
		s.sent.SentRexmit(rec, now, ts)
		s.stats.Retransmissions++
		log.Debug().
			Uint8("stream", uint8(s.id)).
			Uint32("seq", rec.Seq).
			Uint8("rexmit", h.RexmitCount).
			Msg("retransmitting packet")
		return true, s.owner.sendData(s, h)
	}
	if !s.canSendNewData() || !s.hasDataToSend() {
		return false, nil
	}
	var b *Buffer
	size := wire.DataHeaderBaseSize
	if s.sendQueue.Len() > 0 {
		size += s.sendQueue.Front().Len()
	}
	if !s.sent.CanSend(now, size) {
		return false, nil
	}
	if s.sendQueue.Len() > 0 {
		b = s.sendQueue.PopFront()
	}
	fin := s.sendClosed && s.sendQueue.Len() == 0
	ts := s.owner.wireTimestamp(now)
	seq := s.sent.NextSeq()
	h := s.dataHeader(seq, fin, ts)
	if b != nil {
		h.Payload = b.Bytes()
	}
	if _, err := s.sent.AddSentPacket(seq, b, fin, now, ts); err != nil {
		if b != nil {
			s.pool.Release(b)
		}
		return false, err
	}
	if fin {
		s.finSent = true
	}
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(h.Payload))
	return true, s.owner.sendData(s, h)
}

func (s *Stream) dataHeader(seq uint32, fin bool, ts uint32) *wire.DataHeader {
	h := &wire.DataHeader{
		Fin:       fin,
		StreamID:  uint8(s.id),
		Seq:       seq,
		Timestamp: ts,
	}
	if mf, ok := s.sent.MoveForwardSeq(); ok {
		h.MoveForward = true
		h.MoveForwardSeq = mf
	}
	return h
}

// SendAnyBlockedPackets sends queued retransmissions and data for as long
// as the congestion controller admits them. It returns the packets sent.
func (s *Stream) SendAnyBlockedPackets(now time.Time) (int, error) {
	n := 0
	for {
		sent, err := s.sendNext(now)
		if err != nil {
			return n, err
		}
		if !sent {
			return n, nil
		}
		n++
	}
}

// needsPersist reports whether the stream has something to tell the peer
// but nothing in flight that would produce an acknowledgment.
func (s *Stream) needsPersist() bool {
	if s.sent == nil || !s.IsEstablished() || s.sent.BytesInFlight() > 0 {
		return false
	}
	_, mf := s.sent.MoveForwardSeq()
	return mf || s.hasDataToSend() || s.sent.PendingRetransmits() > 0
}

// SendPersist sends a zero length probe that the peer acknowledges at once.
// It carries no sequence number of its own.
func (s *Stream) SendPersist(now time.Time) error {
	if s.sent == nil || !s.IsEstablished() {
		return nil
	}
	h := s.dataHeader(s.sent.NextSeq(), false, s.owner.wireTimestamp(now))
	h.Persist = true
	log.Debug().
		Uint8("stream", uint8(s.id)).
		Bool("move_forward", h.MoveForward).
		Msg("sending persist probe")
	return s.owner.sendData(s, h)
}

// ProcessData handles a data header addressed to this stream. It reports
// whether new data became readable.
func (s *Stream) ProcessData(h *wire.DataHeader, now time.Time) (bool, error) {
	if s.rcvd == nil || s.state == StreamReset {
		log.Debug().
			Uint8("stream", uint8(s.id)).
			Str("state", s.state.String()).
			Uint32("seq", h.Seq).
			Msg("dropping data for stream not yet established")
		return false, nil
	}
	var res ReceiveResult
	if h.MoveForward {
		res = s.rcvd.MoveForward(h.MoveForwardSeq)
	}
	switch {
	case h.Persist:
		s.rcvd.RequestAck()
	case !s.recvRoom(len(h.Payload)):
		// Left unacknowledged; the sender retransmits it.
		s.rcvd.RequestAck()
		s.stats.RecvDrops++
		log.Debug().
			Uint8("stream", uint8(s.id)).
			Uint32("seq", h.Seq).
			Int("unread", len(s.recvBuf.Bytes())).
			Msg("receive buffer full, dropping data")
	default:
		r, err := s.rcvd.HandleReceivedPacket(h.Seq, h.RexmitCount, h.Payload, h.Fin, h.Timestamp, now)
		if err != nil {
			return false, err
		}
		res.Ready = append(res.Ready, r.Ready...)
		res.FinReached = res.FinReached || r.FinReached
		res.Duplicate = r.Duplicate
	}
	readable := false
	if !s.recvClosed || res.FinReached {
		for _, p := range res.Ready {
			s.deliver(p)
			readable = true
		}
	}
	if res.FinReached {
		readable = true
		log.Debug().Uint8("stream", uint8(s.id)).Msg("received FIN")
		s.ImmediateHalfCloseNoRecv()
	}
	return readable, nil
}

// recvRoom reports whether n more payload bytes fit next to the unread and
// reassembling data. Unread data never exceeds RecvBufferSize.
func (s *Stream) recvRoom(n int) bool {
	held := len(s.recvBuf.Bytes()) + s.rcvd.BufferedBytes()
	return int64(held+n) <= s.recvBuf.Size()
}

// deliver appends p to the receive buffer. recvRoom admitted it, so the ring
// buffer never overwrites unread data.
func (s *Stream) deliver(p []byte) {
	s.stats.BytesReceived += uint64(len(p))
	_, _ = s.recvBuf.Write(p)
}

// Recv returns all buffered data. It fails with ErrNoData when nothing is
// buffered and with io.EOF once the peer's FIN was consumed.
func (s *Stream) Recv() ([]byte, error) {
	if s.state == StreamReset {
		return nil, s.resetErr
	}
	data := s.recvBuf.Bytes()
	if len(data) == 0 {
		if s.rcvd != nil && s.rcvd.IsAllDataAndFinReceived() {
			return nil, io.EOF
		}
		if s.state == StreamClosed {
			return nil, io.EOF
		}
		return nil, ErrNoData
	}
	out := bytes.Clone(data)
	s.recvBuf.Reset()
	return out, nil
}

// Readable reports whether Recv would return data or end of stream.
func (s *Stream) Readable() bool {
	return len(s.recvBuf.Bytes()) > 0 || (s.rcvd != nil && s.rcvd.IsAllDataAndFinReceived())
}

// ProcessAck applies the peer's acknowledgment and, when it exposed losses,
// retransmits at once.
func (s *Stream) ProcessAck(h *wire.AckHeader, now time.Time) (AckResult, error) {
	if s.sent == nil || s.state.terminal() {
		return AckResult{}, nil
	}
	res, err := s.sent.ProcessAck(h, now)
	if err != nil {
		return res, err
	}
	if len(res.Lost) > 0 {
		if _, err := s.OnCanFastRexmit(now); err != nil {
			return res, err
		}
	}
	return res, nil
}

// OnCanFastRexmit retransmits the packets declared lost by the last ack as
// far as the congestion controller allows.
func (s *Stream) OnCanFastRexmit(now time.Time) (int, error) {
	n := 0
	for s.sent.NextRexmit() != nil {
		sent, err := s.sendNext(now)
		if err != nil || !sent {
			return n, err
		}
		n++
	}
	return n, nil
}

// OnRto fires the stream's retransmission timer when its deadline passed.
func (s *Stream) OnRto(now time.Time) (RtoResult, error) {
	if s.sent == nil || s.state.terminal() {
		return RtoResult{}, nil
	}
	return s.sent.RtoCheck(now)
}

// ProcessRcvdPktCnt records the peer's received packet count.
func (s *Stream) ProcessRcvdPktCnt(h *wire.RcvdPktCntHeader) {
	s.stats.PeerRcvdCount = h.Count
}

// ImmediateHalfCloseNoSend closes the sending direction. Queued data still
// goes out, followed by a FIN.
func (s *Stream) ImmediateHalfCloseNoSend() {
	if s.sendClosed || s.state.terminal() {
		return
	}
	s.sendClosed = true
	switch s.state {
	case StreamEstablished:
		s.state = StreamHalfClosedLocal
	case StreamIdle:
		s.state = StreamClosed
	}
}

// ImmediateHalfCloseNoRecv closes the receiving direction.
func (s *Stream) ImmediateHalfCloseNoRecv() {
	if s.recvClosed || s.state.terminal() {
		return
	}
	s.recvClosed = true
	if s.state == StreamEstablished {
		s.state = StreamHalfClosedRemote
	}
}

// maybeClosed moves a stream whose both directions are closed to Closed once
// everything it sent was acknowledged or abandoned. It reports the
// transition.
func (s *Stream) maybeClosed() bool {
	if s.state.terminal() || !s.sendClosed || !s.recvClosed {
		return false
	}
	if !s.finSent || !s.IsAllDataAcked() {
		return false
	}
	s.state = StreamClosed
	log.Debug().Uint8("stream", uint8(s.id)).Msg("stream closed")
	return true
}

// IsAllDataAcked reports whether everything sent, the FIN included, was
// acknowledged or abandoned.
func (s *Stream) IsAllDataAcked() bool {
	if s.sent == nil {
		return true
	}
	return s.sendQueue.Len() == 0 && !s.finPending() && s.sent.IsAllDataAcked()
}

// ImmediateFullClose closes both directions at once, discarding every
// unacknowledged or queued packet. Buffered received data stays readable.
func (s *Stream) ImmediateFullClose() {
	if s.state.terminal() {
		return
	}
	s.discard()
	s.sendClosed = true
	s.recvClosed = true
	s.state = StreamClosed
}

func (s *Stream) discard() {
	if s.sent != nil {
		s.sent.ForceUnackedPacketsLost()
	}
	for s.sendQueue.Len() > 0 {
		s.pool.Release(s.sendQueue.PopFront())
	}
}

// reset aborts the stream locally and tells the peer.
func (s *Stream) reset(code StreamErrorCode, cause error) error {
	if s.state.terminal() {
		return nil
	}
	var finalSeq uint32
	if s.sent != nil {
		finalSeq = s.sent.NextSeq()
	}
	s.discard()
	s.state = StreamReset
	s.resetErr = &StreamError{StreamID: s.id, Code: code, Err: cause}
	log.Warn().
		Uint8("stream", uint8(s.id)).
		Str("code", code.String()).
		AnErr("cause", cause).
		Msg("resetting stream")
	return s.owner.sendControl(&wire.ResetStreamHeader{
		StreamID:  uint8(s.id),
		ErrorCode: uint8(code),
		FinalSeq:  finalSeq,
	})
}

// ProcessResetStream aborts the stream at the peer's request.
func (s *Stream) ProcessResetStream(h *wire.ResetStreamHeader) {
	if s.state.terminal() {
		return
	}
	s.discard()
	s.state = StreamReset
	s.resetErr = &StreamError{StreamID: s.id, Code: StreamErrorCode(h.ErrorCode), Remote: true}
	log.Info().
		Uint8("stream", uint8(s.id)).
		Uint8("code", h.ErrorCode).
		Msg("stream reset by peer")
}

// resetCode maps a stream fatal error to the code sent to the peer.
func resetCode(err error) StreamErrorCode {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return StreamErrProtocol
	case errors.Is(err, ErrRetransmitLimitExceeded):
		return StreamErrRexmitLimit
	case errors.Is(err, ErrHandshakeTimeout):
		return StreamErrHandshake
	default:
		return StreamErrCancelled
	}
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() StreamStats {
	st := s.stats
	st.State = s.state
	st.QueuedPackets = s.sendQueue.Len()
	if s.sent != nil {
		st.BytesInFlight = s.sent.BytesInFlight()
	}
	if s.rcvd != nil {
		st.PacketsReceived = s.rcvd.TotalReceived()
		st.Duplicates = s.rcvd.Duplicates()
	}
	return st
}
