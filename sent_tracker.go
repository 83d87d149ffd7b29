package sliq

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

// PacketState is the life cycle state of a sent data packet.
type PacketState uint8

const (
	InFlight PacketState = iota
	Acked
	// Lost packets wait in the retransmission queue and no longer count as
	// in flight.
	Lost
	// Abandoned packets will never be retransmitted.
	Abandoned
)

func (s PacketState) String() string {
	switch s {
	case InFlight:
		return "in-flight"
	case Acked:
		return "acked"
	case Lost:
		return "lost"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("PacketState(%d)", uint8(s))
	}
}

// SentPacketRecord describes one data packet that has been transmitted and
// not yet acknowledged.
type SentPacketRecord struct {
	Seq     uint32
	CcSeq   uint32
	Payload *Buffer
	Fin     bool

	// WireLen is the datagram size charged to the congestion controller.
	WireLen int

	SentAt      time.Time
	LastXmit    time.Time
	XmitTs      uint32
	RexmitCount uint8
	State       PacketState

	queued  bool
	rtoLost bool
}

// Len returns the payload length.
func (r *SentPacketRecord) Len() int {
	if r.Payload == nil {
		return 0
	}
	return r.Payload.Len()
}

// AckResult summarizes the effect of one acknowledgment.
type AckResult struct {
	NewlyAcked []uint32
	AckedBytes int
	// Lost holds the packets newly declared lost and queued for
	// retransmission; Abandoned those given up on.
	Lost       []uint32
	Abandoned  []uint32
	FinAcked   bool
	RTTSampled bool
	RTT        time.Duration
}

// SentPacketTracker keeps the sent but unacknowledged packets of one stream
// in sequence order and decides which of them are lost.
//
// Records live in a deque indexed by seq - LowestUnacked. A packet is lost
// once at least ReorderThreshold packets above it were acknowledged, or
// when the retransmission timer expires.
type SentPacketTracker struct {
	streamID    StreamID
	reliability ReliabilityMode
	rexmitLimit uint8

	reorderThreshold uint32
	backoff          int
	maxRTO           time.Duration
	window           uint32

	cc  congestion.Controller
	rtt *RttEstimator

	isn    uint32
	sndUna uint32
	sndNxt uint32

	packets deque.Deque[*SentPacketRecord]
	rexmits deque.Deque[*SentPacketRecord]

	bytesInFlight   int
	rtoDeadline     time.Time
	consecutiveRtos int

	moveForward    bool
	moveForwardSeq uint32
}

// NewSentPacketTracker creates the tracker of one stream whose first packet
// carries initSeq.
func NewSentPacketTracker(cfg *Config, id StreamID, scfg StreamConfig, initSeq uint32,
	cc congestion.Controller, rtt *RttEstimator,
) *SentPacketTracker {
	t := &SentPacketTracker{
		streamID:         id,
		reliability:      scfg.Reliability,
		rexmitLimit:      scfg.RexmitLimit,
		reorderThreshold: cfg.ReorderThreshold,
		backoff:          cfg.RTOBackoffMultiplier,
		maxRTO:           cfg.MaxRTO,
		window:           cfg.FlowControlWindow,
		cc:               cc,
		rtt:              rtt,
		isn:              initSeq,
		sndUna:           initSeq,
		sndNxt:           initSeq,
	}
	t.packets.SetBaseCap(1 << 6)
	t.rexmits.SetBaseCap(1 << 4)
	return t
}

// InitialSeq returns the sequence number of the stream's first packet.
func (t *SentPacketTracker) InitialSeq() uint32 { return t.isn }

// NextSeq returns the sequence number the next new packet will carry.
func (t *SentPacketTracker) NextSeq() uint32 { return t.sndNxt }

// LowestUnacked returns the oldest sequence number that is neither
// acknowledged nor abandoned.
func (t *SentPacketTracker) LowestUnacked() uint32 { return t.sndUna }

// BytesInFlight returns the wire bytes of the packets in flight.
func (t *SentPacketTracker) BytesInFlight() int { return t.bytesInFlight }

// PendingRetransmits returns the number of packets waiting to be resent.
func (t *SentPacketTracker) PendingRetransmits() int { return t.rexmits.Len() }

// NextRtoDeadline returns the retransmission deadline, zero when no packet
// is in flight.
func (t *SentPacketTracker) NextRtoDeadline() time.Time { return t.rtoDeadline }

// IsAllDataAcked reports whether every sent packet was acknowledged or
// abandoned.
func (t *SentPacketTracker) IsAllDataAcked() bool { return t.packets.Len() == 0 }

// MoveForwardSeq returns the sequence number below which the receiver should
// give up waiting, when abandoned packets make that necessary.
func (t *SentPacketTracker) MoveForwardSeq() (uint32, bool) {
	return t.moveForwardSeq, t.moveForward
}

// Record returns the record of an unacknowledged packet.
func (t *SentPacketTracker) Record(seq uint32) (*SentPacketRecord, bool) {
	if seqLessThan(seq, t.sndUna) {
		return nil, false
	}
	idx := seqDiff(t.sndUna, seq)
	if idx >= uint32(t.packets.Len()) {
		return nil, false
	}
	return t.packets.At(int(idx)), true
}

// CanSend reports whether a new packet of bytes may be sent now, under the
// flow control window and the congestion controller. Rate based
// controllers hold packets back through TimeUntilSend.
func (t *SentPacketTracker) CanSend(now time.Time, bytes int) bool {
	if seqDiff(t.sndUna, t.sndNxt) >= t.window {
		return false
	}
	if t.cc.TimeUntilSend(now) > 0 {
		return false
	}
	return t.cc.CanSend(now, bytes)
}

// CanResend reports whether a retransmission of bytes may be sent now.
// Retransmissions are paced only when the controller asks for it.
func (t *SentPacketTracker) CanResend(now time.Time, bytes int) bool {
	if t.cc.UseRexmitPacing() && t.cc.TimeUntilSend(now) > 0 {
		return false
	}
	return t.cc.CanResend(now, bytes)
}

// currentRTO applies the exponential backoff of consecutive expiries.
func (t *SentPacketTracker) currentRTO() time.Duration {
	rto := t.rtt.RTO()
	for i := 0; i < t.consecutiveRtos && rto < t.maxRTO; i++ {
		rto *= time.Duration(t.backoff)
	}
	return min(rto, t.maxRTO)
}

func (t *SentPacketTracker) armRto(now time.Time) {
	if t.rtoDeadline.IsZero() {
		t.rtoDeadline = now.Add(t.currentRTO())
	}
}

// AddSentPacket records a new packet. The sequence number must be NextSeq.
// The tracker owns payload from now on.
func (t *SentPacketTracker) AddSentPacket(seq uint32, payload *Buffer, fin bool, now time.Time, ts uint32) (*SentPacketRecord, error) {
	if seq != t.sndNxt {
		return nil, fmt.Errorf("add sent packet %d: expected sequence number %d", seq, t.sndNxt)
	}
	if seqDiff(t.sndUna, t.sndNxt) >= t.window {
		return nil, fmt.Errorf("add sent packet %d: %w: flow control window full", seq, ErrWouldBlock)
	}
	rec := &SentPacketRecord{
		Seq:      seq,
		Payload:  payload,
		Fin:      fin,
		SentAt:   now,
		LastXmit: now,
		XmitTs:   ts,
		State:    InFlight,
	}
	rec.WireLen = wire.DataHeaderBaseSize + rec.Len()
	rec.CcSeq = t.cc.OnPacketSent(now, seq, rec.WireLen)
	t.cc.UpdateCounts(1, int64(rec.WireLen))
	t.bytesInFlight += rec.WireLen

	t.packets.PushBack(rec)
	t.sndNxt++
	t.armRto(now)
	return rec, nil
}

// ProcessAck applies an acknowledgment: the cumulative point, the selective
// blocks, one RTT sample and gap based loss detection. The header is
// validated before any state changes, and applying the same header twice has
// the effect of applying it once.
func (t *SentPacketTracker) ProcessAck(ack *wire.AckHeader, now time.Time) (AckResult, error) {
	var res AckResult
	if seqGreaterThan(ack.NextExpected, t.sndNxt) {
		return res, fmt.Errorf("%w: stream %d ack next expected %d beyond next sequence number %d",
			ErrProtocolViolation, t.streamID, ack.NextExpected, t.sndNxt)
	}
	ranges, err := ack.AckedRanges()
	if err != nil {
		return res, err
	}
	for _, r := range ranges {
		if seqGreaterThanOrEqual(r.End, t.sndNxt) {
			return res, fmt.Errorf("%w: stream %d ack for unsent packets %d-%d (next %d)",
				ErrProtocolViolation, t.streamID, r.Start, r.End, t.sndNxt)
		}
	}

	var newly []*SentPacketRecord
	ackOne := func(rec *SentPacketRecord) {
		if rec.State != InFlight && rec.State != Lost {
			return
		}
		if rec.State == InFlight {
			t.cc.UpdateCounts(-1, -int64(rec.WireLen))
			t.bytesInFlight -= rec.WireLen
		}
		rec.State = Acked
		newly = append(newly, rec)
	}

	if seqGreaterThan(ack.NextExpected, t.sndUna) {
		n := seqDiff(t.sndUna, ack.NextExpected)
		for i := uint32(0); i < n; i++ {
			ackOne(t.packets.At(int(i)))
		}
	}
	for _, r := range ranges {
		start := r.Start
		if seqLessThan(start, t.sndUna) {
			start = t.sndUna
		}
		for seq := start; seqLessThanOrEqual(seq, r.End); seq++ {
			ackOne(t.packets.At(int(seqDiff(t.sndUna, seq))))
		}
	}

	if len(newly) > 0 {
		res.RTT, res.RTTSampled = t.takeRttSample(ack, newly, now)
		for _, rec := range newly {
			info := congestion.AckInfo{Seq: rec.Seq, CcSeq: rec.CcSeq, Bytes: rec.WireLen}
			if rec.RexmitCount == 0 {
				info.RTT = res.RTT
			}
			t.cc.OnAck(now, info)
			res.NewlyAcked = append(res.NewlyAcked, rec.Seq)
			res.AckedBytes += rec.Len()
			res.FinAcked = res.FinAcked || rec.Fin
			releaseBuffer(rec.Payload)
			rec.Payload = nil
		}
		t.cc.OnAckDone(now)
		t.consecutiveRtos = 0
		t.rtoDeadline = time.Time{}
	}

	limitErr := t.detectLosses(now, &res)
	t.advance()
	if t.moveForward && seqGreaterThanOrEqual(ack.NextExpected, t.moveForwardSeq) {
		t.moveForward = false
	}
	if t.bytesInFlight > 0 {
		t.armRto(now)
	} else {
		t.rtoDeadline = time.Time{}
	}
	if limitErr != nil {
		t.ForceUnackedPacketsLost()
		return res, limitErr
	}
	return res, nil
}

// takeRttSample prefers a packet whose transmission timestamp is echoed in
// the ack, falling back to the largest newly acknowledged packet. Packets
// that were ever retransmitted never produce a sample.
func (t *SentPacketTracker) takeRttSample(ack *wire.AckHeader, newly []*SentPacketRecord, now time.Time) (time.Duration, bool) {
	var sampled *SentPacketRecord
	for _, ot := range ack.ObservedTimes {
		for _, rec := range newly {
			if rec.Seq == ot.Seq && rec.XmitTs == ot.Timestamp && rec.RexmitCount == 0 {
				sampled = rec
				break
			}
		}
		if sampled != nil {
			break
		}
	}
	if sampled == nil {
		for _, rec := range newly {
			if rec.RexmitCount > 0 {
				continue
			}
			if sampled == nil || seqGreaterThan(rec.Seq, sampled.Seq) {
				sampled = rec
			}
		}
	}
	if sampled == nil {
		return 0, false
	}
	sample := now.Sub(sampled.LastXmit)
	// The receiver reports how long it held the ack back.
	if held := time.Duration(ack.TimestampDelta) * time.Microsecond; held < sample {
		sample -= held
	}
	if !t.rtt.Update(now, sample) {
		return 0, false
	}
	return t.rtt.LatestRTT(), true
}

// detectLosses declares lost every in flight packet with at least
// ReorderThreshold acknowledged packets above it. A packet that was already
// retransmitted is only declared lost again once a fast retransmission
// interval has passed since its last transmission.
func (t *SentPacketTracker) detectLosses(now time.Time, res *AckResult) error {
	var lost []*SentPacketRecord
	above := uint32(0)
	for i := t.packets.Len() - 1; i >= 0; i-- {
		rec := t.packets.At(i)
		switch {
		case rec.State == Acked:
			above++
		case rec.State == InFlight && above >= t.reorderThreshold:
			lost = append(lost, rec)
		}
	}

	var limitErr error
	for i := len(lost) - 1; i >= 0; i-- {
		rec := lost[i]
		if rec.RexmitCount > 0 && now.Sub(rec.LastXmit) < t.rtt.FastRexmitTime() {
			continue
		}
		t.cc.UpdateCounts(-1, -int64(rec.WireLen))
		t.bytesInFlight -= rec.WireLen
		rexmit := t.cc.OnPacketLost(now, congestion.LostInfo{Seq: rec.Seq, CcSeq: rec.CcSeq, Bytes: rec.WireLen})
		if err := t.markLost(rec, rexmit, false, res); err != nil && limitErr == nil {
			limitErr = err
		}
	}
	return limitErr
}

// markLost queues rec for retransmission or abandons it, depending on the
// reliability mode of the stream. The record no longer counts as in flight.
func (t *SentPacketTracker) markLost(rec *SentPacketRecord, ccRexmit, rto bool, res *AckResult) error {
	switch t.reliability {
	case Reliable:
		if t.rexmitLimit > 0 && rec.RexmitCount >= t.rexmitLimit {
			rec.State = Lost
			return fmt.Errorf("%w: stream %d packet %d sent %d times",
				ErrRetransmitLimitExceeded, t.streamID, rec.Seq, int(rec.RexmitCount)+1)
		}
	case SemiReliable:
		if !ccRexmit || rec.RexmitCount >= t.rexmitLimit {
			t.abandon(rec, res)
			return nil
		}
	default:
		t.abandon(rec, res)
		return nil
	}
	rec.State = Lost
	rec.rtoLost = rto
	if !rec.queued {
		rec.queued = true
		t.rexmits.PushBack(rec)
	}
	res.Lost = append(res.Lost, rec.Seq)
	log.Debug().
		Uint8("stream", uint8(t.streamID)).
		Uint32("seq", rec.Seq).
		Uint8("rexmits", rec.RexmitCount).
		Bool("rto", rto).
		Msg("packet lost, queued for retransmission")
	return nil
}

func (t *SentPacketTracker) abandon(rec *SentPacketRecord, res *AckResult) {
	rec.State = Abandoned
	releaseBuffer(rec.Payload)
	rec.Payload = nil
	if res != nil {
		res.Abandoned = append(res.Abandoned, rec.Seq)
	}
	log.Debug().
		Uint8("stream", uint8(t.streamID)).
		Uint32("seq", rec.Seq).
		Msg("packet abandoned")
}

// advance pops acknowledged and abandoned packets off the front. Skipping
// an abandoned packet obliges the sender to move the receiver forward.
func (t *SentPacketTracker) advance() {
	for t.packets.Len() > 0 {
		rec := t.packets.Front()
		if rec.State != Acked && rec.State != Abandoned {
			return
		}
		t.packets.PopFront()
		t.sndUna++
		if rec.State == Abandoned {
			t.moveForward = true
			t.moveForwardSeq = t.sndUna
		} else if t.moveForward {
			t.moveForwardSeq = t.sndUna
		}
	}
}

// ProcessImplicitAck treats every packet below through as delivered, without
// an RTT sample. It returns the number of packets acknowledged.
func (t *SentPacketTracker) ProcessImplicitAck(through uint32, now time.Time) int {
	if seqGreaterThan(through, t.sndNxt) {
		through = t.sndNxt
	}
	if !seqGreaterThan(through, t.sndUna) {
		return 0
	}
	n := int(seqDiff(t.sndUna, through))
	acked := 0
	for i := 0; i < n; i++ {
		rec := t.packets.At(i)
		switch rec.State {
		case InFlight:
			t.cc.UpdateCounts(-1, -int64(rec.WireLen))
			t.bytesInFlight -= rec.WireLen
		case Lost:
		default:
			continue
		}
		rec.State = Acked
		t.cc.OnAck(now, congestion.AckInfo{Seq: rec.Seq, CcSeq: rec.CcSeq, Bytes: rec.WireLen})
		releaseBuffer(rec.Payload)
		rec.Payload = nil
		acked++
	}
	if acked > 0 {
		t.cc.OnAckDone(now)
	}
	t.advance()
	t.moveForward = false
	if t.bytesInFlight == 0 {
		t.rtoDeadline = time.Time{}
	}
	return acked
}

// RtoResult describes one retransmission timer expiry.
type RtoResult struct {
	Expired bool
	Lost    []uint32
	// Abandoned packets are dropped for good by best effort and semi
	// reliable streams.
	Abandoned []uint32
}

// RtoCheck fires the retransmission timer if its deadline has passed. Every
// packet in flight is then declared lost and the timeout backs off.
func (t *SentPacketTracker) RtoCheck(now time.Time) (RtoResult, error) {
	var res RtoResult
	if t.rtoDeadline.IsZero() || now.Before(t.rtoDeadline) {
		return res, nil
	}
	res.Expired = true
	t.rtoDeadline = time.Time{}
	t.consecutiveRtos++
	t.cc.OnRTO(t.bytesInFlight > 0)

	var ackRes AckResult
	var limitErr error
	for i := 0; i < t.packets.Len(); i++ {
		rec := t.packets.At(i)
		if rec.State != InFlight {
			continue
		}
		t.cc.UpdateCounts(-1, -int64(rec.WireLen))
		t.bytesInFlight -= rec.WireLen
		if err := t.markLost(rec, true, true, &ackRes); err != nil && limitErr == nil {
			limitErr = err
		}
	}
	res.Lost = ackRes.Lost
	res.Abandoned = ackRes.Abandoned
	t.advance()

	log.Debug().
		Uint8("stream", uint8(t.streamID)).
		Int("lost", len(res.Lost)).
		Int("consecutive", t.consecutiveRtos).
		Dur("next_rto", t.currentRTO()).
		Msg("retransmission timeout")

	if limitErr != nil {
		t.ForceUnackedPacketsLost()
		return res, limitErr
	}
	return res, nil
}

// NextRexmit returns the oldest packet waiting for retransmission.
func (t *SentPacketTracker) NextRexmit() *SentPacketRecord {
	for t.rexmits.Len() > 0 {
		rec := t.rexmits.Front()
		if rec.State == Lost && rec.queued {
			return rec
		}
		rec.queued = false
		t.rexmits.PopFront()
	}
	return nil
}

// SentRexmit records the retransmission of the packet NextRexmit returned.
func (t *SentPacketTracker) SentRexmit(rec *SentPacketRecord, now time.Time, ts uint32) {
	if t.rexmits.Len() > 0 && t.rexmits.Front() == rec {
		t.rexmits.PopFront()
	}
	rec.queued = false
	rec.State = InFlight
	rec.RexmitCount++
	rec.LastXmit = now
	rec.XmitTs = ts
	t.cc.OnPacketResent(now, rec.Seq, rec.WireLen, rec.rtoLost)
	t.cc.UpdateCounts(1, int64(rec.WireLen))
	t.bytesInFlight += rec.WireLen
	rec.rtoLost = false
	t.armRto(now)
}

// ForceUnackedPacketsLost gives up on every unacknowledged packet, as when
// the stream is reset. It returns the number of packets dropped.
func (t *SentPacketTracker) ForceUnackedPacketsLost() int {
	n := 0
	for i := 0; i < t.packets.Len(); i++ {
		rec := t.packets.At(i)
		switch rec.State {
		case InFlight:
			t.cc.UpdateCounts(-1, -int64(rec.WireLen))
			t.bytesInFlight -= rec.WireLen
		case Lost:
		default:
			continue
		}
		rec.State = Abandoned
		rec.queued = false
		releaseBuffer(rec.Payload)
		rec.Payload = nil
		n++
	}
	t.rexmits.Clear()
	t.advance()
	t.moveForward = false
	t.rtoDeadline = time.Time{}
	return n
}

func releaseBuffer(b *Buffer) {
	if b != nil && b.pool != nil {
		b.pool.Release(b)
	}
}
