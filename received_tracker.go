package sliq

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/go-i2p/go-sliq/internal/wire"
)

// ReceivedPacketRecord describes one data packet that arrived out of order
// and is waiting for the gap below it to fill.
type ReceivedPacketRecord struct {
	Seq         uint32
	ArrivalTime time.Time
	Timestamp   uint32
	Fin         bool
	Delivered   bool
	Payload     []byte
}

// ReceiveResult is the outcome of one received data packet.
type ReceiveResult struct {
	Duplicate bool
	// Ready holds the payloads released to the application, in the order
	// they must be delivered.
	Ready [][]byte
	// FinReached is set once, when the stream's final packet is consumed.
	FinReached bool
}

// ReceivedPacketTracker records the data packets received on one stream,
// releases them to the application according to the delivery mode and
// builds the selective acknowledgments.
type ReceivedPacketTracker struct {
	streamID StreamID
	delivery DeliveryMode
	window   uint32

	ackDelay        time.Duration
	ackAfterPackets int
	cntInterval     int

	rcvNxt   uint32
	pending  deque.Deque[*ReceivedPacketRecord]
	buffered int

	finKnown    bool
	finSeq      uint32
	finConsumed bool

	unacked      int
	ackNow       bool
	ackDeadline  time.Time
	lastArrival  time.Time
	observed     []wire.ObservedTime
	largestRcvd  uint32
	anyReceived  bool
	totalRcvd    uint32
	duplicates   uint32
	cntSinceRpt  int
	lastRcvdSeq  uint32
	lastRcvdRxmt uint8
}

// NewReceivedPacketTracker creates the tracker of a stream whose first
// packet carries initSeq.
func NewReceivedPacketTracker(cfg *Config, id StreamID, delivery DeliveryMode, initSeq, window uint32) *ReceivedPacketTracker {
	t := &ReceivedPacketTracker{
		streamID:        id,
		delivery:        delivery,
		window:          window,
		ackDelay:        cfg.AckDelay,
		ackAfterPackets: cfg.AckAfterPackets,
		cntInterval:     cfg.RcvdPktCntInterval,
		rcvNxt:          initSeq,
		observed:        make([]wire.ObservedTime, 0, wire.MaxObservedTimes),
	}
	t.pending.SetBaseCap(1 << 4)
	return t
}

// NextExpected returns the lowest sequence number not yet received.
func (t *ReceivedPacketTracker) NextExpected() uint32 { return t.rcvNxt }

// TotalReceived counts every data packet that arrived, duplicates included.
func (t *ReceivedPacketTracker) TotalReceived() uint32 { return t.totalRcvd }

func (t *ReceivedPacketTracker) Duplicates() uint32 { return t.duplicates }

// BufferedBytes counts the payload held back waiting for a gap to fill.
func (t *ReceivedPacketTracker) BufferedBytes() int { return t.buffered }

// IsAllDataAndFinReceived reports whether the final packet and everything
// before it were received.
func (t *ReceivedPacketTracker) IsAllDataAndFinReceived() bool { return t.finConsumed }

// HandleReceivedPacket records the arrival of a data packet. Duplicates are
// counted but never delivered twice. Ordered streams release data only in
// sequence; unordered streams release it on arrival. payload is copied.
func (t *ReceivedPacketTracker) HandleReceivedPacket(seq uint32, rexmits uint8, payload []byte, fin bool, ts uint32, now time.Time) (ReceiveResult, error) {
	var res ReceiveResult
	idx := seqDiff(t.rcvNxt, seq)
	if seqGreaterThanOrEqual(seq, t.rcvNxt) && idx >= t.window {
		return res, fmt.Errorf("%w: stream %d packet %d beyond receive window [%d, %d)",
			ErrProtocolViolation, t.streamID, seq, t.rcvNxt, t.rcvNxt+t.window)
	}

	t.totalRcvd++
	t.cntSinceRpt++
	t.lastRcvdSeq = seq
	t.lastRcvdRxmt = rexmits
	t.noteArrival(seq, ts, now)

	if seqLessThan(seq, t.rcvNxt) {
		t.duplicates++
		t.ackNow = true
		res.Duplicate = true
		return res, nil
	}
	for uint32(t.pending.Len()) <= idx {
		t.pending.PushBack(nil)
	}
	if t.pending.At(int(idx)) != nil {
		t.duplicates++
		t.ackNow = true
		res.Duplicate = true
		return res, nil
	}
	if idx > 0 || t.pending.Len() > 1 {
		// Out of order arrival or a gap being filled.
		t.ackNow = true
	}
	if !t.anyReceived || seqGreaterThan(seq, t.largestRcvd) {
		t.largestRcvd = seq
		t.anyReceived = true
	}
	if fin {
		t.finKnown = true
		t.finSeq = seq
	}

	rec := &ReceivedPacketRecord{
		Seq:         seq,
		ArrivalTime: now,
		Timestamp:   ts,
		Fin:         fin,
	}
	if t.delivery == Unordered {
		if len(payload) > 0 {
			res.Ready = append(res.Ready, bytes.Clone(payload))
		}
		rec.Delivered = true
	} else {
		rec.Payload = bytes.Clone(payload)
		t.buffered += len(rec.Payload)
	}
	t.pending.Set(int(idx), rec)
	t.release(&res)
	return res, nil
}

func (t *ReceivedPacketTracker) noteArrival(seq, ts uint32, now time.Time) {
	t.unacked++
	if t.unacked == 1 {
		t.ackDeadline = now.Add(t.ackDelay)
	}
	t.lastArrival = now
	if len(t.observed) == wire.MaxObservedTimes {
		copy(t.observed, t.observed[1:])
		t.observed = t.observed[:len(t.observed)-1]
	}
	t.observed = append(t.observed, wire.ObservedTime{Seq: seq, Timestamp: ts})
}

// release pops the contiguous packets at the front of the window.
func (t *ReceivedPacketTracker) release(res *ReceiveResult) {
	for t.pending.Len() > 0 && t.pending.Front() != nil {
		rec := t.pending.PopFront()
		t.consume(rec, res)
		t.rcvNxt++
	}
}

func (t *ReceivedPacketTracker) consume(rec *ReceivedPacketRecord, res *ReceiveResult) {
	if !rec.Delivered {
		if len(rec.Payload) > 0 {
			res.Ready = append(res.Ready, rec.Payload)
			t.buffered -= len(rec.Payload)
		}
		rec.Payload = nil
		rec.Delivered = true
	}
	if t.finKnown && rec.Seq == t.finSeq && !t.finConsumed {
		t.finConsumed = true
		res.FinReached = true
	}
}

// MoveForward skips every packet below seq, which the sender has given up
// on. Packets already buffered below seq are still released.
func (t *ReceivedPacketTracker) MoveForward(seq uint32) ReceiveResult {
	var res ReceiveResult
	if !seqGreaterThan(seq, t.rcvNxt) {
		return res
	}
	skipped := 0
	for seqLessThan(t.rcvNxt, seq) {
		if t.pending.Len() > 0 {
			if rec := t.pending.PopFront(); rec != nil {
				t.consume(rec, &res)
			} else {
				skipped++
			}
		} else {
			skipped++
		}
		t.rcvNxt++
	}
	t.release(&res)
	t.ackNow = true
	if t.finKnown && !t.finConsumed && seqLessThan(t.finSeq, t.rcvNxt) {
		t.finConsumed = true
		res.FinReached = true
	}
	log.Debug().
		Uint8("stream", uint8(t.streamID)).
		Uint32("next_expected", t.rcvNxt).
		Int("skipped", skipped).
		Msg("receive window moved forward")
	return res
}

// AckPending reports whether anything arrived since the last ack was sent.
func (t *ReceivedPacketTracker) AckPending() bool { return t.unacked > 0 || t.ackNow }

// NeedsAckNow reports whether an ack must be sent without delay: after a gap,
// a duplicate or AckAfterPackets packets.
func (t *ReceivedPacketTracker) NeedsAckNow() bool {
	return t.ackNow || t.unacked >= t.ackAfterPackets
}

// AckDeadline is when a delayed ack must go out at the latest.
func (t *ReceivedPacketTracker) AckDeadline() time.Time {
	if !t.AckPending() {
		return time.Time{}
	}
	return t.ackDeadline
}

// RequestAck forces the next ack out without delay.
func (t *ReceivedPacketTracker) RequestAck() { t.ackNow = true }

// AckSent resets the delayed ack state.
func (t *ReceivedPacketTracker) AckSent() {
	t.unacked = 0
	t.ackNow = false
	t.ackDeadline = time.Time{}
	t.observed = t.observed[:0]
}

// PrepareNextAckHdr builds the acknowledgment for everything received so
// far. When the received blocks do not all fit, the lowest ones are kept.
func (t *ReceivedPacketTracker) PrepareNextAckHdr(now time.Time, ts uint32) *wire.AckHeader {
	h := &wire.AckHeader{
		StreamID:     uint8(t.streamID),
		NextExpected: t.rcvNxt,
		Timestamp:    ts,
	}
	if !t.lastArrival.IsZero() {
		h.TimestampDelta = uint32(now.Sub(t.lastArrival) / time.Microsecond)
	}
	if len(t.observed) > 0 {
		h.ObservedTimes = append([]wire.ObservedTime(nil), t.observed...)
	}

	n := t.pending.Len()
	for i := 1; i < n && i <= wire.MaxAckBlockOffset; {
		if t.pending.At(i) == nil {
			i++
			continue
		}
		start := i
		for i+1 < n && i+1 <= wire.MaxAckBlockOffset && t.pending.At(i+1) != nil {
			i++
		}
		end := i
		i++
		if start == end {
			if len(h.Blocks)+1 > wire.MaxAckBlockOffsets {
				break
			}
			h.Blocks = append(h.Blocks, wire.AckBlockOffset{Offset: uint16(start)})
			continue
		}
		if len(h.Blocks)+2 > wire.MaxAckBlockOffsets {
			break
		}
		h.Blocks = append(h.Blocks,
			wire.AckBlockOffset{Multi: true, Offset: uint16(start)},
			wire.AckBlockOffset{Multi: true, Offset: uint16(end)},
		)
	}
	return h
}

// RcvdPktCntDue reports whether a received packet count report is due, and
// returns it.
func (t *ReceivedPacketTracker) RcvdPktCntDue() (*wire.RcvdPktCntHeader, bool) {
	if t.cntSinceRpt < t.cntInterval {
		return nil, false
	}
	t.cntSinceRpt = 0
	return &wire.RcvdPktCntHeader{
		StreamID:    uint8(t.streamID),
		RexmitCount: t.lastRcvdRxmt,
		Seq:         t.lastRcvdSeq,
		Count:       t.totalRcvd,
	}, true
}
