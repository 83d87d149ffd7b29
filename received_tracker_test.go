package sliq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-sliq/internal/wire"
)

func newTestReceiver(delivery DeliveryMode, initSeq uint32) *ReceivedPacketTracker {
	return NewReceivedPacketTracker(testConfig(), 1, delivery, initSeq, DefaultFlowControlWindow)
}

func receive(t *testing.T, r *ReceivedPacketTracker, seq uint32, payload string, now time.Time) ReceiveResult {
	t.Helper()
	res, err := r.HandleReceivedPacket(seq, 0, []byte(payload), false, seq*10, now)
	require.NoError(t, err)
	return res
}

func readyStrings(res ReceiveResult) []string {
	out := make([]string, 0, len(res.Ready))
	for _, p := range res.Ready {
		out = append(out, string(p))
	}
	return out
}

// TestReceivedTrackerOrderedDelivery verifies that an ordered stream holds
// data back until the gap below it is filled.
func TestReceivedTrackerOrderedDelivery(t *testing.T) {
	r := newTestReceiver(Ordered, 1)

	assert.Equal(t, []string{"a"}, readyStrings(receive(t, r, 1, "a", testEpoch)))
	assert.Equal(t, []string{"b"}, readyStrings(receive(t, r, 2, "b", testEpoch)))
	assert.Empty(t, receive(t, r, 4, "d", testEpoch).Ready)
	assert.Empty(t, receive(t, r, 5, "e", testEpoch).Ready)
	assert.Equal(t, uint32(3), r.NextExpected())

	ack := r.PrepareNextAckHdr(testEpoch, 9)
	assert.Equal(t, uint32(3), ack.NextExpected)
	assert.Equal(t, []wire.AckBlockOffset{{Multi: true, Offset: 1}, {Multi: true, Offset: 2}}, ack.Blocks)
	ranges, err := ack.AckedRanges()
	require.NoError(t, err)
	assert.Equal(t, []wire.SeqRange{{Start: 4, End: 5}}, ranges)

	res := receive(t, r, 3, "c", testEpoch)
	assert.Equal(t, []string{"c", "d", "e"}, readyStrings(res))
	assert.Equal(t, uint32(6), r.NextExpected())
	assert.Empty(t, r.PrepareNextAckHdr(testEpoch, 9).Blocks)
}

// TestReceivedTrackerUnorderedDelivery verifies that an unordered stream
// releases data on arrival while the ack still reports the gap.
func TestReceivedTrackerUnorderedDelivery(t *testing.T) {
	r := newTestReceiver(Unordered, 10)

	assert.Equal(t, []string{"c"}, readyStrings(receive(t, r, 12, "c", testEpoch)))
	assert.Equal(t, uint32(10), r.NextExpected())
	assert.Equal(t, []wire.AckBlockOffset{{Offset: 2}}, r.PrepareNextAckHdr(testEpoch, 0).Blocks)

	assert.Equal(t, []string{"a"}, readyStrings(receive(t, r, 10, "a", testEpoch)))
	assert.Equal(t, []string{"b"}, readyStrings(receive(t, r, 11, "b", testEpoch)))
	assert.Equal(t, uint32(13), r.NextExpected())

	res := receive(t, r, 12, "c", testEpoch)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Ready, "unordered data is never delivered twice")
}

// TestReceivedTrackerDuplicates verifies that duplicates are counted, never
// delivered and force an immediate ack.
func TestReceivedTrackerDuplicates(t *testing.T) {
	r := newTestReceiver(Ordered, 1)
	receive(t, r, 1, "a", testEpoch)
	receive(t, r, 3, "c", testEpoch)
	r.AckSent()

	res := receive(t, r, 1, "a", testEpoch)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Ready)
	assert.True(t, r.NeedsAckNow())

	res = receive(t, r, 3, "c", testEpoch)
	assert.True(t, res.Duplicate)
	assert.Equal(t, uint32(2), r.Duplicates())
	assert.Equal(t, uint32(4), r.TotalReceived())

	assert.Equal(t, []string{"b", "c"}, readyStrings(receive(t, r, 2, "b", testEpoch)))
}

// TestReceivedTrackerWindow verifies that a packet beyond the receive window
// is a protocol violation.
func TestReceivedTrackerWindow(t *testing.T) {
	r := NewReceivedPacketTracker(testConfig(), 1, Ordered, 1, 4)

	_, err := r.HandleReceivedPacket(4, 0, []byte("d"), false, 0, testEpoch)
	require.NoError(t, err)
	_, err = r.HandleReceivedPacket(5, 0, []byte("e"), false, 0, testEpoch)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, uint32(1), r.TotalReceived())
}

// TestReceivedTrackerFin verifies that the end of the stream is reported
// once, when the final packet and everything before it were received.
func TestReceivedTrackerFin(t *testing.T) {
	r := newTestReceiver(Ordered, 1)
	receive(t, r, 1, "a", testEpoch)

	res, err := r.HandleReceivedPacket(3, 0, nil, true, 0, testEpoch)
	require.NoError(t, err)
	assert.False(t, res.FinReached)
	assert.False(t, r.IsAllDataAndFinReceived())

	res = receive(t, r, 2, "b", testEpoch)
	assert.Equal(t, []string{"b"}, readyStrings(res), "an empty fin carries no payload")
	assert.True(t, res.FinReached)
	assert.True(t, r.IsAllDataAndFinReceived())

	res, err = r.HandleReceivedPacket(3, 0, nil, true, 0, testEpoch)
	require.NoError(t, err)
	assert.False(t, res.FinReached)
}

// TestReceivedTrackerMoveForward verifies that skipping abandoned packets
// still releases what was buffered past them.
func TestReceivedTrackerMoveForward(t *testing.T) {
	r := newTestReceiver(Ordered, 1)
	receive(t, r, 1, "a", testEpoch)
	receive(t, r, 3, "c", testEpoch)
	receive(t, r, 5, "e", testEpoch)
	r.AckSent()

	res := r.MoveForward(4)
	assert.Equal(t, []string{"c"}, readyStrings(res))
	assert.Equal(t, uint32(4), r.NextExpected())
	assert.True(t, r.NeedsAckNow())

	assert.Empty(t, r.MoveForward(3).Ready, "moving backwards does nothing")
	assert.Equal(t, []string{"d", "e"}, readyStrings(receive(t, r, 4, "d", testEpoch)))
}

// TestReceivedTrackerAckPolicy verifies the delayed ack rules.
func TestReceivedTrackerAckPolicy(t *testing.T) {
	cfg := testConfig()
	r := newTestReceiver(Ordered, 1)
	assert.False(t, r.AckPending())
	assert.True(t, r.AckDeadline().IsZero())

	receive(t, r, 1, "a", testEpoch)
	assert.True(t, r.AckPending())
	assert.False(t, r.NeedsAckNow(), "one packet may wait for the ack delay")
	assert.Equal(t, testEpoch.Add(cfg.AckDelay), r.AckDeadline())

	later := testEpoch.Add(5 * time.Millisecond)
	receive(t, r, 2, "b", later)
	assert.True(t, r.NeedsAckNow())
	assert.Equal(t, testEpoch.Add(cfg.AckDelay), r.AckDeadline(), "the deadline starts at the first unacked packet")

	ack := r.PrepareNextAckHdr(later.Add(time.Millisecond), 77)
	assert.Equal(t, uint32(77), ack.Timestamp)
	assert.Equal(t, uint32(1000), ack.TimestampDelta)
	assert.Equal(t, []wire.ObservedTime{{Seq: 1, Timestamp: 10}, {Seq: 2, Timestamp: 20}}, ack.ObservedTimes)

	r.AckSent()
	assert.False(t, r.AckPending())

	receive(t, r, 4, "d", later)
	assert.True(t, r.NeedsAckNow(), "a gap is acked at once")
}

// TestReceivedTrackerAckBlockOverflow verifies that when the received blocks
// do not fit in one ack the lowest ones are reported.
func TestReceivedTrackerAckBlockOverflow(t *testing.T) {
	r := newTestReceiver(Ordered, 1)
	for seq := uint32(2); seq <= 100; seq += 2 {
		receive(t, r, seq, "x", testEpoch)
	}

	ack := r.PrepareNextAckHdr(testEpoch, 0)
	require.Len(t, ack.Blocks, wire.MaxAckBlockOffsets)
	assert.Equal(t, wire.AckBlockOffset{Offset: 1}, ack.Blocks[0])
	assert.Equal(t, wire.AckBlockOffset{Offset: 61}, ack.Blocks[len(ack.Blocks)-1])
	assert.Len(t, ack.ObservedTimes, wire.MaxObservedTimes, "only the latest arrivals are echoed")

	_, err := wire.AppendHeader(nil, ack)
	require.NoError(t, err)
}

// TestReceivedTrackerPacketCount verifies the periodic received packet count
// report.
func TestReceivedTrackerPacketCount(t *testing.T) {
	cfg := testConfig()
	r := newTestReceiver(Ordered, 1)
	for seq := uint32(1); seq < uint32(cfg.RcvdPktCntInterval); seq++ {
		receive(t, r, seq, "x", testEpoch)
	}
	_, ok := r.RcvdPktCntDue()
	assert.False(t, ok)

	_, err := r.HandleReceivedPacket(uint32(cfg.RcvdPktCntInterval), 2, []byte("x"), false, 0, testEpoch)
	require.NoError(t, err)
	cnt, ok := r.RcvdPktCntDue()
	require.True(t, ok)
	assert.Equal(t, uint32(cfg.RcvdPktCntInterval), cnt.Count)
	assert.Equal(t, uint32(cfg.RcvdPktCntInterval), cnt.Seq)
	assert.Equal(t, uint8(2), cnt.RexmitCount)

	_, ok = r.RcvdPktCntDue()
	assert.False(t, ok, "the report is due once per interval")
}
