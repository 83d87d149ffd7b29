package sliq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

type sentFixture struct {
	cfg  *Config
	cc   *fakeController
	rtt  *RttEstimator
	pool *BufferPool
	t    *SentPacketTracker
}

func newSentFixture(scfg StreamConfig, initSeq uint32, tweak func(*Config)) *sentFixture {
	cfg := testConfig()
	if tweak != nil {
		tweak(cfg)
	}
	f := &sentFixture{
		cfg:  cfg,
		cc:   &fakeController{},
		rtt:  NewRttEstimator(cfg),
		pool: NewBufferPool(0),
	}
	f.t = NewSentPacketTracker(cfg, 1, scfg, initSeq, f.cc, f.rtt)
	return f
}

// sendN sends n packets of 100 bytes each, starting at the tracker's next
// sequence number.
func (f *sentFixture) sendN(t *testing.T, n int, now time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		buf, err := f.pool.Acquire()
		require.NoError(t, err)
		buf.SetLen(100)
		_, err = f.t.AddSentPacket(f.t.NextSeq(), buf, false, now, 0)
		require.NoError(t, err)
	}
}

// ackRange builds an ack whose cumulative point is next and which selectively
// covers the packets in [from, to].
func ackRange(next, from, to uint32) *wire.AckHeader {
	h := &wire.AckHeader{StreamID: 1, NextExpected: next}
	if from == to {
		h.Blocks = []wire.AckBlockOffset{{Offset: uint16(from - next)}}
	} else {
		h.Blocks = []wire.AckBlockOffset{
			{Multi: true, Offset: uint16(from - next)},
			{Multi: true, Offset: uint16(to - next)},
		}
	}
	return h
}

// TestSentTrackerSelectiveAckBelowReorderThreshold sends 1..5 and acks
// {1,2,4,5}. Packet 3 is only two below the largest ack, so it stays in
// flight until the retransmission timer fires; it is then resent exactly once.
func TestSentTrackerSelectiveAckBelowReorderThreshold(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 5, testEpoch)
	require.Equal(t, uint32(6), f.t.NextSeq())
	require.Equal(t, 5, f.cc.pkts)

	now := testEpoch.Add(50 * time.Millisecond)
	res, err := f.t.ProcessAck(ackRange(3, 4, 5), now)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 4, 5}, res.NewlyAcked)
	assert.Empty(t, res.Lost, "packet 3 is within the reorder threshold")
	assert.True(t, res.RTTSampled)
	assert.Equal(t, 50*time.Millisecond, res.RTT)
	assert.Equal(t, uint32(3), f.t.LowestUnacked())
	assert.Equal(t, 1, f.cc.pkts)
	assert.False(t, f.t.IsAllDataAcked())

	deadline := f.t.NextRtoDeadline()
	require.False(t, deadline.IsZero())
	assert.Equal(t, now.Add(f.rtt.RTO()), deadline)

	rto, err := f.t.RtoCheck(deadline.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.False(t, rto.Expired)

	rto, err = f.t.RtoCheck(deadline)
	require.NoError(t, err)
	require.True(t, rto.Expired)
	assert.Equal(t, []uint32{3}, rto.Lost)
	assert.Equal(t, 1, f.cc.rtos)
	assert.Equal(t, 0, f.cc.pkts)

	rec := f.t.NextRexmit()
	require.NotNil(t, rec)
	assert.Equal(t, uint32(3), rec.Seq)
	f.t.SentRexmit(rec, deadline.Add(time.Millisecond), 7)
	assert.Nil(t, f.t.NextRexmit(), "packet 3 must be queued only once")
	assert.Equal(t, 1, f.cc.resent)
	assert.Equal(t, uint8(1), rec.RexmitCount)

	rto, err = f.t.RtoCheck(deadline.Add(2 * time.Millisecond))
	require.NoError(t, err)
	assert.False(t, rto.Expired)

	res, err = f.t.ProcessAck(&wire.AckHeader{StreamID: 1, NextExpected: 6}, deadline.Add(60*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, res.NewlyAcked)
	assert.False(t, res.RTTSampled, "a retransmitted packet never yields a sample")
	assert.True(t, f.t.IsAllDataAcked())
	assert.Zero(t, f.t.BytesInFlight())
	assert.Zero(t, f.cc.pkts)
	assert.Zero(t, f.cc.bytes)
	assert.True(t, f.t.NextRtoDeadline().IsZero())
	assert.Zero(t, f.pool.Outstanding(), "acknowledged payloads return to the pool")
}

// TestSentTrackerAckIsIdempotent verifies that applying one ack twice has
// the effect of applying it once.
func TestSentTrackerAckIsIdempotent(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 100, nil)
	f.sendN(t, 4, testEpoch)

	ack := ackRange(101, 103, 103)
	now := testEpoch.Add(20 * time.Millisecond)
	first, err := f.t.ProcessAck(ack, now)
	require.NoError(t, err)
	assert.Equal(t, []uint32{100, 103}, first.NewlyAcked)
	inFlight := f.t.BytesInFlight()
	acked := len(f.cc.acked)

	second, err := f.t.ProcessAck(ack, now.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, second.NewlyAcked)
	assert.Empty(t, second.Lost)
	assert.Equal(t, inFlight, f.t.BytesInFlight())
	assert.Len(t, f.cc.acked, acked)
	assert.Equal(t, uint32(101), f.t.LowestUnacked())
}

// TestSentTrackerRejectsAckForUnsentData verifies that an ack covering
// packets that were never sent is a protocol violation and changes nothing.
func TestSentTrackerRejectsAckForUnsentData(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 3, testEpoch)

	tests := []struct {
		name string
		ack  *wire.AckHeader
	}{
		{"cumulative point beyond next", &wire.AckHeader{StreamID: 1, NextExpected: 10}},
		{"selective block beyond next", ackRange(2, 4, 4)},
		{"unterminated range", &wire.AckHeader{StreamID: 1, NextExpected: 1, Blocks: []wire.AckBlockOffset{{Multi: true, Offset: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.t.ProcessAck(tt.ack, testEpoch.Add(time.Millisecond))
			require.Error(t, err)
			assert.Equal(t, uint32(1), f.t.LowestUnacked())
			assert.Equal(t, 3, f.cc.pkts)
		})
	}

	_, err := f.t.ProcessAck(&wire.AckHeader{StreamID: 1, NextExpected: 10}, testEpoch)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// TestSentTrackerGapLoss verifies that a packet ReorderThreshold below the
// largest ack is declared lost and queued for retransmission.
func TestSentTrackerGapLoss(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 6, testEpoch)

	res, err := f.t.ProcessAck(ackRange(2, 3, 6), testEpoch.Add(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 4, 5, 6}, res.NewlyAcked)
	assert.Equal(t, []uint32{2}, res.Lost)
	assert.Equal(t, []uint32{2}, f.cc.lost)
	assert.Equal(t, 1, f.t.PendingRetransmits())
	assert.Zero(t, f.t.BytesInFlight(), "lost packets are no longer in flight")
	assert.True(t, f.t.NextRtoDeadline().IsZero())
}

// TestSentTrackerLossCountsHigherAcks verifies that a hole is declared lost
// only once ReorderThreshold packets above it were acknowledged, however far
// ahead the largest acknowledgment is.
func TestSentTrackerLossCountsHigherAcks(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 7, testEpoch)
	now := testEpoch.Add(30 * time.Millisecond)

	res, err := f.t.ProcessAck(ackRange(2, 7, 7), now)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 7}, res.NewlyAcked)
	assert.Empty(t, res.Lost, "one packet above the holes is not enough")

	res, err = f.t.ProcessAck(ackRange(2, 6, 7), now.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, res.Lost)

	res, err = f.t.ProcessAck(ackRange(2, 5, 7), now.Add(2*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3, 4}, res.Lost)
	assert.Equal(t, []uint32{2, 3, 4}, f.cc.lost)
	assert.Equal(t, 3, f.t.PendingRetransmits())

	rec := f.t.NextRexmit()
	require.NotNil(t, rec)
	assert.Equal(t, uint32(2), rec.Seq, "retransmissions go out oldest first")
}

// TestSentTrackerFixedRateAdmission verifies that a rate based controller
// limits admission to its configured rate even though its window never
// fills.
func TestSentTrackerFixedRateAdmission(t *testing.T) {
	cfg := testConfig()
	cc, err := congestion.New(congestion.Params{Algorithm: congestion.FixedRate, FixedSendRate: 1_000_000}, testEpoch)
	require.NoError(t, err)
	cc.Connected(testEpoch, 0)
	tr := NewSentPacketTracker(cfg, 1, DefaultStreamConfig(), 1, cc, NewRttEstimator(cfg))
	pool := NewBufferPool(0)

	send := func(now time.Time) bool {
		size := wire.DataHeaderBaseSize + cfg.maxPayload()
		if !tr.CanSend(now, size) {
			return false
		}
		buf, err := pool.Acquire()
		require.NoError(t, err)
		buf.SetLen(cfg.maxPayload())
		_, err = tr.AddSentPacket(tr.NextSeq(), buf, false, now, 0)
		require.NoError(t, err)
		return true
	}

	burst := 0
	for send(testEpoch) {
		burst++
		require.Less(t, burst, 10, "admission never stops at a single instant")
	}
	assert.LessOrEqual(t, burst, 2)
	assert.Positive(t, cc.TimeUntilSend(testEpoch))

	// 1 Mbit/s moves about 83 full sized datagrams a second.
	sent := burst
	for now := testEpoch; now.Before(testEpoch.Add(time.Second)); now = now.Add(time.Millisecond) {
		for send(now) {
			sent++
		}
	}
	assert.InDelta(t, 84, sent, 3)
}

// TestSentTrackerBestEffortAbandons verifies that a best effort stream skips
// lost packets and asks the receiver to move forward.
func TestSentTrackerBestEffortAbandons(t *testing.T) {
	scfg := StreamConfig{Reliability: BestEffort, Delivery: Unordered}
	f := newSentFixture(scfg, 1, nil)
	f.sendN(t, 6, testEpoch)

	res, err := f.t.ProcessAck(ackRange(2, 3, 6), testEpoch.Add(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, res.Abandoned)
	assert.Empty(t, res.Lost)
	assert.Zero(t, f.t.PendingRetransmits())
	assert.True(t, f.t.IsAllDataAcked())

	seq, ok := f.t.MoveForwardSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(7), seq)

	_, err = f.t.ProcessAck(&wire.AckHeader{StreamID: 1, NextExpected: 7}, testEpoch.Add(40*time.Millisecond))
	require.NoError(t, err)
	_, ok = f.t.MoveForwardSeq()
	assert.False(t, ok, "the receiver has caught up")
	assert.Zero(t, f.pool.Outstanding())
}

// TestSentTrackerSemiReliableLimit verifies that a semi-reliable packet is
// resent up to the limit and then abandoned.
func TestSentTrackerSemiReliableLimit(t *testing.T) {
	scfg := StreamConfig{Reliability: SemiReliable, RexmitLimit: 1}
	f := newSentFixture(scfg, 1, nil)
	f.sendN(t, 1, testEpoch)

	now := f.t.NextRtoDeadline()
	rto, err := f.t.RtoCheck(now)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, rto.Lost)

	rec := f.t.NextRexmit()
	require.NotNil(t, rec)
	f.t.SentRexmit(rec, now, 0)

	rto, err = f.t.RtoCheck(f.t.NextRtoDeadline())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, rto.Abandoned)
	assert.True(t, f.t.IsAllDataAcked())
	seq, ok := f.t.MoveForwardSeq()
	assert.True(t, ok)
	assert.Equal(t, uint32(2), seq)
}

// TestSentTrackerReliableLimitExceeded verifies that a reliable packet
// exceeding its limit fails the stream and drops everything unacknowledged.
func TestSentTrackerReliableLimitExceeded(t *testing.T) {
	scfg := DefaultStreamConfig()
	scfg.RexmitLimit = 1
	f := newSentFixture(scfg, 1, nil)
	f.sendN(t, 2, testEpoch)

	now := f.t.NextRtoDeadline()
	_, err := f.t.RtoCheck(now)
	require.NoError(t, err)
	for rec := f.t.NextRexmit(); rec != nil; rec = f.t.NextRexmit() {
		f.t.SentRexmit(rec, now, 0)
	}

	_, err = f.t.RtoCheck(f.t.NextRtoDeadline())
	require.ErrorIs(t, err, ErrRetransmitLimitExceeded)
	assert.True(t, f.t.IsAllDataAcked())
	assert.Zero(t, f.cc.pkts)
	assert.Zero(t, f.pool.Outstanding())
}

// TestSentTrackerRtoBackoff verifies the exponential backoff of consecutive
// retransmission timeouts.
func TestSentTrackerRtoBackoff(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 1, testEpoch)
	require.Equal(t, testEpoch.Add(initialRTO), f.t.NextRtoDeadline())

	now := f.t.NextRtoDeadline()
	_, err := f.t.RtoCheck(now)
	require.NoError(t, err)
	f.t.SentRexmit(f.t.NextRexmit(), now, 0)
	assert.Equal(t, now.Add(2*initialRTO), f.t.NextRtoDeadline())

	now = f.t.NextRtoDeadline()
	_, err = f.t.RtoCheck(now)
	require.NoError(t, err)
	f.t.SentRexmit(f.t.NextRexmit(), now, 0)
	assert.Equal(t, now.Add(4*initialRTO), f.t.NextRtoDeadline())
}

// TestSentTrackerConfigurableThresholds verifies that the reordering
// threshold and the RTO backoff multiplier come from the configuration.
func TestSentTrackerConfigurableThresholds(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, func(cfg *Config) {
		cfg.ReorderThreshold = 2
		cfg.RTOBackoffMultiplier = 3
	})
	f.sendN(t, 5, testEpoch)

	res, err := f.t.ProcessAck(ackRange(3, 4, 5), testEpoch.Add(30*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, res.Lost, "two higher acks are enough")

	g := newSentFixture(DefaultStreamConfig(), 1, func(cfg *Config) { cfg.RTOBackoffMultiplier = 3 })
	g.sendN(t, 1, testEpoch)
	now := g.t.NextRtoDeadline()
	_, err = g.t.RtoCheck(now)
	require.NoError(t, err)
	g.t.SentRexmit(g.t.NextRexmit(), now, 0)
	assert.Equal(t, now.Add(3*initialRTO), g.t.NextRtoDeadline())
}

// TestSentTrackerFlowControlWindow verifies that no more than the window of
// packets can be unacknowledged.
func TestSentTrackerFlowControlWindow(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, func(cfg *Config) { cfg.FlowControlWindow = 2 })
	f.sendN(t, 2, testEpoch)
	assert.False(t, f.t.CanSend(testEpoch, 100))

	_, err := f.t.AddSentPacket(3, nil, false, testEpoch, 0)
	require.ErrorIs(t, err, ErrWouldBlock)

	_, err = f.t.ProcessAck(&wire.AckHeader{StreamID: 1, NextExpected: 2}, testEpoch.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, f.t.CanSend(testEpoch, 100))
}

// TestSentTrackerSequenceWraparound verifies acknowledgment across the
// 32-bit sequence number wrap.
func TestSentTrackerSequenceWraparound(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 0xFFFFFFFE, nil)
	f.sendN(t, 4, testEpoch)
	assert.Equal(t, uint32(2), f.t.NextSeq())

	res, err := f.t.ProcessAck(&wire.AckHeader{StreamID: 1, NextExpected: 1}, testEpoch.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0xFFFFFFFE, 0xFFFFFFFF, 0}, res.NewlyAcked)
	assert.Equal(t, uint32(1), f.t.LowestUnacked())
}

// TestSentTrackerImplicitAck verifies that a received packet count report
// acknowledges the packets below it without an RTT sample.
func TestSentTrackerImplicitAck(t *testing.T) {
	f := newSentFixture(DefaultStreamConfig(), 1, nil)
	f.sendN(t, 3, testEpoch)

	n := f.t.ProcessImplicitAck(3, testEpoch.Add(10*time.Millisecond))
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(3), f.t.LowestUnacked())
	assert.False(t, f.rtt.Initialized())
	assert.Zero(t, f.t.ProcessImplicitAck(2, testEpoch.Add(11*time.Millisecond)))
}
