package congestion

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	initialCongestionWindowPackets = 32
	minCongestionWindowPackets     = 2
	maxBurstPackets                = 3
	renoBeta                       = 0.7
)

// cubicBytesSender is the byte based Cubic sender. With reno set it grows the
// window the way TCP Reno does instead.
type cubicBytesSender struct {
	flight

	hybridSlowStart hybridSlowStart
	prr             prrSender
	cubic           *cubicBytes
	reno            bool
	numConnections  int

	nextCcSeq                  uint32
	largestSentCcSeq           uint32
	largestAckedCcSeq          uint32
	largestSentAtLastCutback   uint32
	haveAcked                  bool
	haveCutback                bool
	lastCutbackExitedSlowstart bool

	congestionWindow    int64
	minCongestionWindow int64
	maxCongestionWindow int64
	slowStartThreshold  int64
	numAckedPackets     uint64

	latestRTT time.Duration
	minRTT    time.Duration
	smoothed  time.Duration
}

func newCubicBytesSender(reno bool) *cubicBytesSender {
	return &cubicBytesSender{
		reno:                reno,
		nextCcSeq:           1,
		congestionWindow:    initialCongestionWindowPackets * MaxPacketSize,
		minCongestionWindow: minCongestionWindowPackets * MaxPacketSize,
		maxCongestionWindow: MaxCongestionWindowPackets * MaxPacketSize,
		slowStartThreshold:  MaxCongestionWindowPackets * MaxPacketSize,
	}
}

func (c *cubicBytesSender) Configure(p Params) error {
	if p.NumConnections < 0 {
		return ErrInvalidParams
	}
	c.numConnections = max(p.NumConnections, 1)
	c.cubic = newCubicBytes(c.numConnections)
	return nil
}

func (c *cubicBytesSender) Connected(now time.Time, rtt time.Duration) {
	if rtt > 0 {
		c.latestRTT = rtt
		c.minRTT = rtt
		c.smoothed = rtt
	}
}

func (c *cubicBytesSender) UseRexmitPacing() bool { return false }

func (c *cubicBytesSender) renoBeta() float64 {
	// Emulating N connections means reducing by 1/N of a single flow's
	// reduction on loss.
	n := float64(c.numConnections)
	return (n - 1 + renoBeta) / n
}

func (c *cubicBytesSender) InSlowStart() bool {
	return c.congestionWindow < c.slowStartThreshold
}

func (c *cubicBytesSender) InRecovery() bool {
	return c.haveAcked && c.haveCutback && seqLE(c.largestAckedCcSeq, c.largestSentAtLastCutback)
}

func (c *cubicBytesSender) OnAck(now time.Time, ack AckInfo) {
	if ack.RTT > 0 {
		c.latestRTT = ack.RTT
		if c.minRTT == 0 || ack.RTT < c.minRTT {
			c.minRTT = ack.RTT
		}
		if c.smoothed == 0 {
			c.smoothed = ack.RTT
		} else {
			c.smoothed = (7*c.smoothed + ack.RTT) / 8
		}
		c.maybeExitSlowStart()
	}

	// The ack has already been removed from the in flight count.
	priorInFlight := c.bytesInFlight + int64(ack.Bytes)
	if !c.haveAcked || seqGE(ack.CcSeq, c.largestAckedCcSeq) {
		c.largestAckedCcSeq = ack.CcSeq
		c.haveAcked = true
	}
	if c.InRecovery() {
		c.prr.OnPacketAcked(int64(ack.Bytes))
		return
	}
	c.maybeIncreaseCwnd(int64(ack.Bytes), priorInFlight, now)
	if c.InSlowStart() {
		c.hybridSlowStart.onPacketAcked(ack.CcSeq)
	}
}

func (c *cubicBytesSender) maybeExitSlowStart() {
	if c.InSlowStart() && c.hybridSlowStart.shouldExitSlowStart(c.latestRTT, c.minRTT, c.congestionWindow/MaxPacketSize) {
		c.slowStartThreshold = c.congestionWindow
		log.Debug().Int64("cwnd", c.congestionWindow).Msg("hybrid slow start exit")
	}
}

func (c *cubicBytesSender) maybeIncreaseCwnd(ackedBytes, priorInFlight int64, eventTime time.Time) {
	// Do not grow the window when the sender is not using it.
	if !c.isCwndLimited(priorInFlight) {
		c.cubic.OnApplicationLimited()
		return
	}
	if c.congestionWindow >= c.maxCongestionWindow {
		return
	}
	if c.InSlowStart() {
		c.congestionWindow += MaxPacketSize
		return
	}
	if c.reno {
		// Classic Reno congestion avoidance.
		c.numAckedPackets++
		if c.numAckedPackets*uint64(c.numConnections) >= uint64(c.congestionWindow)/MaxPacketSize {
			c.congestionWindow += MaxPacketSize
			c.numAckedPackets = 0
		}
		return
	}
	c.congestionWindow = min(c.maxCongestionWindow, c.cubic.CongestionWindowAfterAck(ackedBytes, c.congestionWindow, c.minRTT, eventTime))
}

func (c *cubicBytesSender) isCwndLimited(bytesInFlight int64) bool {
	if bytesInFlight >= c.congestionWindow {
		return true
	}
	available := c.congestionWindow - bytesInFlight
	slowStartLimited := c.InSlowStart() && bytesInFlight > c.congestionWindow/2
	return slowStartLimited || available <= maxBurstPackets*MaxPacketSize
}

func (c *cubicBytesSender) OnAckDone(time.Time) {}

// OnPacketLost reduces the window once per loss event: losses of packets
// sent before the last cutback belong to the same event.
func (c *cubicBytesSender) OnPacketLost(now time.Time, lost LostInfo) bool {
	if c.haveCutback && seqLE(lost.CcSeq, c.largestSentAtLastCutback) {
		return true
	}
	c.lastCutbackExitedSlowstart = c.InSlowStart()
	c.prr.OnPacketLost(c.bytesInFlight + int64(lost.Bytes))

	if c.reno {
		c.congestionWindow = int64(float64(c.congestionWindow) * c.renoBeta())
	} else {
		c.congestionWindow = c.cubic.CongestionWindowAfterPacketLoss(c.congestionWindow)
	}
	if c.congestionWindow < c.minCongestionWindow {
		c.congestionWindow = c.minCongestionWindow
	}
	c.slowStartThreshold = c.congestionWindow
	c.largestSentAtLastCutback = c.largestSentCcSeq
	c.haveCutback = true
	c.numAckedPackets = 0
	log.Debug().
		Uint32("cc_seq", lost.CcSeq).
		Int64("cwnd", c.congestionWindow).
		Int64("ssthresh", c.slowStartThreshold).
		Msg("congestion window reduced after loss")
	return true
}

func (c *cubicBytesSender) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := c.nextCcSeq
	c.nextCcSeq++
	if c.InRecovery() {
		c.prr.OnPacketSent(int64(bytes))
	}
	c.largestSentCcSeq = ccSeq
	c.hybridSlowStart.onPacketSent(ccSeq)
	return ccSeq
}

func (c *cubicBytesSender) OnPacketResent(now time.Time, seq uint32, bytes int, rto bool) {
	if c.InRecovery() {
		c.prr.OnPacketSent(int64(bytes))
	}
}

// OnRTO collapses the window when the timeout caused retransmissions.
func (c *cubicBytesSender) OnRTO(pktRexmit bool) {
	c.haveCutback = false
	if !pktRexmit {
		return
	}
	c.hybridSlowStart.restart()
	c.cubic.Reset()
	c.slowStartThreshold = c.congestionWindow / 2
	c.congestionWindow = c.minCongestionWindow
}

func (c *cubicBytesSender) OnOutageEnd() {}

func (c *cubicBytesSender) CanSend(now time.Time, bytes int) bool {
	if !windowAdmits(c.congestionWindow, c.bytesInFlight, bytes) {
		return false
	}
	if c.InRecovery() {
		return c.prr.CanSend(c.congestionWindow, c.bytesInFlight, c.slowStartThreshold)
	}
	return true
}

func (c *cubicBytesSender) CanResend(now time.Time, bytes int) bool {
	return c.CanSend(now, bytes)
}

func (c *cubicBytesSender) TimeUntilSend(time.Time) time.Duration { return 0 }

// PacingRate is twice the window rate in slow start and 1.25 times after.
func (c *cubicBytesSender) PacingRate() uint64 {
	srtt := c.smoothed
	if srtt <= 0 {
		return 0
	}
	bw := uint64(float64(c.congestionWindow*8) / srtt.Seconds())
	if c.InSlowStart() {
		return 2 * bw
	}
	return bw * 5 / 4
}

func (c *cubicBytesSender) SendRate() uint64 {
	if c.smoothed <= 0 {
		return 0
	}
	return uint64(float64(c.congestionWindow*8) / c.smoothed.Seconds())
}

func (c *cubicBytesSender) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (c *cubicBytesSender) ProcessSyncParams(time.Time, uint16, uint32) {}

func (c *cubicBytesSender) CongestionWindow() int64   { return c.congestionWindow }
func (c *cubicBytesSender) SlowStartThreshold() int64 { return c.slowStartThreshold }

func (c *cubicBytesSender) Algorithm() Algorithm {
	if c.reno {
		return RenoBytes
	}
	return CubicBytes
}

func (c *cubicBytesSender) Close() {}
