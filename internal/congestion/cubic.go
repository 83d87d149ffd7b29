package congestion

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	cubicC            = 0.4
	cubicPktBeta      = 0.7
	cubicInitCwndPkts = 3.0
	cubicMinCwndPkts  = 2.0
	cubicMinIncrement = 0.01
)

// cubicSender is the packet based Cubic of RFC 8312: the window is counted in
// packets of MaxPacketSize bytes and follows W(t) = C*(t-K)^3 + Wmax in
// congestion avoidance, never falling below the TCP friendly estimate.
type cubicSender struct {
	flight

	cwnd     float64
	ssthresh float64
	wMax     float64
	lastWMax float64
	k        float64
	epoch    time.Time
	wEst     float64

	nextCcSeq        uint32
	largestSentCcSeq uint32
	cutbackCcSeq     uint32
	haveCutback      bool
	recovering       bool

	minRTT   time.Duration
	smoothed time.Duration
}

func newCubicSender() *cubicSender {
	return &cubicSender{
		cwnd:      cubicInitCwndPkts,
		ssthresh:  MaxCongestionWindowPackets,
		nextCcSeq: 1,
	}
}

func (c *cubicSender) Configure(p Params) error {
	if p.NumConnections < 0 {
		return ErrInvalidParams
	}
	return nil
}

func (c *cubicSender) Connected(now time.Time, rtt time.Duration) {
	if rtt > 0 {
		c.minRTT = rtt
		c.smoothed = rtt
	}
}

func (c *cubicSender) UseRexmitPacing() bool { return false }

func (c *cubicSender) OnAck(now time.Time, ack AckInfo) {
	if ack.RTT > 0 {
		if c.minRTT == 0 || ack.RTT < c.minRTT {
			c.minRTT = ack.RTT
		}
		if c.smoothed == 0 {
			c.smoothed = ack.RTT
		} else {
			c.smoothed = (7*c.smoothed + ack.RTT) / 8
		}
	}
	if c.haveCutback && seqLE(ack.CcSeq, c.cutbackCcSeq) {
		return
	}
	c.recovering = false

	if c.cwnd < c.ssthresh {
		c.cwnd = math.Min(c.cwnd+1, c.ssthresh)
	} else {
		c.congestionAvoidance(now)
	}
	c.cwnd = math.Min(c.cwnd, MaxCongestionWindowPackets)
}

func (c *cubicSender) congestionAvoidance(now time.Time) {
	if c.epoch.IsZero() {
		c.epoch = now
		if c.cwnd < c.wMax {
			c.k = math.Cbrt((c.wMax - c.cwnd) / cubicC)
		} else {
			c.k = 0
			c.wMax = c.cwnd
		}
		c.wEst = c.cwnd
	}
	t := secs(now.Sub(c.epoch) + c.minRTT)
	target := cubicC*math.Pow(t-c.k, 3) + c.wMax

	// TCP friendly region: the window Reno would have reached.
	c.wEst += 3 * (1 - cubicPktBeta) / (1 + cubicPktBeta) / c.cwnd
	if target > c.cwnd {
		c.cwnd += (target - c.cwnd) / c.cwnd
	} else {
		c.cwnd += cubicMinIncrement / c.cwnd
	}
	if c.wEst > c.cwnd {
		c.cwnd = c.wEst
	}
}

func (c *cubicSender) OnAckDone(time.Time) {}

// OnPacketLost cuts the window once per window of data, applying fast
// convergence when the previous maximum was not reached.
func (c *cubicSender) OnPacketLost(now time.Time, lost LostInfo) bool {
	if c.haveCutback && seqLE(lost.CcSeq, c.cutbackCcSeq) {
		return true
	}
	c.epoch = time.Time{}
	if c.cwnd < c.lastWMax {
		c.wMax = c.cwnd * (1 + cubicPktBeta) / 2
	} else {
		c.wMax = c.cwnd
	}
	c.lastWMax = c.cwnd
	c.cwnd = math.Max(c.cwnd*cubicPktBeta, cubicMinCwndPkts)
	c.ssthresh = c.cwnd
	c.k = math.Cbrt(c.wMax * (1 - cubicPktBeta) / cubicC)
	c.cutbackCcSeq = c.largestSentCcSeq
	c.haveCutback = true
	c.recovering = true
	log.Debug().Uint32("cc_seq", lost.CcSeq).Float64("cwnd", c.cwnd).Float64("w_max", c.wMax).Msg("cubic loss")
	return true
}

func (c *cubicSender) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := c.nextCcSeq
	c.nextCcSeq++
	c.largestSentCcSeq = ccSeq
	return ccSeq
}

func (c *cubicSender) OnPacketResent(time.Time, uint32, int, bool) {}

func (c *cubicSender) OnRTO(pktRexmit bool) {
	c.haveCutback = false
	c.recovering = false
	if !pktRexmit {
		return
	}
	c.epoch = time.Time{}
	c.ssthresh = math.Max(c.cwnd/2, cubicMinCwndPkts)
	c.cwnd = cubicMinCwndPkts
}

func (c *cubicSender) OnOutageEnd() {}

func (c *cubicSender) CanSend(now time.Time, bytes int) bool {
	return windowAdmits(c.CongestionWindow(), c.bytesInFlight, bytes)
}

func (c *cubicSender) CanResend(now time.Time, bytes int) bool { return c.CanSend(now, bytes) }

func (c *cubicSender) TimeUntilSend(time.Time) time.Duration { return 0 }

func (c *cubicSender) PacingRate() uint64 {
	if c.smoothed <= 0 {
		return 0
	}
	return uint64(float64(c.CongestionWindow()*8) / c.smoothed.Seconds())
}

func (c *cubicSender) SendRate() uint64 { return c.PacingRate() }

func (c *cubicSender) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (c *cubicSender) ProcessSyncParams(time.Time, uint16, uint32) {}

func (c *cubicSender) InSlowStart() bool { return c.cwnd < c.ssthresh }
func (c *cubicSender) InRecovery() bool  { return c.recovering }

func (c *cubicSender) CongestionWindow() int64 { return int64(c.cwnd * MaxPacketSize) }

func (c *cubicSender) SlowStartThreshold() int64 {
	return int64(math.Min(c.ssthresh, MaxCongestionWindowPackets) * MaxPacketSize)
}

func (c *cubicSender) Algorithm() Algorithm { return Cubic }

func (c *cubicSender) Close() {}
