package congestion

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	copa2ConnRttAdj = 25 * time.Millisecond
)

// copaBeta2 is the window based Copa variant that tracks the latest RTT
// instead of a standing RTT. Its velocity direction is decided by which way
// at least two thirds of the window adjustments went during one window.
type copaBeta2 struct {
	flight

	connected bool
	delta     float64
	cwnd      float64
	minRtt    float64
	lastRtt   float64
	nextCcSeq uint32
	velCcSeq  uint32
	adjUp     int
	adjDown   int
	vel       velocityState
	damper    damper
	pacer     copaPacer
}

func newCopaBeta2(time.Time) *copaBeta2 {
	return &copaBeta2{
		delta:     copaDefaultDelta,
		cwnd:      copaInitCwndPkts,
		nextCcSeq: 1,
		vel:       velocityState{velocity: 1},
	}
}

func (c *copaBeta2) Configure(p Params) error {
	if p.CopaDelta < 0 || p.CopaDelta > 1 {
		return ErrInvalidParams
	}
	if p.CopaDelta > 0 {
		c.delta = p.CopaDelta
	}
	return nil
}

func (c *copaBeta2) Connected(now time.Time, rtt time.Duration) {
	if c.connected {
		return
	}
	c.connected = true
	c.minRtt = math.Max(secs(rtt), secs(copaMinRtt))
	c.lastRtt = c.minRtt + secs(copa2ConnRttAdj)
	c.pacer.ist = c.lastRtt / c.cwnd
	log.Debug().Float64("min_rtt", c.minRtt).Msg("copa beta2 connected")
}

func (c *copaBeta2) UseRexmitPacing() bool { return true }

func (c *copaBeta2) OnAck(now time.Time, ack AckInfo) {
	if !c.connected || ack.RTT <= 0 {
		return
	}
	measured := math.Max(secs(ack.RTT), secs(copaMinRtt))
	c.minRtt = math.Min(c.minRtt, measured)
	c.lastRtt = measured

	if seqGE(ack.CcSeq, c.velCcSeq) {
		c.updateVelocity()
	}

	dq := measured - c.minRtt
	if c.damper.onRttUpdate(dq, c.pacer.ist, c.delta) {
		c.vel.reset(c.nextCcSeq, c.cwnd, true)
		c.adjUp, c.adjDown = 0, 0
	}

	lambdaTarget := copaMaxRate
	if dq > 0 {
		lambdaTarget = 1 / (c.delta * dq)
	}
	lambda := c.cwnd / measured

	c.vel.limit(c.delta, c.cwnd)
	adj := float64(ack.Bytes) * float64(c.vel.velocity) / (copaNominalPayload * c.delta * c.cwnd)
	if c.damper.canUpdate() {
		if lambda <= lambdaTarget {
			pif := float64(c.bytesInFlight) / copaNominalPayload
			if (c.cwnd <= 8 && pif >= c.cwnd-4) || (c.cwnd > 8 && pif >= c.cwnd/2) {
				c.cwnd += adj
				c.adjUp++
			}
		} else {
			c.cwnd -= adj
			c.adjDown++
		}
	}
	c.cwnd = math.Min(math.Max(c.cwnd, copaMinCwndPkts), MaxCongestionWindowPackets)
	c.pacer.ist = math.Max(c.lastRtt/c.cwnd, copaMinIst)
}

func (c *copaBeta2) updateVelocity() {
	dir := dirNeither
	if total := c.adjUp + c.adjDown; total > 0 {
		threshold := 2.0 * float64(total) / 3.0
		if float64(c.adjUp) >= threshold {
			dir = dirUp
		} else if float64(c.adjDown) >= threshold {
			dir = dirDown
		}
	}
	if dir == dirNeither {
		c.vel.sameDirCnt = 0
		c.vel.velocity = 1
		c.vel.prevDir = dirNeither
	} else {
		c.vel.advance(dir)
	}
	c.adjUp, c.adjDown = 0, 0
	c.velCcSeq = c.nextCcSeq
}

func (c *copaBeta2) OnAckDone(time.Time) {}

func (c *copaBeta2) OnPacketLost(time.Time, LostInfo) bool {
	c.vel.reset(c.nextCcSeq, c.cwnd, false)
	return true
}

func (c *copaBeta2) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := c.nextCcSeq
	c.nextCcSeq++
	c.damper.onPktSend(c.cwnd)
	c.pacer.onSend(now, bytes)
	return ccSeq
}

func (c *copaBeta2) OnPacketResent(now time.Time, seq uint32, bytes int, rto bool) {
	c.damper.onPktSend(c.cwnd)
	if !rto {
		c.pacer.onSend(now, bytes)
	}
}

func (c *copaBeta2) OnRTO(bool)   {}
func (c *copaBeta2) OnOutageEnd() {}

func (c *copaBeta2) CanSend(now time.Time, bytes int) bool {
	return c.connected && windowAdmits(c.CongestionWindow(), c.bytesInFlight, bytes)
}

func (c *copaBeta2) CanResend(time.Time, int) bool { return true }

func (c *copaBeta2) TimeUntilSend(now time.Time) time.Duration { return c.pacer.timeUntilSend(now) }

func (c *copaBeta2) PacingRate() uint64 { return c.pacer.rate() }
func (c *copaBeta2) SendRate() uint64   { return c.pacer.rate() }

func (c *copaBeta2) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (c *copaBeta2) ProcessSyncParams(time.Time, uint16, uint32) {}

func (c *copaBeta2) InSlowStart() bool { return false }
func (c *copaBeta2) InRecovery() bool  { return false }

func (c *copaBeta2) CongestionWindow() int64   { return int64(c.cwnd * copaNominalPayload) }
func (c *copaBeta2) SlowStartThreshold() int64 { return 0 }

func (c *copaBeta2) Algorithm() Algorithm { return CopaBeta2 }

func (c *copaBeta2) Close() {}
