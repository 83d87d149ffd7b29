package congestion

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	copaDefaultDelta = 0.5
	copaSrttAlpha    = 1.0 / 16.0

	// Copa windows are kept in units of the payload of a nominal packet.
	copaNominalPktSize = 1000
	copaNominalPayload = copaNominalPktSize - 20
	copaPktOverhead    = 54

	copaInitCwndPkts   = 3.0
	copaMinCwndPkts    = 2.0
	copaIncCwndPkts    = 16.0
	copaIncCwndRatio   = 0.5
	copaDamperThresPkt = 40.0

	copaQuiescent      = 10 * time.Millisecond
	copaTimerTolerance = time.Millisecond
	copaMinRtt         = 100 * time.Microsecond

	// copaMaxRate is in packets per second.
	copaMaxRate = 1.0e10 / ((copaNominalPktSize + copaPktOverhead) * 8.0)
	copaMinIst  = 1.0 / (2.0 * copaMaxRate)
)

type copaState int

const (
	copaNotConnected copaState = iota
	copaSlowStart
	copaClosedLoop
)

// copaPacer spaces packets ist seconds apart, scaled by packet size.
type copaPacer struct {
	ist          float64
	nextSendTime time.Time
}

func (p *copaPacer) onSend(now time.Time, bytes int) {
	pktIst := p.ist * float64(bytes+20+copaPktOverhead) / float64(copaNominalPktSize+copaPktOverhead)
	if p.nextSendTime.IsZero() || now.After(p.nextSendTime.Add(copaQuiescent)) {
		p.nextSendTime = now.Add(fromSecs(pktIst))
	} else {
		p.nextSendTime = p.nextSendTime.Add(fromSecs(pktIst))
	}
}

func (p *copaPacer) timeUntilSend(now time.Time) time.Duration {
	if !now.Add(copaTimerTolerance).Before(p.nextSendTime) {
		return 0
	}
	return p.nextSendTime.Sub(now)
}

func (p *copaPacer) rate() uint64 {
	if p.ist <= 0 {
		return 0
	}
	return uint64((copaNominalPktSize + copaPktOverhead) * 8.0 / p.ist)
}

type velocityDir int

const (
	dirNeither velocityDir = iota
	dirUp
	dirDown
)

// velocityState doubles the Copa velocity once the window has moved in the
// same direction for three consecutive windows.
type velocityState struct {
	velocity   uint32
	prevDir    velocityDir
	sameDirCnt int
	startCcSeq uint32
	startCwnd  float64
	increasing bool
}

func (v *velocityState) update(nextCcSeq uint32, cwnd float64, increasing bool) {
	dir := dirNeither
	if cwnd > v.startCwnd {
		dir = dirUp
	} else if cwnd < v.startCwnd {
		dir = dirDown
	}
	v.advance(dir)
	v.startCcSeq = nextCcSeq
	v.startCwnd = cwnd
	v.increasing = increasing
}

func (v *velocityState) advance(dir velocityDir) {
	if dir != dirNeither && dir == v.prevDir {
		if v.velocity == 1 && v.sameDirCnt < 3 {
			v.sameDirCnt++
		} else {
			v.velocity *= 2
		}
	} else {
		v.sameDirCnt = 0
		v.velocity = 1
	}
	v.prevDir = dir
}

func (v *velocityState) reset(nextCcSeq uint32, cwnd float64, increasing bool) {
	v.prevDir = dirNeither
	v.sameDirCnt = 0
	v.startCcSeq = nextCcSeq
	v.startCwnd = cwnd
	v.increasing = increasing
	v.velocity = 1
}

// limit keeps the velocity in [1, delta*cwnd] so the rate can at most
// double once per RTT.
func (v *velocityState) limit(delta, cwnd float64) {
	if maxV := uint32(delta * cwnd); v.velocity > maxV {
		v.velocity = maxV
	}
	if v.velocity < 1 {
		v.velocity = 1
	}
}

type damperState int

const (
	damperMonitorHigh damperState = iota
	damperMonitorLow
	damperHold
	damperWait
)

// damper freezes the window for a window's worth of packets after a large
// standing queue drains.
type damper struct {
	state   damperState
	holdCnt int
}

func (d *damper) onRttUpdate(queueingDelay, ist, delta float64) bool {
	switch d.state {
	case damperMonitorHigh:
		if queueingDelay/ist > copaDamperThresPkt {
			d.state = damperMonitorLow
		}
	case damperMonitorLow:
		if queueingDelay/ist < 1.0/delta {
			d.state = damperHold
			d.holdCnt = 0
			return true
		}
	}
	return false
}

func (d *damper) onPktSend(cwnd float64) {
	if d.state != damperHold && d.state != damperWait {
		return
	}
	d.holdCnt++
	if float64(d.holdCnt) > cwnd {
		if d.state == damperHold {
			d.state = damperWait
		} else {
			d.state = damperMonitorHigh
		}
		d.holdCnt = 0
	}
}

func (d *damper) canUpdate() bool { return d.state != damperHold }

// copaSender is the window based Copa: the window follows the target rate
// 1/(delta*dq), where dq is the standing RTT above the minimum RTT.
type copaSender struct {
	flight

	state       copaState
	delta       float64
	cwnd        float64
	srtt        float64
	minRttFilt  *windowedFilter
	standing    *windowedFilter
	minRtt      float64
	standingRtt float64
	nextCcSeq   uint32
	vel         velocityState
	damper      damper
	pacer       copaPacer
}

func newCopa(now time.Time) *copaSender {
	return &copaSender{
		delta:      copaDefaultDelta,
		cwnd:       copaInitCwndPkts,
		minRttFilt: newWindowedMinFilter(800 * time.Millisecond),
		standing:   newWindowedMinFilter(100 * time.Millisecond),
		nextCcSeq:  1,
		vel:        velocityState{velocity: 1},
	}
}

func (c *copaSender) Configure(p Params) error {
	if p.CopaDelta < 0 || p.CopaDelta > 1 {
		return ErrInvalidParams
	}
	if p.CopaDelta > 0 {
		c.delta = p.CopaDelta
	}
	return nil
}

func (c *copaSender) Connected(now time.Time, rtt time.Duration) {
	if c.state != copaNotConnected {
		return
	}
	r := math.Max(secs(rtt), secs(copaMinRtt))
	c.srtt = r
	c.minRtt = r
	c.standingRtt = r
	c.minRttFilt.Reset(rtt, now)
	c.standing.Reset(rtt, now)
	c.pacer.ist = r / c.cwnd
	c.vel.reset(c.nextCcSeq, c.cwnd, true)
	c.state = copaSlowStart
	log.Debug().Float64("min_rtt", r).Float64("delta", c.delta).Msg("copa connected")
}

func (c *copaSender) UseRexmitPacing() bool { return true }

func (c *copaSender) OnAck(now time.Time, ack AckInfo) {
	if c.state == copaNotConnected || ack.RTT <= 0 {
		return
	}
	rtt := ack.RTT
	if rtt < copaMinRtt {
		rtt = copaMinRtt
	}
	measured := secs(rtt)

	c.minRttFilt.SetWindow(max(fromSecs(28*c.minRtt), 800*time.Millisecond))
	c.minRttFilt.Update(rtt, now)
	c.minRtt = secs(c.minRttFilt.Best())

	c.srtt = copaSrttAlpha*measured + (1-copaSrttAlpha)*c.srtt
	c.standing.SetWindow(fromSecs(c.srtt / 2))
	c.standing.Update(rtt, now)
	c.standingRtt = secs(c.standing.Best())

	dq := math.Max(c.standingRtt-c.minRtt, 0)
	lambdaTarget := copaMaxRate
	if dq > 0 {
		lambdaTarget = 1 / (c.delta * dq)
	}
	lambda := c.cwnd / c.standingRtt
	increasing := lambda <= lambdaTarget
	pktUnits := float64(ack.Bytes) / copaNominalPayload

	switch c.state {
	case copaSlowStart:
		if c.keepingChannelFull() {
			c.cwnd += pktUnits
		}
		if lambda > lambdaTarget {
			c.state = copaClosedLoop
			log.Debug().Float64("cwnd", c.cwnd).Msg("copa slow start done")
		}
	case copaClosedLoop:
		if c.damper.onRttUpdate(dq, c.pacer.ist, c.delta) {
			c.vel.reset(c.nextCcSeq, c.cwnd, increasing)
		}
		if c.damper.canUpdate() {
			if seqGE(ack.CcSeq, c.vel.startCcSeq) {
				c.vel.update(c.nextCcSeq, c.cwnd, increasing)
			}
			if increasing != c.vel.increasing {
				c.vel.reset(c.nextCcSeq, c.cwnd, increasing)
			}
			c.vel.limit(c.delta, c.cwnd)
			adj := pktUnits * float64(c.vel.velocity) / (c.delta * c.cwnd)
			if increasing {
				if c.keepingChannelFull() {
					c.cwnd += adj
				}
			} else {
				c.cwnd -= adj
			}
		}
	}
	c.clampCwnd()
	c.pacer.ist = math.Max(c.standingRtt/c.cwnd, copaMinIst)
}

// keepingChannelFull reports whether enough packets are in flight for
// window growth to be meaningful.
func (c *copaSender) keepingChannelFull() bool {
	pif := float64(c.bytesInFlight) / copaNominalPayload
	return c.cwnd < copaIncCwndPkts || c.cwnd-pif <= copaIncCwndRatio*c.cwnd
}

func (c *copaSender) clampCwnd() {
	c.cwnd = math.Min(math.Max(c.cwnd, copaMinCwndPkts), MaxCongestionWindowPackets)
}

func (c *copaSender) OnAckDone(time.Time) {}

// OnPacketLost leaves slow start and resets the velocity; the delay signal
// alone drives the window otherwise.
func (c *copaSender) OnPacketLost(now time.Time, lost LostInfo) bool {
	if c.state == copaSlowStart {
		c.state = copaClosedLoop
	}
	c.vel.reset(c.nextCcSeq, c.cwnd, false)
	return true
}

func (c *copaSender) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := c.nextCcSeq
	c.nextCcSeq++
	c.damper.onPktSend(c.cwnd)
	c.pacer.onSend(now, bytes)
	return ccSeq
}

func (c *copaSender) OnPacketResent(now time.Time, seq uint32, bytes int, rto bool) {
	c.damper.onPktSend(c.cwnd)
	if !rto {
		c.pacer.onSend(now, bytes)
	}
}

func (c *copaSender) OnRTO(bool)   {}
func (c *copaSender) OnOutageEnd() {}

func (c *copaSender) CanSend(now time.Time, bytes int) bool {
	return c.state != copaNotConnected && windowAdmits(c.CongestionWindow(), c.bytesInFlight, bytes)
}

func (c *copaSender) CanResend(time.Time, int) bool { return true }

func (c *copaSender) TimeUntilSend(now time.Time) time.Duration { return c.pacer.timeUntilSend(now) }

func (c *copaSender) PacingRate() uint64 { return c.pacer.rate() }
func (c *copaSender) SendRate() uint64   { return c.pacer.rate() }

func (c *copaSender) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (c *copaSender) ProcessSyncParams(time.Time, uint16, uint32) {}

func (c *copaSender) InSlowStart() bool { return c.state == copaSlowStart }
func (c *copaSender) InRecovery() bool  { return false }

func (c *copaSender) CongestionWindow() int64 { return int64(c.cwnd * copaNominalPayload) }

func (c *copaSender) SlowStartThreshold() int64 { return 0 }

func (c *copaSender) Algorithm() Algorithm { return Copa }

func (c *copaSender) Close() {}

// seqGE compares controller sequence numbers modulo 2^32.
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }

func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
