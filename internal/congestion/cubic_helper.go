package congestion

import (
	"math"
	"time"
)

// This cubic implementation follows the Chromium and quic-go byte based
// variant: the curve is computed in fixed point with time in units of
// 1/1024 second.

const (
	cubeScale                 = 40
	cubeCongestionWindowScale = 410
	cubeFactor                = 1 << cubeScale / cubeCongestionWindowScale / MaxPacketSize

	cubicBeta        = 0.7
	cubicBetaLastMax = 0.85
)

// cubicBytes computes the cubic congestion window in bytes.
type cubicBytes struct {
	numConnections int

	epoch                        time.Time
	lastMaxCongestionWindow      int64
	ackedBytesCount              int64
	estimatedTCPcongestionWindow int64
	originPointCongestionWindow  int64
	timeToOriginPoint            uint32
	lastTargetCongestionWindow   int64
}

func newCubicBytes(numConnections int) *cubicBytes {
	c := &cubicBytes{numConnections: max(numConnections, 1)}
	c.Reset()
	return c
}

// Reset is called after a timeout to restart the curve.
func (c *cubicBytes) Reset() {
	c.epoch = time.Time{}
	c.lastMaxCongestionWindow = 0
	c.ackedBytesCount = 0
	c.estimatedTCPcongestionWindow = 0
	c.originPointCongestionWindow = 0
	c.timeToOriginPoint = 0
	c.lastTargetCongestionWindow = 0
}

func (c *cubicBytes) alpha() float64 {
	// TCPFriendly alpha: the additive increase that matches Reno's average
	// window for N connections with the cubic beta.
	b := c.beta()
	n := float64(c.numConnections)
	return 3 * n * n * (1 - b) / (1 + b)
}

func (c *cubicBytes) beta() float64 {
	n := float64(c.numConnections)
	return (n - 1 + cubicBeta) / n
}

func (c *cubicBytes) betaLastMax() float64 {
	n := float64(c.numConnections)
	return (n - 1 + cubicBetaLastMax) / n
}

// OnApplicationLimited restarts the epoch so that the window does not jump
// when the sender starts using it again.
func (c *cubicBytes) OnApplicationLimited() { c.epoch = time.Time{} }

// CongestionWindowAfterPacketLoss returns the reduced window and records the
// window at the loss as the new origin.
func (c *cubicBytes) CongestionWindowAfterPacketLoss(cwnd int64) int64 {
	if cwnd+MaxPacketSize < c.lastMaxCongestionWindow {
		// The window shrank before reaching the previous maximum, so flows are
		// competing; release bandwidth faster.
		c.lastMaxCongestionWindow = int64(c.betaLastMax() * float64(cwnd))
	} else {
		c.lastMaxCongestionWindow = cwnd
	}
	c.epoch = time.Time{}
	return int64(float64(cwnd) * c.beta())
}

// CongestionWindowAfterAck returns the window after ackedBytes were acked at
// eventTime.
func (c *cubicBytes) CongestionWindowAfterAck(ackedBytes, cwnd int64, delayMin time.Duration, eventTime time.Time) int64 {
	c.ackedBytesCount += ackedBytes

	if c.epoch.IsZero() {
		c.epoch = eventTime
		c.ackedBytesCount = ackedBytes
		c.estimatedTCPcongestionWindow = cwnd
		if c.lastMaxCongestionWindow <= cwnd {
			c.timeToOriginPoint = 0
			c.originPointCongestionWindow = cwnd
		} else {
			c.timeToOriginPoint = uint32(math.Cbrt(float64(cubeFactor * (c.lastMaxCongestionWindow - cwnd))))
			c.originPointCongestionWindow = c.lastMaxCongestionWindow
		}
	}

	// Time in 1/1024 of a second, including the minimum delay so the curve
	// is evaluated where it will be when this ack's effect is felt.
	elapsedTime := int64(eventTime.Add(delayMin).Sub(c.epoch)/time.Microsecond) << 10 / (1000 * 1000)

	offset := int64(c.timeToOriginPoint) - elapsedTime
	if offset < 0 {
		offset = -offset
	}
	deltaCongestionWindow := (cubeCongestionWindowScale * offset * offset * offset * MaxPacketSize) >> cubeScale
	var target int64
	if elapsedTime > int64(c.timeToOriginPoint) {
		target = c.originPointCongestionWindow + deltaCongestionWindow
	} else {
		target = c.originPointCongestionWindow - deltaCongestionWindow
	}
	// Grow at most by half the acked bytes, as slow start would.
	target = min(target, cwnd+c.ackedBytesCount/2)

	c.estimatedTCPcongestionWindow += int64(float64(c.ackedBytesCount) * c.alpha() * MaxPacketSize / float64(c.estimatedTCPcongestionWindow))
	c.ackedBytesCount = 0
	c.lastTargetCongestionWindow = target

	if target < c.estimatedTCPcongestionWindow {
		target = c.estimatedTCPcongestionWindow
	}
	return target
}
