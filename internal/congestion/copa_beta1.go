package congestion

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	copa1DefaultDelta     = 0.1
	copa1MinDelta         = 0.004
	copa1MaxDelta         = 0.1
	copa1DefaultIst       = 0.1
	copa1MinIst           = 0.000008
	copa1MaxIst           = 0.200
	copa1RttAlpha         = 0.94
	copa1NumProbePkts     = 10
	copa1PolicyIntRtts    = 4.0
	copa1PolicyMaxInt     = time.Second
	copa1PolicyAddInc     = 0.0025
	copa1PolicyMultDec    = 1.0 / 1.1
	copa1PolicyQuantDelta = 10000.0
	copa1SyncThresh       = 0.1
	copa1SyncInterval     = 2 * time.Second
)

type copa1Mode int

const (
	copa1ConstantDelta copa1Mode = iota
	copa1MaxThroughput
)

// timeEwma is an exponentially weighted moving average whose weight decays
// with the time elapsed between samples, measured in RTTs.
type timeEwma struct {
	alpha  float64
	valid  bool
	ewma   float64
	den    float64
	lastTs time.Time
}

func (e *timeEwma) update(value float64, now time.Time, rtt float64) {
	if !e.valid {
		e.forceSet(value, now)
		return
	}
	if now.Before(e.lastTs) {
		return
	}
	factor := math.Pow(e.alpha, secs(now.Sub(e.lastTs))/rtt)
	newDen := 1 + factor*e.den
	newEwma := (value + factor*e.ewma*e.den) / newDen
	if (value > e.ewma && newEwma < e.ewma) || (value < e.ewma && newEwma > e.ewma) {
		e.ewma, e.den = value, 1
	} else {
		e.ewma, e.den = newEwma, newDen
	}
	e.lastTs = now
}

func (e *timeEwma) forceSet(value float64, now time.Time) {
	e.valid = true
	e.ewma = value
	e.den = 1
	e.lastTs = now
}

// copaBeta1 is the rate based Copa. It paces packets intersend seconds
// apart, where intersend = delta * (rtt - minRtt). In MaxThroughput mode
// delta is steered so that a few packets stay queued at the bottleneck, and
// the client shares its delta with the server through CC sync headers.
type copaBeta1 struct {
	flight

	mode     copa1Mode
	isClient bool
	random   bool
	rng      *rand.Rand

	delta       float64
	localDelta  float64
	remoteDelta float64
	minRtt      float64
	rttAcked    timeEwma

	calcIst float64
	prevIst float64
	pacer   copaPacer

	nextCcSeq  uint32
	numAcked   int
	sendCnt    int
	quiescent  int
	lastUpdate time.Time

	syncParams     uint32
	prevSyncParams uint32
	prevSyncTime   time.Time
	syncSendSeq    uint16
	syncRecvSeq    uint16
}

func newCopaBeta1(now time.Time) *copaBeta1 {
	return &copaBeta1{
		delta:       copa1DefaultDelta,
		localDelta:  copa1DefaultDelta,
		minRtt:      math.MaxFloat64,
		rttAcked:    timeEwma{alpha: copa1RttAlpha},
		calcIst:     copa1DefaultIst,
		pacer:       copaPacer{ist: copa1DefaultIst},
		nextCcSeq:   1,
		lastUpdate:  now,
		syncSendSeq: 1,
		rng:         rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x5eed)),
	}
}

func (c *copaBeta1) Configure(p Params) error {
	c.isClient = p.IsClient
	c.random = !p.Deterministic
	switch p.Algorithm {
	case CopaBeta1ConstDelta:
		if p.CopaDelta <= 0 || p.CopaDelta > 1 {
			return ErrInvalidParams
		}
		c.mode = copa1ConstantDelta
		c.delta = p.CopaDelta
	case CopaBeta1M:
		c.mode = copa1MaxThroughput
		c.delta = copa1DefaultDelta
	default:
		return ErrUnknownAlgorithm
	}
	c.localDelta = c.delta
	return nil
}

func (c *copaBeta1) Connected(time.Time, time.Duration) {}

func (c *copaBeta1) UseRexmitPacing() bool { return true }

func (c *copaBeta1) OnAck(now time.Time, ack AckInfo) {
	if ack.RTT <= 0 {
		return
	}
	c.numAcked++
	rtt := secs(ack.RTT)
	if rtt < c.minRtt {
		c.minRtt = rtt
	}
	if c.rttAcked.valid && c.rttAcked.ewma >= c.minRtt {
		c.rttAcked.update(rtt, now, c.minRtt)
	} else {
		c.rttAcked.forceSet(math.Max(rtt, c.minRtt), now)
	}
}

func (c *copaBeta1) OnAckDone(now time.Time) {
	if c.numAcked < copa1NumProbePkts || !c.rttAcked.valid {
		return
	}
	c.updateIntersend()
	c.updateDelta(now)
}

func (c *copaBeta1) updateIntersend() {
	rttEwma := c.rttAcked.ewma
	ist := c.delta * (rttEwma - c.minRtt)
	if c.prevIst > 0 {
		ist = math.Max(ist, c.prevIst/2)
	}
	ist = math.Max(ist, copa1MinIst)
	ist = math.Min(ist, math.Max(2*rttEwma, copa1MaxIst))
	c.calcIst = ist
	c.prevIst = ist

	if c.random {
		// Exponentially distributed inter-send times.
		z := 0.0
		for z == 0 {
			z = c.rng.Float64()
		}
		c.pacer.ist = -ist * math.Log(z)
	} else {
		c.pacer.ist = ist
	}
}

func (c *copaBeta1) updateDelta(now time.Time) {
	if c.mode == copa1ConstantDelta {
		return
	}
	wait := min(fromSecs(copa1PolicyIntRtts*c.rttAcked.ewma), copa1PolicyMaxInt)
	if now.Before(c.lastUpdate.Add(wait)) {
		return
	}

	allowSync := c.sendCnt > 0 && c.quiescent == 0
	target := c.localDelta
	if allowSync {
		switch ideal := c.calcIst / c.minRtt; {
		case ideal > c.localDelta+copa1PolicyAddInc:
			target = c.localDelta + copa1PolicyAddInc
		case ideal < c.localDelta*copa1PolicyMultDec:
			target = c.localDelta * copa1PolicyMultDec
		}
	}
	target = math.Min(math.Max(target, copa1MinDelta), copa1MaxDelta)
	c.localDelta = math.Round(target*copa1PolicyQuantDelta) / copa1PolicyQuantDelta

	old := c.delta
	if c.isClient {
		c.delta = c.localDelta
		if allowSync {
			param := uint32(math.Round(c.delta * copa1PolicyQuantDelta))
			if param != c.prevSyncParams || !now.Before(c.prevSyncTime.Add(copa1SyncInterval)) {
				c.syncParams = param
				c.prevSyncParams = param
				c.prevSyncTime = now
			}
		}
	} else {
		if c.remoteDelta > 0 && !now.After(c.prevSyncTime.Add(3*copa1SyncInterval)) &&
			math.Abs(c.remoteDelta-c.localDelta) <= copa1SyncThresh {
			c.delta = c.remoteDelta
		} else {
			c.delta = c.localDelta
		}
	}
	if c.delta != old {
		log.Debug().Float64("old", old).Float64("new", c.delta).Msg("copa delta updated")
	}
	c.lastUpdate = now
	c.sendCnt = 0
	c.quiescent = 0
}

func (c *copaBeta1) OnPacketLost(time.Time, LostInfo) bool { return true }

func (c *copaBeta1) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := c.nextCcSeq
	c.nextCcSeq++
	c.sendCnt++
	if !c.pacer.nextSendTime.IsZero() && now.After(c.pacer.nextSendTime.Add(copaQuiescent)) {
		c.quiescent++
	}
	c.pacer.onSend(now, bytes)
	return ccSeq
}

func (c *copaBeta1) OnPacketResent(now time.Time, seq uint32, bytes int, rto bool) {
	if !rto {
		c.pacer.onSend(now, bytes)
	}
}

func (c *copaBeta1) OnRTO(bool)   {}
func (c *copaBeta1) OnOutageEnd() {}

// CanSend is bounded only by the number of packets the controller can
// track; the rate is enforced by TimeUntilSend.
func (c *copaBeta1) CanSend(time.Time, int) bool {
	return c.pktsInFlight < MaxCongestionWindowPackets
}

func (c *copaBeta1) CanResend(time.Time, int) bool { return true }

func (c *copaBeta1) TimeUntilSend(now time.Time) time.Duration { return c.pacer.timeUntilSend(now) }

func (c *copaBeta1) PacingRate() uint64 {
	if c.calcIst <= 0 {
		return 0
	}
	return uint64((copaNominalPktSize + copaPktOverhead) * 8.0 / c.calcIst)
}

func (c *copaBeta1) SendRate() uint64 { return c.PacingRate() }

func (c *copaBeta1) SyncParams() (uint16, uint32, bool) {
	if c.mode != copa1MaxThroughput || !c.isClient || c.syncParams == 0 {
		return 0, 0, false
	}
	seq := c.syncSendSeq
	c.syncSendSeq++
	params := c.syncParams
	c.syncParams = 0
	return seq, params, true
}

func (c *copaBeta1) ProcessSyncParams(now time.Time, seq uint16, params uint32) {
	if c.mode != copa1MaxThroughput || c.isClient || params == 0 {
		return
	}
	// Accept only sequence numbers newer than the last one, modulo 2^16.
	if d := seq - c.syncRecvSeq; d == 0 || d >= 32768 {
		return
	}
	c.syncRecvSeq = seq
	c.prevSyncTime = now

	d := float64(params&0xffff) / copa1PolicyQuantDelta
	d = math.Min(math.Max(d, copa1MinDelta), copa1MaxDelta)
	if d == c.remoteDelta {
		return
	}
	c.remoteDelta = d
	if math.Abs(c.remoteDelta-c.localDelta) <= copa1SyncThresh {
		c.delta = c.remoteDelta
	}
}

func (c *copaBeta1) InSlowStart() bool { return false }
func (c *copaBeta1) InRecovery() bool  { return false }

func (c *copaBeta1) CongestionWindow() int64   { return 0 }
func (c *copaBeta1) SlowStartThreshold() int64 { return 0 }

func (c *copaBeta1) Algorithm() Algorithm {
	if c.mode == copa1MaxThroughput {
		return CopaBeta1M
	}
	return CopaBeta1ConstDelta
}

func (c *copaBeta1) Close() {}
