package congestion

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	fixedRateTimerTolerance = time.Millisecond
	fixedRateBurst          = MaxPacketSize + packetOverhead
)

// fixedRate ignores all feedback and paces packets at a configured rate. A
// token bucket holding at most one full sized packet enforces the rate, so
// an idle sender cannot build up a burst.
type fixedRate struct {
	flight

	connected bool
	rateBps   uint64
	limiter   *rate.Limiter
	nextCcSeq uint32
}

func newFixedRate() *fixedRate {
	return &fixedRate{nextCcSeq: 1}
}

func (f *fixedRate) Configure(p Params) error {
	if p.FixedSendRate == 0 {
		return ErrInvalidParams
	}
	f.rateBps = p.FixedSendRate
	f.limiter = rate.NewLimiter(rate.Limit(float64(p.FixedSendRate)/8), fixedRateBurst)
	return nil
}

func (f *fixedRate) Connected(time.Time, time.Duration) { f.connected = true }

func (f *fixedRate) UseRexmitPacing() bool { return true }

func (f *fixedRate) OnAck(time.Time, AckInfo)              {}
func (f *fixedRate) OnAckDone(time.Time)                   {}
func (f *fixedRate) OnPacketLost(time.Time, LostInfo) bool { return true }

func (f *fixedRate) OnPacketSent(now time.Time, seq uint32, bytes int) uint32 {
	ccSeq := f.nextCcSeq
	f.nextCcSeq++
	f.consume(now, bytes)
	return ccSeq
}

func (f *fixedRate) OnPacketResent(now time.Time, seq uint32, bytes int, rto bool) {
	if !rto {
		f.consume(now, bytes)
	}
}

// consume charges the packet, including the link overhead, to the bucket.
// The bucket may go negative; TimeUntilSend waits until it is paid back.
func (f *fixedRate) consume(now time.Time, bytes int) {
	f.limiter.ReserveN(now, min(bytes+packetOverhead, fixedRateBurst))
}

func (f *fixedRate) OnRTO(bool)   {}
func (f *fixedRate) OnOutageEnd() {}

func (f *fixedRate) CanSend(time.Time, int) bool   { return f.connected }
func (f *fixedRate) CanResend(time.Time, int) bool { return true }

func (f *fixedRate) TimeUntilSend(now time.Time) time.Duration {
	tokens := f.limiter.TokensAt(now)
	if tokens >= 0 {
		return 0
	}
	wait := time.Duration(-tokens / float64(f.limiter.Limit()) * float64(time.Second))
	if wait <= fixedRateTimerTolerance {
		return 0
	}
	return wait
}

func (f *fixedRate) PacingRate() uint64 { return f.rateBps }
func (f *fixedRate) SendRate() uint64   { return f.rateBps }

func (f *fixedRate) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (f *fixedRate) ProcessSyncParams(time.Time, uint16, uint32) {}

func (f *fixedRate) InSlowStart() bool { return false }
func (f *fixedRate) InRecovery() bool  { return false }

func (f *fixedRate) CongestionWindow() int64   { return 0 }
func (f *fixedRate) SlowStartThreshold() int64 { return 0 }

func (f *fixedRate) Algorithm() Algorithm { return FixedRate }

func (f *fixedRate) Close() {}
