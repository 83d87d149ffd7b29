package sliq

import (
	"sync"
	"time"

	"github.com/go-i2p/go-sliq/internal/congestion"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeController admits everything and records what the trackers report.
type fakeController struct {
	pkts    int
	bytes   int64
	sent    int
	resent  int
	acked   []uint32
	lost    []uint32
	rtos    int
	noRexmt bool
	blocked bool
}

var _ congestion.Controller = &fakeController{}

func (f *fakeController) Configure(congestion.Params) error         { return nil }
func (f *fakeController) Connected(time.Time, time.Duration)        {}
func (f *fakeController) UseRexmitPacing() bool                     { return false }
func (f *fakeController) OnAck(_ time.Time, ack congestion.AckInfo) { f.acked = append(f.acked, ack.Seq) }
func (f *fakeController) OnAckDone(time.Time)                       {}
func (f *fakeController) OnOutageEnd()                              {}
func (f *fakeController) BytesInFlight() int64                      { return f.bytes }
func (f *fakeController) TimeUntilSend(time.Time) time.Duration     { return 0 }
func (f *fakeController) PacingRate() uint64                        { return 0 }
func (f *fakeController) SendRate() uint64                          { return 0 }
func (f *fakeController) InSlowStart() bool                         { return false }
func (f *fakeController) InRecovery() bool                          { return false }
func (f *fakeController) CongestionWindow() int64                   { return 1 << 20 }
func (f *fakeController) SlowStartThreshold() int64                 { return 1 << 20 }
func (f *fakeController) Algorithm() congestion.Algorithm           { return congestion.FixedRate }
func (f *fakeController) Close()                                    {}

func (f *fakeController) OnPacketLost(_ time.Time, lost congestion.LostInfo) bool {
	f.lost = append(f.lost, lost.Seq)
	return !f.noRexmt
}

func (f *fakeController) OnPacketSent(_ time.Time, seq uint32, _ int) uint32 {
	f.sent++
	return seq
}

func (f *fakeController) OnPacketResent(time.Time, uint32, int, bool) { f.resent++ }
func (f *fakeController) OnRTO(bool)                                  { f.rtos++ }

func (f *fakeController) UpdateCounts(pktsDelta int, bytesDelta int64) {
	f.pkts += pktsDelta
	f.bytes += bytesDelta
}

func (f *fakeController) CanSend(time.Time, int) bool   { return !f.blocked }
func (f *fakeController) CanResend(time.Time, int) bool { return !f.blocked }

func (f *fakeController) SyncParams() (uint16, uint32, bool)          { return 0, 0, false }
func (f *fakeController) ProcessSyncParams(time.Time, uint16, uint32) {}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EnableRttOutlierRejection = false
	return cfg
}
