// Package congestion implements the congestion control algorithms a SLIQ
// connection can run. Every algorithm is exposed through the Controller
// interface and constructed by New; the set of algorithms is closed.
package congestion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Algorithm identifies a congestion control algorithm on the wire.
type Algorithm uint8

const (
	NoCC                Algorithm = 0
	CubicBytes          Algorithm = 1
	RenoBytes           Algorithm = 2
	Cubic               Algorithm = 3
	CopaBeta1ConstDelta Algorithm = 4
	CopaBeta1M          Algorithm = 5
	CopaBeta2           Algorithm = 6
	Copa                Algorithm = 7
	FixedRate           Algorithm = 15
)

func (a Algorithm) String() string {
	switch a {
	case NoCC:
		return "none"
	case CubicBytes:
		return "cubic-bytes"
	case RenoBytes:
		return "reno-bytes"
	case Cubic:
		return "cubic"
	case CopaBeta1ConstDelta:
		return "copa-beta1-const-delta"
	case CopaBeta1M:
		return "copa-beta1-m"
	case CopaBeta2:
		return "copa-beta2"
	case Copa:
		return "copa"
	case FixedRate:
		return "fixed-rate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// IsValid reports whether a is an algorithm New can construct.
func (a Algorithm) IsValid() bool {
	switch a {
	case CubicBytes, RenoBytes, Cubic, CopaBeta1ConstDelta, CopaBeta1M, CopaBeta2, Copa, FixedRate:
		return true
	}
	return false
}

const (
	// MaxPacketSize is the largest datagram the transport emits, used as the
	// segment size by the byte based algorithms.
	MaxPacketSize = 1472

	// MaxCongestionWindowPackets bounds every window based algorithm.
	MaxCongestionWindowPackets = 32768

	// packetOverhead is the Ethernet, IP and UDP overhead per datagram.
	packetOverhead = 42
)

var (
	ErrUnknownAlgorithm = errors.New("unknown congestion control algorithm")
	ErrInvalidParams    = errors.New("invalid congestion control parameters")
)

// Params configures a controller.
type Params struct {
	Algorithm Algorithm

	// Pacing wraps the controller in a PacingSender.
	Pacing bool

	// Deterministic selects the deterministic variant of Copa beta 1.
	Deterministic bool

	// NumConnections is the number of TCP flows the Cubic and Reno senders
	// emulate. Zero means one.
	NumConnections int

	// CopaDelta is the constant delta used by the Copa family. Zero selects
	// the algorithm default.
	CopaDelta float64

	// FixedSendRate is the FixedRate send rate in bits per second.
	FixedSendRate uint64

	// IsClient is true on the connecting side. Copa beta 1 only lets the
	// client originate delta updates.
	IsClient bool
}

// WireParams encodes the algorithm specific parameter for the handshake.
func (p Params) WireParams() uint32 {
	switch p.Algorithm {
	case CopaBeta1ConstDelta, CopaBeta1M, CopaBeta2, Copa:
		return uint32(math.Round(p.CopaDelta * 1000))
	case FixedRate:
		return uint32(p.FixedSendRate / 1000)
	case CubicBytes, RenoBytes, Cubic:
		return uint32(p.NumConnections)
	}
	return 0
}

// ParamsFromWire is the inverse of WireParams.
func ParamsFromWire(alg Algorithm, pacing, deterministic bool, v uint32) Params {
	p := Params{Algorithm: alg, Pacing: pacing, Deterministic: deterministic}
	switch alg {
	case CopaBeta1ConstDelta, CopaBeta1M, CopaBeta2, Copa:
		p.CopaDelta = float64(v) / 1000
	case FixedRate:
		p.FixedSendRate = uint64(v) * 1000
	case CubicBytes, RenoBytes, Cubic:
		p.NumConnections = int(v)
	}
	return p
}

// AckInfo describes one newly acknowledged packet.
type AckInfo struct {
	Seq   uint32
	CcSeq uint32
	Bytes int

	// RTT is the round trip sample taken from this packet, zero when the
	// packet was retransmitted or no sample was taken.
	RTT time.Duration
}

// LostInfo describes one packet declared lost.
type LostInfo struct {
	Seq   uint32
	CcSeq uint32
	Bytes int
}

// Controller is the capability every congestion control algorithm provides.
// All methods are called from the owning connection's event loop only.
type Controller interface {
	// Configure validates and applies p. It is called once before use.
	Configure(p Params) error
	// Connected is called when the handshake completes with its RTT.
	Connected(now time.Time, rtt time.Duration)
	// UseRexmitPacing reports whether retransmissions are paced too.
	UseRexmitPacing() bool

	OnAck(now time.Time, ack AckInfo)
	// OnAckDone is called once all packets of one ACK header were processed.
	OnAckDone(now time.Time)
	// OnPacketLost returns true if the packet should be retransmitted.
	OnPacketLost(now time.Time, lost LostInfo) bool
	// OnPacketSent returns the controller's own sequence number for the packet.
	OnPacketSent(now time.Time, seq uint32, bytes int) uint32
	OnPacketResent(now time.Time, seq uint32, bytes int, rto bool)
	OnRTO(pktRexmit bool)
	OnOutageEnd()

	// UpdateCounts adjusts the packets and bytes in flight.
	UpdateCounts(pktsDelta int, bytesDelta int64)
	BytesInFlight() int64

	CanSend(now time.Time, bytes int) bool
	CanResend(now time.Time, bytes int) bool
	TimeUntilSend(now time.Time) time.Duration

	// PacingRate and SendRate are in bits per second.
	PacingRate() uint64
	SendRate() uint64

	SyncParams() (seq uint16, params uint32, ok bool)
	ProcessSyncParams(now time.Time, seq uint16, params uint32)

	InSlowStart() bool
	InRecovery() bool
	// CongestionWindow and SlowStartThreshold are in bytes; zero for rate
	// based algorithms.
	CongestionWindow() int64
	SlowStartThreshold() int64
	Algorithm() Algorithm
	Close()
}

// New constructs and configures the controller selected by p.Algorithm,
// wrapped in a PacingSender when p.Pacing is set.
func New(p Params, now time.Time) (Controller, error) {
	var c Controller
	switch p.Algorithm {
	case CubicBytes, RenoBytes:
		c = newCubicBytesSender(p.Algorithm == RenoBytes)
	case Cubic:
		c = newCubicSender()
	case Copa:
		c = newCopa(now)
	case CopaBeta1ConstDelta, CopaBeta1M:
		c = newCopaBeta1(now)
	case CopaBeta2:
		c = newCopaBeta2(now)
	case FixedRate:
		c = newFixedRate()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, p.Algorithm)
	}
	if err := c.Configure(p); err != nil {
		return nil, fmt.Errorf("configure %s: %w", p.Algorithm, err)
	}
	if p.Pacing {
		c = NewPacingSender(c, DefaultInitialBurst, time.Millisecond)
	}
	return c, nil
}

// flight keeps the in flight counters shared by every algorithm.
type flight struct {
	pktsInFlight  int
	bytesInFlight int64
}

func (f *flight) UpdateCounts(pktsDelta int, bytesDelta int64) {
	f.pktsInFlight += pktsDelta
	f.bytesInFlight += bytesDelta
	if f.pktsInFlight < 0 {
		f.pktsInFlight = 0
	}
	if f.bytesInFlight < 0 {
		f.bytesInFlight = 0
	}
}

func (f *flight) BytesInFlight() int64 { return f.bytesInFlight }

// windowAdmits is the shared admission rule of the window based algorithms:
// a packet may go out only if it fits entirely in the remaining window.
func windowAdmits(cwnd, bytesInFlight int64, bytes int) bool {
	return bytesInFlight+int64(bytes) <= cwnd
}

func secs(d time.Duration) float64 { return d.Seconds() }

func fromSecs(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
