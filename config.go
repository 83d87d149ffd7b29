package sliq

import (
	"fmt"
	"time"

	"github.com/go-i2p/go-sliq/internal/congestion"
	"github.com/go-i2p/go-sliq/internal/wire"
)

// Protocol limits.
const (
	// MinStreamID and MaxStreamID bound the stream identifiers of one
	// connection. The client opens odd identifiers, the server even ones.
	MinStreamID StreamID = 1
	MaxStreamID StreamID = 32

	// NumPriorities is the number of stream priority levels; 0 is served
	// first.
	NumPriorities = 8

	// DefaultFlowControlWindow is the maximum number of unacknowledged
	// packets per stream.
	DefaultFlowControlWindow = 32768

	// MaxInitSeq bounds the random initial sequence number of a stream.
	MaxInitSeq = 1000000000
)

// Config holds the tunables of one connection. Zero values are not valid;
// start from DefaultConfig.
type Config struct {
	// MaxPacketSize is the largest datagram the connection builds.
	MaxPacketSize int

	// ReorderThreshold is how far the largest acknowledged sequence number
	// must be ahead of an unacknowledged packet before that packet is
	// declared lost.
	ReorderThreshold uint32

	// RTOBackoffMultiplier multiplies the retransmission timeout after every
	// consecutive expiry, up to MaxRTO.
	RTOBackoffMultiplier int

	MinRTO time.Duration
	MaxRTO time.Duration

	// MaxConsecutiveRTOs is the number of retransmission timeouts without
	// any acknowledgment after which the connection is reset.
	MaxConsecutiveRTOs int

	// AckDelay is the longest an acknowledgment is held back, and
	// AckAfterPackets the number of data packets that forces one out.
	AckDelay        time.Duration
	AckAfterPackets int

	// RcvdPktCntInterval is how many data packets pass between received
	// packet count reports.
	RcvdPktCntInterval int

	// HandshakeInterval is the retry interval for connection handshake,
	// stream creation and close messages; MaxHandshakeAttempts bounds the
	// retries of each.
	HandshakeInterval    time.Duration
	MaxHandshakeAttempts int

	// LingerTimeout bounds how long a closing connection waits for its
	// streams to drain before sending CloseConn anyway.
	LingerTimeout time.Duration

	// FlowControlWindow is the per stream limit on unacknowledged packets.
	FlowControlWindow uint32

	// MaxQueuedPackets is the per stream transmit queue limit; Send returns
	// ErrWouldBlock beyond it.
	MaxQueuedPackets int

	// RecvBufferSize is the per stream receive buffer in bytes.
	RecvBufferSize int64

	// CongestionControl selects and parameterizes the shared congestion
	// controller.
	CongestionControl congestion.Params

	// EnableRttOutlierRejection filters spurious RTT spikes out of the
	// maximum RTT estimate.
	EnableRttOutlierRejection bool
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxPacketSize:        wire.MaxPacketSize,
		ReorderThreshold:     3,
		RTOBackoffMultiplier: 2,
		MinRTO:               200 * time.Millisecond,
		MaxRTO:               60 * time.Second,
		MaxConsecutiveRTOs:   12,
		AckDelay:             40 * time.Millisecond,
		AckAfterPackets:      2,
		RcvdPktCntInterval:   32,
		HandshakeInterval:    333 * time.Millisecond,
		MaxHandshakeAttempts: 32,
		LingerTimeout:        5 * time.Second,
		FlowControlWindow:    DefaultFlowControlWindow,
		MaxQueuedPackets:     4096,
		RecvBufferSize:       1 << 20,
		CongestionControl: congestion.Params{
			Algorithm: congestion.Copa,
			CopaDelta: 0.5,
		},
		EnableRttOutlierRejection: true,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.MaxPacketSize <= wire.DataHeaderBaseSize+wire.AckHeaderBaseSize || c.MaxPacketSize > wire.MaxPacketSize:
		return fmt.Errorf("invalid max packet size %d", c.MaxPacketSize)
	case c.ReorderThreshold == 0:
		return fmt.Errorf("reorder threshold must be positive")
	case c.RTOBackoffMultiplier < 1:
		return fmt.Errorf("invalid rto backoff multiplier %d", c.RTOBackoffMultiplier)
	case c.MinRTO <= 0 || c.MaxRTO < c.MinRTO:
		return fmt.Errorf("invalid rto bounds [%s, %s]", c.MinRTO, c.MaxRTO)
	case c.MaxConsecutiveRTOs < 1:
		return fmt.Errorf("max consecutive rtos must be positive")
	case c.AckDelay < 0 || c.AckAfterPackets < 1:
		return fmt.Errorf("invalid ack policy (delay %s, after %d)", c.AckDelay, c.AckAfterPackets)
	case c.RcvdPktCntInterval < 1:
		return fmt.Errorf("received packet count interval must be positive")
	case c.HandshakeInterval <= 0 || c.MaxHandshakeAttempts < 1:
		return fmt.Errorf("invalid handshake retry policy")
	case c.FlowControlWindow == 0 || c.FlowControlWindow > DefaultFlowControlWindow:
		return fmt.Errorf("invalid flow control window %d", c.FlowControlWindow)
	case c.MaxQueuedPackets < 1:
		return fmt.Errorf("max queued packets must be positive")
	case c.RecvBufferSize < int64(c.MaxPacketSize):
		return fmt.Errorf("receive buffer of %d bytes is smaller than a packet", c.RecvBufferSize)
	case !c.CongestionControl.Algorithm.IsValid():
		return fmt.Errorf("%w: %s", congestion.ErrUnknownAlgorithm, c.CongestionControl.Algorithm)
	}
	return nil
}

func (c *Config) maxPayload() int {
	return c.MaxPacketSize - wire.DataHeaderBaseSize
}

// ReliabilityMode selects how a stream recovers lost packets.
type ReliabilityMode uint8

const (
	// BestEffort streams never retransmit.
	BestEffort ReliabilityMode = iota
	// SemiReliable streams retransmit up to the stream's RexmitLimit and
	// then skip the packet.
	SemiReliable
	// Reliable streams retransmit until acknowledged; exceeding RexmitLimit
	// abandons the whole stream.
	Reliable
)

func (m ReliabilityMode) String() string {
	switch m {
	case BestEffort:
		return "best-effort"
	case SemiReliable:
		return "semi-reliable"
	case Reliable:
		return "reliable"
	default:
		return fmt.Sprintf("ReliabilityMode(%d)", uint8(m))
	}
}

// DeliveryMode selects whether received data is released in order.
type DeliveryMode uint8

const (
	Ordered DeliveryMode = iota
	Unordered
)

func (m DeliveryMode) String() string {
	if m == Unordered {
		return "unordered"
	}
	return "ordered"
}

// StreamConfig describes one stream. It travels in the CreateStream header.
type StreamConfig struct {
	// Priority 0 is served first; streams of equal priority share the
	// connection round robin.
	Priority    uint8
	Reliability ReliabilityMode
	Delivery    DeliveryMode
	// RexmitLimit is the number of retransmissions allowed per packet.
	RexmitLimit uint8
}

// DefaultStreamConfig returns a reliable, ordered stream of middle priority.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Priority:    3,
		Reliability: Reliable,
		Delivery:    Ordered,
		RexmitLimit: 10,
	}
}

// Validate reports the first invalid field.
func (c StreamConfig) Validate() error {
	if c.Priority >= NumPriorities {
		return fmt.Errorf("invalid priority %d", c.Priority)
	}
	if c.Reliability > Reliable {
		return fmt.Errorf("invalid reliability mode %d", c.Reliability)
	}
	if c.Delivery > Unordered {
		return fmt.Errorf("invalid delivery mode %d", c.Delivery)
	}
	return nil
}
