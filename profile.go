package sliq

import (
	"fmt"
	"time"

	"github.com/go-i2p/go-sliq/internal/congestion"
)

// StreamProfile is a hint about the expected traffic pattern. It selects
// connection defaults; it is not sent to the peer.
type StreamProfile int

const (
	// ProfileBulk optimizes for high bandwidth, possibly at the expense of
	// latency. This is the default.
	ProfileBulk StreamProfile = 1

	// ProfileInteractive optimizes for low latency, possibly at the expense
	// of bandwidth or efficiency.
	ProfileInteractive StreamProfile = 2
)

// String returns a human-readable name for the profile.
func (p StreamProfile) String() string {
	switch p {
	case ProfileBulk:
		return "bulk"
	case ProfileInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// IsValid returns true if the profile is a known value.
func (p StreamProfile) IsValid() bool {
	return p == ProfileBulk || p == ProfileInteractive
}

// ProfileConfig holds profile-related configuration.
type ProfileConfig struct {
	// Profile specifies the traffic pattern hint.
	// Default: ProfileBulk
	Profile StreamProfile
}

// DefaultProfileConfig returns the default profile configuration.
func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{
		Profile: ProfileBulk,
	}
}

// Apply adjusts cfg for the profile:
//   - bulk keeps the loss based CubicBytes controller with pacing and the
//     default ack policy
//   - interactive selects Copa, which keeps queues short, and acks sooner
func (pc ProfileConfig) Apply(cfg *Config) error {
	switch pc.Profile {
	case ProfileBulk:
		cfg.CongestionControl = congestion.Params{
			Algorithm: congestion.CubicBytes,
			Pacing:    true,
		}
	case ProfileInteractive:
		cfg.CongestionControl = congestion.Params{
			Algorithm: congestion.Copa,
			CopaDelta: 0.1,
		}
		cfg.AckDelay = 10 * time.Millisecond
		cfg.AckAfterPackets = 1
	default:
		return fmt.Errorf("invalid stream profile %d", pc.Profile)
	}
	return nil
}

// StreamConfig returns the default stream configuration for the profile.
// Interactive streams take the highest priority.
func (pc ProfileConfig) StreamConfig() StreamConfig {
	cfg := DefaultStreamConfig()
	if pc.Profile == ProfileInteractive {
		cfg.Priority = 0
	}
	return cfg
}
