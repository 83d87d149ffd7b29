package sliq

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction specifies what action to take when connection limits are exceeded.
type LimitAction int

const (
	// LimitActionReject answers the client hello with a reject (default)
	LimitActionReject LimitAction = iota
	// LimitActionDrop silently drops the client hello
	LimitActionDrop
)

// ConnectionLimitsConfig configures incoming connection rate limiting.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrentConns is the limit on live connections, incoming and
	// outgoing combined. 0 or negative means unlimited.
	MaxConcurrentConns int

	// Per-peer incoming connection limits
	MaxConnsPerMinute int // Max incoming connections per minute from a single address
	MaxConnsPerHour   int // Max incoming connections per hour from a single address
	MaxConnsPerDay    int // Max incoming connections per day from a single address

	// Total incoming connection limits (all peers combined)
	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int
	MaxTotalConnsPerDay    int

	// LimitAction specifies what to do when limits are exceeded
	LimitAction LimitAction

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultConnectionLimitsConfig returns the default (unlimited) configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxConcurrentConns: -1,
		LimitAction:        LimitActionReject,
	}
}

// connectionLimiter tracks and enforces connection limits.
// It maintains per-peer and total connection counters with time-based windows.
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	activeConns int

	// Per-peer connection history keyed by source address
	peerHistory map[netip.Addr]*connectionHistory

	// Total connection timestamps across all peers
	totalHistory *connectionHistory
}

// connectionHistory tracks connection timestamps for rate limiting.
// Guarded by the owning limiter's mutex.
type connectionHistory struct {
	timestamps []time.Time
}

// newConnectionLimiter creates a new connection limiter with the given config.
func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		peerHistory:  make(map[netip.Addr]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// SetConfig updates the limiter configuration.
func (cl *connectionLimiter) SetConfig(config *ConnectionLimitsConfig) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	cl.config = config
}

// GetConfig returns a copy of the current configuration.
func (cl *connectionLimiter) GetConfig() *ConnectionLimitsConfig {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cfg := *cl.config
	return &cfg
}

// ActiveConns returns the current number of live connections.
func (cl *connectionLimiter) ActiveConns() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.activeConns
}

// CheckAndRecordConnection checks if a new incoming connection from peer is
// allowed at now. If allowed, it records the connection and returns nil.
// If not allowed, it returns an error describing which limit was exceeded.
func (cl *connectionLimiter) CheckAndRecordConnection(peer netip.Addr, now time.Time) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if err := cl.checkConcurrentLimitLocked(); err != nil {
		return err
	}
	if err := cl.checkTotalRateLimitsLocked(now); err != nil {
		return err
	}
	if err := cl.checkPeerRateLimitsLocked(peer, now); err != nil {
		return err
	}

	cl.activeConns++
	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	if cl.perPeerEnabledLocked() {
		h := cl.getOrCreatePeerHistoryLocked(peer)
		h.timestamps = append(h.timestamps, now)
	}
	log.Debug().
		Str("peer", peer.String()).
		Int("active", cl.activeConns).
		Msg("connection recorded")
	return nil
}

// RecordOutgoing counts an outgoing connection against the concurrency
// limit. Outgoing connections are not rate limited.
func (cl *connectionLimiter) RecordOutgoing() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := cl.checkConcurrentLimitLocked(); err != nil {
		return err
	}
	cl.activeConns++
	return nil
}

// checkConcurrentLimitLocked checks if a new connection would exceed the concurrent limit.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkConcurrentLimitLocked() error {
	if cl.config.MaxConcurrentConns > 0 && cl.activeConns >= cl.config.MaxConcurrentConns {
		return fmt.Errorf("max concurrent connections limit exceeded (%d)", cl.config.MaxConcurrentConns)
	}
	return nil
}

// checkTotalRateLimitsLocked checks if total rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkTotalRateLimitsLocked(now time.Time) error {
	cl.totalHistory.pruneOldEntries(now)
	return cl.totalHistory.check(now, "total connections",
		cl.config.MaxTotalConnsPerMinute, cl.config.MaxTotalConnsPerHour, cl.config.MaxTotalConnsPerDay)
}

func (cl *connectionLimiter) perPeerEnabledLocked() bool {
	return cl.config.MaxConnsPerMinute > 0 || cl.config.MaxConnsPerHour > 0 || cl.config.MaxConnsPerDay > 0
}

// checkPeerRateLimitsLocked checks if per-peer rate limits would be exceeded.
// Must be called with cl.mu held.
func (cl *connectionLimiter) checkPeerRateLimitsLocked(peer netip.Addr, now time.Time) error {
	if !cl.perPeerEnabledLocked() {
		return nil
	}
	h, ok := cl.peerHistory[peer]
	if !ok {
		return nil
	}
	h.pruneOldEntries(now)
	return h.check(now, "connections from peer",
		cl.config.MaxConnsPerMinute, cl.config.MaxConnsPerHour, cl.config.MaxConnsPerDay)
}

// ConnectionClosed should be called when a connection closes to decrement the active count.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeConns > 0 {
		cl.activeConns--
	}
}

// getOrCreatePeerHistoryLocked gets or creates a connection history for the peer.
// Must be called with cl.mu held.
func (cl *connectionLimiter) getOrCreatePeerHistoryLocked(peer netip.Addr) *connectionHistory {
	if h, ok := cl.peerHistory[peer]; ok {
		return h
	}
	h := &connectionHistory{}
	cl.peerHistory[peer] = h
	return h
}

// check compares the entries in the last minute, hour and day to the
// limits; a limit of 0 is disabled.
func (h *connectionHistory) check(now time.Time, what string, perMinute, perHour, perDay int) error {
	windows := []struct {
		limit int
		span  time.Duration
		name  string
	}{
		{perMinute, time.Minute, "minute"},
		{perHour, time.Hour, "hour"},
		{perDay, 24 * time.Hour, "day"},
	}
	for _, w := range windows {
		if w.limit > 0 && h.countSince(now.Add(-w.span)) >= w.limit {
			return fmt.Errorf("%s per %s limit exceeded (%d)", what, w.name, w.limit)
		}
	}
	return nil
}

// pruneOldEntries removes entries older than 24 hours to prevent memory growth.
func (h *connectionHistory) pruneOldEntries(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

// countSince counts timestamps after the given time.
func (h *connectionHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

// logLimitExceeded logs a warning about a rejected connection.
func logLimitExceeded(config *ConnectionLimitsConfig, peer netip.AddrPort, reason string) {
	if config.DisableRejectLogging {
		return
	}
	log.Warn().
		Str("peer", peer.String()).
		Str("reason", reason).
		Msg("incoming connection rejected due to rate limit")
}

// CleanupStaleHistory removes peer histories without activity in the last
// 24 hours. The manager calls it periodically.
func (cl *connectionLimiter) CleanupStaleHistory(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	removed := 0
	for peer, h := range cl.peerHistory {
		h.pruneOldEntries(now)
		if len(h.timestamps) == 0 {
			delete(cl.peerHistory, peer)
			removed++
		}
	}
	cl.totalHistory.pruneOldEntries(now)

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(cl.peerHistory)).
			Msg("stale history cleanup complete")
	}
	return removed
}
