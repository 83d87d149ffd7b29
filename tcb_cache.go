package sliq

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// The TCB cache (Transport Control Block) implements RFC 2140 temporal
// sharing: the RTT estimate of a closed connection seeds the next connection
// to the same peer address.

// TCBCacheConfig holds configuration for TCB cache behavior.
type TCBCacheConfig struct {
	// RTTDampening scales the cached smoothed RTT handed to new
	// connections (0.0-1.0).
	RTTDampening float64

	// RTTDevDampening scales the cached mean deviation (0.0-1.0).
	RTTDevDampening float64

	// EntryTTL is how long cache entries remain valid after last update
	EntryTTL time.Duration

	// Enabled controls whether TCB sharing is active
	Enabled bool
}

// DefaultTCBCacheConfig returns the default TCB cache configuration.
func DefaultTCBCacheConfig() TCBCacheConfig {
	return TCBCacheConfig{
		RTTDampening:    0.75,
		RTTDevDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

// tcbEntry holds cached control block data for a single remote peer.
type tcbEntry struct {
	rtt         time.Duration
	rttVariance time.Duration
	lastUpdate  time.Time
	// Number of connections that have contributed to this entry
	sampleCount int
}

// tcbCache manages cached control block data for multiple remote peers.
// Safe for concurrent use.
type tcbCache struct {
	config  TCBCacheConfig
	entries map[netip.Addr]*tcbEntry
	mu      sync.RWMutex
}

// newTCBCache creates a new TCB cache with the given configuration.
func newTCBCache(config TCBCacheConfig) *tcbCache {
	return &tcbCache{
		config:  config,
		entries: make(map[netip.Addr]*tcbEntry),
	}
}

// Get retrieves the dampened RTT estimate cached for peer.
// If not found or expired, returns zeros and found=false.
func (c *tcbCache) Get(peer netip.Addr, now time.Time) (time.Duration, time.Duration, bool) {
	c.mu.RLock()
	cfg := c.config
	entry, ok := c.entries[peer]
	c.mu.RUnlock()

	if !cfg.Enabled || !ok {
		return 0, 0, false
	}

	if now.Sub(entry.lastUpdate) > cfg.EntryTTL {
		c.mu.Lock()
		delete(c.entries, peer)
		c.mu.Unlock()
		return 0, 0, false
	}

	rtt := time.Duration(float64(entry.rtt) * cfg.RTTDampening)
	rttVar := time.Duration(float64(entry.rttVariance) * cfg.RTTDevDampening)

	log.Debug().
		Str("peer", peer.String()).
		Dur("rtt", rtt).
		Dur("rttvar", rttVar).
		Msg("TCB cache hit - applying cached connection parameters")

	return rtt, rttVar, true
}

// Put stores the RTT estimate of a closing connection.
func (c *tcbCache) Put(peer netip.Addr, rtt, rttVariance time.Duration, now time.Time) {
	// Nothing was learned.
	if rtt == 0 && rttVariance == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Enabled {
		return
	}

	entry, exists := c.entries[peer]
	if exists {
		// Equal weight to the old and new samples.
		entry.rtt = (entry.rtt + rtt) / 2
		entry.rttVariance = (entry.rttVariance + rttVariance) / 2
		entry.lastUpdate = now
		entry.sampleCount++
	} else {
		c.entries[peer] = &tcbEntry{
			rtt:         rtt,
			rttVariance: rttVariance,
			lastUpdate:  now,
			sampleCount: 1,
		}
	}

	log.Debug().
		Str("peer", peer.String()).
		Dur("rtt", rtt).
		Dur("rttvar", rttVariance).
		Bool("updated", exists).
		Msg("TCB cache update - stored connection parameters")
}

// Size returns the number of entries in the cache.
func (c *tcbCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries from the cache.
func (c *tcbCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// CleanupExpired removes expired entries from the cache.
func (c *tcbCache) CleanupExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("TCB cache cleanup - removed expired entries")
	}

	return removed
}

// GetConfig returns the current cache configuration.
func (c *tcbCache) GetConfig() TCBCacheConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig updates the cache configuration.
func (c *tcbCache) SetConfig(config TCBCacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
}
