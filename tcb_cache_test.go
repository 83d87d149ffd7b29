package sliq

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestTCBCacheDampening verifies that cached estimates are scaled on lookup.
func TestTCBCacheDampening(t *testing.T) {
	c := newTCBCache(DefaultTCBCacheConfig())
	peer := netip.MustParseAddr("192.0.2.1")

	_, _, ok := c.Get(peer, testEpoch)
	assert.False(t, ok)

	c.Put(peer, 100*time.Millisecond, 20*time.Millisecond, testEpoch)
	rtt, dev, ok := c.Get(peer, testEpoch.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, 75*time.Millisecond, rtt)
	assert.Equal(t, 15*time.Millisecond, dev)
}

// TestTCBCacheAveraging verifies that a second connection to the same peer
// is averaged with the cached entry.
func TestTCBCacheAveraging(t *testing.T) {
	cfg := DefaultTCBCacheConfig()
	cfg.RTTDampening = 1
	cfg.RTTDevDampening = 1
	c := newTCBCache(cfg)
	peer := netip.MustParseAddr("2001:db8::1")

	c.Put(peer, 100*time.Millisecond, 10*time.Millisecond, testEpoch)
	c.Put(peer, 200*time.Millisecond, 30*time.Millisecond, testEpoch.Add(time.Second))
	rtt, dev, ok := c.Get(peer, testEpoch.Add(2*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 150*time.Millisecond, rtt)
	assert.Equal(t, 20*time.Millisecond, dev)
	assert.Equal(t, 1, c.Size())
}

// TestTCBCacheExpiry verifies that stale entries are dropped on lookup and
// by CleanupExpired.
func TestTCBCacheExpiry(t *testing.T) {
	c := newTCBCache(DefaultTCBCacheConfig())
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	c.Put(a, 50*time.Millisecond, 5*time.Millisecond, testEpoch)
	c.Put(b, 50*time.Millisecond, 5*time.Millisecond, testEpoch.Add(4*time.Minute))

	_, _, ok := c.Get(a, testEpoch.Add(6*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())

	assert.Equal(t, 0, c.CleanupExpired(testEpoch.Add(8*time.Minute)))
	assert.Equal(t, 1, c.CleanupExpired(testEpoch.Add(10*time.Minute)))
	assert.Equal(t, 0, c.Size())
}

// TestTCBCacheIgnoresEmptyAndDisabled verifies that connections without an
// estimate are not stored and that a disabled cache stores nothing.
func TestTCBCacheIgnoresEmptyAndDisabled(t *testing.T) {
	c := newTCBCache(DefaultTCBCacheConfig())
	peer := netip.MustParseAddr("192.0.2.1")
	c.Put(peer, 0, 0, testEpoch)
	assert.Equal(t, 0, c.Size())

	c.Put(peer, 10*time.Millisecond, time.Millisecond, testEpoch)
	cfg := c.GetConfig()
	cfg.Enabled = false
	c.SetConfig(cfg)

	_, _, ok := c.Get(peer, testEpoch)
	assert.False(t, ok)
	c.Put(netip.MustParseAddr("192.0.2.2"), 10*time.Millisecond, time.Millisecond, testEpoch)
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
