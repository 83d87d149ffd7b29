package sliq

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAccessFilterDisabled verifies that a disabled filter admits everything.
func TestAccessFilterDisabled(t *testing.T) {
	af := newAccessFilter(nil)
	assert.True(t, af.IsAllowed(netip.MustParseAddr("192.0.2.1")))
	assert.True(t, af.IsAllowed(netip.Addr{}))
	assert.NoError(t, af.CheckAndLog(netip.MustParseAddr("2001:db8::1")))
}

// TestAccessFilterWhitelist verifies prefix matching in whitelist mode.
func TestAccessFilterWhitelist(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:                 AccessListModeWhitelist,
		Prefixes:             []string{"192.0.2.0/24", "2001:db8::7", "not-an-address"},
		DisableRejectLogging: true,
	})

	assert.True(t, af.IsAllowed(netip.MustParseAddr("192.0.2.200")))
	assert.True(t, af.IsAllowed(netip.MustParseAddr("::ffff:192.0.2.5")), "mapped addresses are unmapped")
	assert.True(t, af.IsAllowed(netip.MustParseAddr("2001:db8::7")))
	assert.False(t, af.IsAllowed(netip.MustParseAddr("2001:db8::8")))
	assert.False(t, af.IsAllowed(netip.MustParseAddr("198.51.100.1")))
	assert.False(t, af.IsAllowed(netip.Addr{}))

	err := af.CheckAndLog(netip.MustParseAddr("198.51.100.1"))
	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "address not in whitelist", denied.Reason)
}

// TestAccessFilterBlacklist verifies that blacklist mode rejects only the
// listed peers.
func TestAccessFilterBlacklist(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:                 AccessListModeBlacklist,
		Prefixes:             []string{"198.51.100.0/25"},
		DisableRejectLogging: true,
	})

	assert.False(t, af.IsAllowed(netip.MustParseAddr("198.51.100.10")))
	assert.True(t, af.IsAllowed(netip.MustParseAddr("198.51.100.200")))

	err := af.CheckAndLog(netip.MustParseAddr("198.51.100.10"))
	var denied *AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "address in blacklist", denied.Reason)
	assert.Equal(t, "access denied: address in blacklist", err.Error())
}

// TestAccessFilterAddRemove verifies runtime changes to the prefix list.
func TestAccessFilterAddRemove(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{Mode: AccessListModeWhitelist, DisableRejectLogging: true})
	peer := netip.MustParseAddr("203.0.113.9")
	assert.False(t, af.IsAllowed(peer))

	af.AddPrefix("203.0.113.0/24")
	assert.True(t, af.IsAllowed(peer))

	af.AddPrefix("bogus/99")
	assert.Equal(t, []string{"203.0.113.0/24"}, af.GetConfig().Prefixes)

	// An equivalent spelling of the prefix removes it.
	af.RemovePrefix("203.0.113.77/24")
	assert.False(t, af.IsAllowed(peer))
	assert.Empty(t, af.GetConfig().Prefixes)
}

// TestAccessFilterGetConfigCopies verifies that the returned configuration
// does not alias the filter's state.
func TestAccessFilterGetConfigCopies(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:     AccessListModeBlacklist,
		Prefixes: []string{"192.0.2.1"},
	})
	cfg := af.GetConfig()
	cfg.Prefixes[0] = "198.51.100.1"
	cfg.Mode = AccessListModeDisabled

	assert.False(t, af.IsAllowed(netip.MustParseAddr("192.0.2.1")))
	assert.Equal(t, AccessListModeBlacklist, af.GetConfig().Mode)

	af.SetConfig(nil)
	assert.True(t, af.IsAllowed(netip.MustParseAddr("192.0.2.1")))
}
