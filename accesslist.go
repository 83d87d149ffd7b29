package sliq

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed peers
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed peers
	AccessListModeBlacklist
)

// AccessListConfig configures address based filtering of incoming
// connections.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode

	// Prefixes lists addresses ("192.0.2.7") or CIDR prefixes
	// ("2001:db8::/32"). Entries that parse as neither are ignored.
	Prefixes []string

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode:                 AccessListModeDisabled,
		Prefixes:             nil,
		DisableRejectLogging: false,
	}
}

// accessFilter implements address based access filtering.
type accessFilter struct {
	config *AccessListConfig
	mu     sync.RWMutex

	// prefixes holds the normalized entries of config.Prefixes
	prefixes []netip.Prefix
}

// newAccessFilter creates a new access filter with the given config.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af := &accessFilter{config: config}
	af.rebuildPrefixes()
	return af
}

// SetConfig updates the filter configuration and rebuilds the prefix set.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.rebuildPrefixes()
}

// GetConfig returns a copy of the current configuration.
func (af *accessFilter) GetConfig() *AccessListConfig {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return &AccessListConfig{
		Mode:                 af.config.Mode,
		Prefixes:             append([]string(nil), af.config.Prefixes...),
		DisableRejectLogging: af.config.DisableRejectLogging,
	}
}

// rebuildPrefixes rebuilds the prefix set from the config.
// Must be called with af.mu held.
func (af *accessFilter) rebuildPrefixes() {
	af.prefixes = af.prefixes[:0]
	for _, entry := range af.config.Prefixes {
		if p, ok := normalizePrefix(entry); ok {
			af.prefixes = append(af.prefixes, p)
		}
	}
}

// normalizePrefix parses an address or a CIDR prefix. A bare address becomes
// a single host prefix. IPv4-mapped IPv6 addresses are unmapped.
func normalizePrefix(entry string) (netip.Prefix, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			log.Warn().Str("entry", entry).Err(err).Msg("invalid prefix in access list")
			return netip.Prefix{}, false
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), true
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		log.Warn().Str("entry", entry).Err(err).Msg("invalid address in access list")
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

// IsAllowed checks if a connection from addr should be allowed.
func (af *accessFilter) IsAllowed(addr netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}
	if !addr.IsValid() {
		return af.config.Mode == AccessListModeBlacklist
	}

	addr = addr.Unmap()
	inList := false
	for _, p := range af.prefixes {
		if p.Contains(addr) {
			inList = true
			break
		}
	}

	switch af.config.Mode {
	case AccessListModeWhitelist:
		return inList
	case AccessListModeBlacklist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if a peer is allowed and logs if rejected.
// Returns nil if allowed, or an error describing why rejected.
func (af *accessFilter) CheckAndLog(addr netip.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "address in blacklist"
	if config.Mode == AccessListModeWhitelist {
		reason = "address not in whitelist"
	}

	if !config.DisableRejectLogging {
		log.Warn().
			Str("peer", addr.String()).
			Str("reason", reason).
			Msg("incoming connection rejected by access list")
	}

	return &AccessDeniedError{Reason: reason}
}

// AccessDeniedError is returned when a connection is rejected due to access list.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

// AddPrefix adds an address or prefix to the access list.
func (af *accessFilter) AddPrefix(entry string) {
	af.mu.Lock()
	defer af.mu.Unlock()

	p, ok := normalizePrefix(entry)
	if !ok {
		return
	}
	af.config.Prefixes = append(af.config.Prefixes, entry)
	af.prefixes = append(af.prefixes, p)
}

// RemovePrefix removes an address or prefix from the access list.
func (af *accessFilter) RemovePrefix(entry string) {
	af.mu.Lock()
	defer af.mu.Unlock()

	p, ok := normalizePrefix(entry)
	if !ok {
		return
	}
	kept := af.config.Prefixes[:0]
	for _, e := range af.config.Prefixes {
		if q, ok := normalizePrefix(e); ok && q == p {
			continue
		}
		kept = append(kept, e)
	}
	af.config.Prefixes = kept
	af.rebuildPrefixes()
}
