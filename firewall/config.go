package firewall

import (
	"context"
	"errors"
	"net/netip"
)

const defaultTable = "warden"

// ErrUnsupported is returned where no packet filter backend exists.
var ErrUnsupported = errors.New("firewall backend not supported on this platform")

// Backend applies policies to the host packet filter.
type Backend interface {
	Apply(ctx context.Context, policy Policy) error
	Reset(ctx context.Context) error
}

// Config holds the host-specific values rules are built with.
type Config struct {
	Table string
	// Fwmark is carried by the tunnel's own encrypted packets and by packets of
	// excluded processes. Zero disables mark matching.
	Fwmark uint32
	// ExcludedClassID is the net_cls classid of split-tunnel excluded processes.
	// Zero disables split-tunnel rules.
	ExcludedClassID uint32
}

func (c Config) table() string {
	if c.Table == "" {
		return defaultTable
	}
	return c.Table
}

var (
	lanNetworks = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fe80::/10"),
		netip.MustParsePrefix("fc00::/7"),
	}
	lanMulticast = []netip.Prefix{
		netip.MustParsePrefix("224.0.0.0/24"),
		netip.MustParsePrefix("239.255.255.250/32"),
		netip.MustParsePrefix("255.255.255.255/32"),
		netip.MustParsePrefix("ff02::/16"),
	}
)

// IsLANAddr reports whether addr belongs to a private or link-local network.
func IsLANAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range lanNetworks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
