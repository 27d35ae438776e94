// Package firewall turns declarative traffic policies into packet filter rules.
package firewall

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/fosrl/warden/tunnel"
)

// Kind identifies the policy variant.
type Kind int

const (
	KindBlocked Kind = iota
	KindConnecting
	KindConnected
)

func (k Kind) String() string {
	switch k {
	case KindBlocked:
		return "blocked"
	case KindConnecting:
		return "connecting"
	case KindConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TrafficMode selects which traffic may use the tunnel before it is confirmed up.
type TrafficMode int

const (
	TrafficNone TrafficMode = iota
	TrafficAll
	TrafficOnly
)

// AllowedTunnelTraffic is the in-tunnel allowance of a Connecting policy.
type AllowedTunnelTraffic struct {
	Mode TrafficMode
	// Destinations applies to TrafficOnly.
	Destinations []netip.Addr
}

func (a AllowedTunnelTraffic) String() string {
	switch a.Mode {
	case TrafficAll:
		return "all"
	case TrafficOnly:
		parts := make([]string, len(a.Destinations))
		for i, d := range a.Destinations {
			parts[i] = d.String()
		}
		return "only(" + strings.Join(parts, ",") + ")"
	default:
		return "none"
	}
}

// Policy is a complete description of permitted traffic. Build it with
// Blocked, Connecting or Connected.
type Policy struct {
	Kind                 Kind
	AllowLAN             bool
	PeerEndpoint         tunnel.Endpoint
	TunnelInterface      string
	AllowedTunnelTraffic AllowedTunnelTraffic
	DNSServers           []netip.Addr
}

// Blocked permits nothing but loopback, DHCP, NDP and optionally the LAN.
func Blocked(allowLAN bool) Policy {
	return Policy{Kind: KindBlocked, AllowLAN: allowLAN}
}

// Connecting additionally permits traffic to the relay. tunnelInterface may be empty
// when the interface name is not known yet.
func Connecting(peer tunnel.Endpoint, tunnelInterface string, allowLAN bool, allowed AllowedTunnelTraffic) Policy {
	return Policy{
		Kind:                 KindConnecting,
		AllowLAN:             allowLAN,
		PeerEndpoint:         peer,
		TunnelInterface:      tunnelInterface,
		AllowedTunnelTraffic: allowed,
	}
}

// Connected permits all traffic through the tunnel interface and DNS only to dnsServers.
func Connected(peer tunnel.Endpoint, tunnelInterface string, dnsServers []netip.Addr, allowLAN bool) Policy {
	return Policy{
		Kind:            KindConnected,
		AllowLAN:        allowLAN,
		PeerEndpoint:    peer,
		TunnelInterface: tunnelInterface,
		DNSServers:      slices.Clone(dnsServers),
	}
}

// Permissiveness orders policy kinds from most to least restrictive.
func (p Policy) Permissiveness() int {
	return int(p.Kind)
}

// Equal reports whether two policies render the same rules.
func (p Policy) Equal(o Policy) bool {
	return p.Kind == o.Kind &&
		p.AllowLAN == o.AllowLAN &&
		p.PeerEndpoint == o.PeerEndpoint &&
		p.TunnelInterface == o.TunnelInterface &&
		p.AllowedTunnelTraffic.Mode == o.AllowedTunnelTraffic.Mode &&
		slices.Equal(p.AllowedTunnelTraffic.Destinations, o.AllowedTunnelTraffic.Destinations) &&
		slices.Equal(p.DNSServers, o.DNSServers)
}

func (p Policy) String() string {
	switch p.Kind {
	case KindConnecting:
		return fmt.Sprintf("Connecting{peer=%s, tunnel=%q, allowLAN=%t, tunnelTraffic=%s}",
			p.PeerEndpoint, p.TunnelInterface, p.AllowLAN, p.AllowedTunnelTraffic)
	case KindConnected:
		return fmt.Sprintf("Connected{peer=%s, tunnel=%q, dns=%v, allowLAN=%t}",
			p.PeerEndpoint, p.TunnelInterface, p.DNSServers, p.AllowLAN)
	default:
		return fmt.Sprintf("Blocked{allowLAN=%t}", p.AllowLAN)
	}
}
