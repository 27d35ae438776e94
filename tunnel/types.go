package tunnel

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// TechnologyWireGuard selects the userspace WireGuard provider.
const TechnologyWireGuard = "wireguard"

// TransportProtocol is the transport used to reach the peer.
type TransportProtocol string

const (
	ProtocolUDP TransportProtocol = "udp"
	ProtocolTCP TransportProtocol = "tcp"
)

// Endpoint is the relay the tunnel's encrypted traffic is sent to.
type Endpoint struct {
	Address  netip.AddrPort    `json:"address" yaml:"address"`
	Protocol TransportProtocol `json:"protocol" yaml:"protocol"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Address, e.Protocol)
}

// Parameters describes a single tunnel to establish.
type Parameters struct {
	Technology    string            `json:"technology,omitempty" yaml:"technology,omitempty"`
	InterfaceName string            `json:"interfaceName,omitempty" yaml:"interfaceName,omitempty"`
	Endpoint      Endpoint          `json:"endpoint" yaml:"endpoint"`
	PrivateKey    string            `json:"privateKey" yaml:"privateKey"`
	PeerPublicKey string            `json:"peerPublicKey" yaml:"peerPublicKey"`
	PresharedKey  string            `json:"presharedKey,omitempty" yaml:"presharedKey,omitempty"`
	Addresses     []netip.Prefix    `json:"addresses" yaml:"addresses"`
	AllowedIPs    []netip.Prefix    `json:"allowedIps,omitempty" yaml:"allowedIps,omitempty"`
	DNSServers    []netip.Addr      `json:"dnsServers,omitempty" yaml:"dnsServers,omitempty"`
	MTU           int               `json:"mtu,omitempty" yaml:"mtu,omitempty"`
	Keepalive     int               `json:"persistentKeepalive,omitempty" yaml:"persistentKeepalive,omitempty"`
	Options       map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Validate reports malformed parameters wrapped in ErrInvalidParameters.
func (p Parameters) Validate() error {
	var problems []string

	if !p.Endpoint.Address.IsValid() || p.Endpoint.Address.Port() == 0 {
		problems = append(problems, "endpoint must be an IP address with a port")
	}
	switch p.Endpoint.Protocol {
	case ProtocolUDP, ProtocolTCP, "":
	default:
		problems = append(problems, fmt.Sprintf("unknown endpoint protocol %q", p.Endpoint.Protocol))
	}
	if _, err := wgtypes.ParseKey(p.PrivateKey); err != nil {
		problems = append(problems, "private key: "+err.Error())
	}
	if _, err := wgtypes.ParseKey(p.PeerPublicKey); err != nil {
		problems = append(problems, "peer public key: "+err.Error())
	}
	if p.PresharedKey != "" {
		if _, err := wgtypes.ParseKey(p.PresharedKey); err != nil {
			problems = append(problems, "preshared key: "+err.Error())
		}
	}
	if len(p.Addresses) == 0 {
		problems = append(problems, "at least one tunnel address is required")
	}
	for _, prefix := range p.Addresses {
		if !prefix.IsValid() {
			problems = append(problems, "invalid tunnel address")
		}
	}
	if p.MTU != 0 && (p.MTU < 576 || p.MTU > 9000) {
		problems = append(problems, fmt.Sprintf("mtu %d out of range", p.MTU))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(problems, "; "))
	}
	return nil
}

// TransportProtocol returns the endpoint protocol, defaulting to UDP.
func (p Parameters) TransportProtocol() TransportProtocol {
	if p.Endpoint.Protocol == "" {
		return ProtocolUDP
	}
	return p.Endpoint.Protocol
}

// Metadata describes a tunnel interface that came up.
type Metadata struct {
	InterfaceName string         `json:"interfaceName"`
	Endpoint      Endpoint       `json:"endpoint"`
	Addresses     []netip.Prefix `json:"addresses"`
	DNSServers    []netip.Addr   `json:"dnsServers,omitempty"`
}

// EventKind distinguishes tunnel lifecycle events.
type EventKind int

const (
	// InterfaceUp means the tunnel interface exists and passes traffic.
	InterfaceUp EventKind = iota
	// Down is the last event of an attempt; the tunnel is fully closed.
	Down
)

func (k EventKind) String() string {
	switch k {
	case InterfaceUp:
		return "interface-up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event tagged with the generation of the attempt that produced it.
type Event struct {
	Generation uint64
	Kind       EventKind
	Metadata   Metadata
	// Err is the cause of a Down event; nil when the stop was requested.
	Err error
}
