package tunnelstate

import (
	"net/netip"

	"github.com/fosrl/warden/tunnel"
)

// Command is a request processed by the machine loop in submission order.
type Command interface {
	command() string
}

// Connect starts a tunnel with Params, replacing any current one.
type Connect struct {
	Params tunnel.Parameters
}

// Disconnect tears the tunnel down and returns to Disconnected.
type Disconnect struct{}

// Block tears the tunnel down and blocks traffic, reporting Reason.
type Block struct {
	Reason BlockReason
}

// FirewallOverride changes how policies are computed. Nil fields are left as is.
type FirewallOverride struct {
	AllowLAN              *bool `json:"allowLan,omitempty"`
	BlockWhenDisconnected *bool `json:"blockWhenDisconnected,omitempty"`
}

// SetFirewallPolicyOverride updates the override and re-applies the current policy.
type SetFirewallPolicyOverride struct {
	Override FirewallOverride
}

// SetExcludedApps replaces the set of executables that bypass the tunnel.
type SetExcludedApps struct {
	Paths []string
}

// SetDNSOverride replaces tunnel resolvers with Servers; an empty list removes the override.
type SetDNSOverride struct {
	Servers []netip.Addr
}

func (Connect) command() string                   { return "connect" }
func (Disconnect) command() string                { return "disconnect" }
func (Block) command() string                     { return "block" }
func (SetFirewallPolicyOverride) command() string { return "set-firewall-policy-override" }
func (SetExcludedApps) command() string           { return "set-excluded-apps" }
func (SetDNSOverride) command() string            { return "set-dns-override" }

type request struct {
	cmd   Command
	reply chan error
}
