// Package platform contains the OS-specific DNS configurators behind the DNS redirector.
package platform

import (
	"errors"
	"net/netip"
)

// ErrUnsupported is returned where no DNS configurator exists.
var ErrUnsupported = errors.New("dns configuration not supported on this platform")

// DNSConfigurator overrides and restores the system resolvers for one tunnel interface.
type DNSConfigurator interface {
	// SetDNS points the system at servers. The configuration found before the first
	// SetDNS since the last RestoreDNS is recorded and returned.
	SetDNS(servers []netip.Addr) ([]netip.Addr, error)

	// RestoreDNS puts back the recorded configuration and forgets it.
	RestoreDNS() error

	// GetCurrentDNS returns the currently configured DNS servers
	GetCurrentDNS() ([]netip.Addr, error)

	// Name returns the name of this configurator implementation
	Name() string
}

// DNSState is the configuration recorded before an override.
type DNSState struct {
	OriginalServers       []netip.Addr
	OriginalSearchDomains []string
	ConfiguratorName      string
}
