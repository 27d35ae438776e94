// Package dns points system name resolution at tunnel resolvers and restores it.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/fosrl/warden/dns/platform"
	"github.com/fosrl/warden/logger"
)

// ConfiguratorFactory builds the platform configurator for a tunnel interface.
type ConfiguratorFactory func(ifaceName string) (platform.DNSConfigurator, error)

// Redirector owns the DNS override. The configuration seen before the first Set is
// restored by Reset, however many Sets happen in between.
type Redirector struct {
	newConfigurator ConfiguratorFactory

	mu           sync.Mutex
	configurator platform.DNSConfigurator
	iface        string
	current      []netip.Addr
	original     []netip.Addr
}

// NewRedirector creates a redirector that uses factory to reach the OS.
func NewRedirector(factory ConfiguratorFactory) *Redirector {
	return &Redirector{newConfigurator: factory}
}

// Set points the system at servers through iface.
func (r *Redirector) Set(ctx context.Context, iface string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return errors.New("no DNS servers to set")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.configurator != nil && r.iface != iface {
		logger.Info("Tunnel interface changed from %s to %s, restoring DNS first", r.iface, iface)
		if err := r.resetLocked(); err != nil {
			return err
		}
	}
	if r.configurator != nil && slices.Equal(r.current, servers) {
		return nil
	}

	if r.configurator == nil {
		c, err := r.newConfigurator(iface)
		if err != nil {
			return fmt.Errorf("create DNS configurator: %w", err)
		}
		r.configurator = c
		r.iface = iface
	}

	name := r.configurator.Name()
	original, err := r.configurator.SetDNS(servers)
	if err != nil {
		if r.current == nil {
			r.configurator = nil
			r.iface = ""
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if r.current == nil {
		r.original = original
		logger.Debug("Recorded original resolvers %v", original)
	}
	r.current = slices.Clone(servers)
	logger.Info("DNS set to %v via %s", servers, name)
	return nil
}

// Reset restores the recorded configuration. It is a no-op when nothing is set.
func (r *Redirector) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetLocked()
}

func (r *Redirector) resetLocked() error {
	if r.configurator == nil {
		return nil
	}
	if err := r.configurator.RestoreDNS(); err != nil {
		return fmt.Errorf("%s: restore DNS: %w", r.configurator.Name(), err)
	}
	logger.Info("DNS restored to %v", r.original)
	r.configurator = nil
	r.iface = ""
	r.current = nil
	r.original = nil
	return nil
}

// IsSet reports whether an override is active.
func (r *Redirector) IsSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configurator != nil && r.current != nil
}

// Current returns the active override, or nil.
func (r *Redirector) Current() []netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.current)
}
