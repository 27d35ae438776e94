//go:build linux && !android

package platform

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/fosrl/warden/logger"
)

const (
	systemdResolvedDest              = "org.freedesktop.resolve1"
	systemdDbusObjectNode            = "/org/freedesktop/resolve1"
	systemdDbusManagerIface          = "org.freedesktop.resolve1.Manager"
	systemdDbusGetLinkMethod         = systemdDbusManagerIface + ".GetLink"
	systemdDbusFlushCachesMethod     = systemdDbusManagerIface + ".FlushCaches"
	systemdDbusLinkInterface         = "org.freedesktop.resolve1.Link"
	systemdDbusSetDNSMethod          = systemdDbusLinkInterface + ".SetDNS"
	systemdDbusSetDefaultRouteMethod = systemdDbusLinkInterface + ".SetDefaultRoute"
	systemdDbusSetDomainsMethod      = systemdDbusLinkInterface + ".SetDomains"
	systemdDbusSetDNSSECMethod       = systemdDbusLinkInterface + ".SetDNSSEC"
	systemdDbusSetDNSOverTLSMethod   = systemdDbusLinkInterface + ".SetDNSOverTLS"
	systemdDbusRevertMethod          = systemdDbusLinkInterface + ".Revert"

	systemdUplinkResolvConf = "/run/systemd/resolve/resolv.conf"
	dbusCallTimeout         = 5 * time.Second

	// rootZone routes every query to the link it is set on.
	rootZone = "."
)

// systemdDbusDNSInput maps to (iay) dbus input for SetDNS method
type systemdDbusDNSInput struct {
	Family  int32
	Address []byte
}

// systemdDbusDomainsInput maps to (sb) dbus input for SetDomains method
type systemdDbusDomainsInput struct {
	Domain    string
	MatchOnly bool
}

// SystemdResolvedDNSConfigurator sets per-link resolvers on the tunnel interface and
// makes that link the default route for all queries.
type SystemdResolvedDNSConfigurator struct {
	ifaceName     string
	linkObject    dbus.ObjectPath
	originalState *DNSState
}

// NewSystemdResolvedDNSConfigurator looks up the resolved link of ifaceName.
func NewSystemdResolvedDNSConfigurator(ifaceName string) (*SystemdResolvedDNSConfigurator, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("get interface: %w", err)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	var linkPath dbus.ObjectPath
	obj := conn.Object(systemdResolvedDest, systemdDbusObjectNode)
	if err := obj.CallWithContext(ctx, systemdDbusGetLinkMethod, 0, int32(iface.Index)).Store(&linkPath); err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}

	return &SystemdResolvedDNSConfigurator{
		ifaceName:  ifaceName,
		linkObject: linkPath,
	}, nil
}

func (s *SystemdResolvedDNSConfigurator) Name() string {
	return "systemd-resolved"
}

func (s *SystemdResolvedDNSConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if s.originalState == nil {
		original, err := s.GetCurrentDNS()
		if err != nil {
			logger.Warn("Could not read current resolvers before override: %v", err)
		}
		s.originalState = &DNSState{OriginalServers: original, ConfiguratorName: s.Name()}
	}

	if err := s.applyDNSServers(servers); err != nil {
		return nil, fmt.Errorf("apply DNS servers: %w", err)
	}
	return s.originalState.OriginalServers, nil
}

// RestoreDNS reverts the link to the settings resolved had before we touched it.
func (s *SystemdResolvedDNSConfigurator) RestoreDNS() error {
	if err := s.callLinkMethod(systemdDbusRevertMethod); err != nil {
		return fmt.Errorf("revert DNS settings: %w", err)
	}
	if err := s.flushDNSCache(); err != nil {
		logger.Warn("Failed to flush DNS cache: %v", err)
	}
	s.originalState = nil
	return nil
}

// GetCurrentDNS reads the uplink resolvers resolved publishes for non-stub clients.
func (s *SystemdResolvedDNSConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	servers, _, err := readResolvConf(systemdUplinkResolvConf)
	return servers, err
}

func (s *SystemdResolvedDNSConfigurator) applyDNSServers(servers []netip.Addr) error {
	if len(servers) == 0 {
		return fmt.Errorf("no DNS servers provided")
	}

	inputs := make([]systemdDbusDNSInput, 0, len(servers))
	for _, server := range servers {
		family := unix.AF_INET
		if server.Is6() {
			family = unix.AF_INET6
		}
		inputs = append(inputs, systemdDbusDNSInput{
			Family:  int32(family),
			Address: server.AsSlice(),
		})
	}

	if err := s.callLinkMethod(systemdDbusSetDNSMethod, inputs); err != nil {
		return err
	}
	if err := s.callLinkMethod(systemdDbusSetDefaultRouteMethod, true); err != nil {
		return err
	}
	domains := []systemdDbusDomainsInput{{Domain: rootZone, MatchOnly: true}}
	if err := s.callLinkMethod(systemdDbusSetDomainsMethod, domains); err != nil {
		return err
	}

	// Optional on older resolved versions.
	if err := s.callLinkMethod(systemdDbusSetDNSSECMethod, "no"); err != nil {
		logger.Debug("Failed to disable DNSSEC on %s: %v", s.ifaceName, err)
	}
	if err := s.callLinkMethod(systemdDbusSetDNSOverTLSMethod, "no"); err != nil {
		logger.Debug("Failed to disable DNSOverTLS on %s: %v", s.ifaceName, err)
	}

	if err := s.flushDNSCache(); err != nil {
		logger.Warn("Failed to flush DNS cache: %v", err)
	}
	return nil
}

func (s *SystemdResolvedDNSConfigurator) callLinkMethod(method string, args ...interface{}) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	obj := conn.Object(systemdResolvedDest, s.linkObject)
	if err := obj.CallWithContext(ctx, method, 0, args...).Store(); err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	return nil
}

func (s *SystemdResolvedDNSConfigurator) flushDNSCache() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	obj := conn.Object(systemdResolvedDest, systemdDbusObjectNode)
	if err := obj.CallWithContext(ctx, systemdDbusFlushCachesMethod, 0).Store(); err != nil {
		return fmt.Errorf("flush caches: %w", err)
	}
	return nil
}

// IsSystemdResolvedAvailable checks if systemd-resolved is available and responsive
func IsSystemdResolvedAvailable() bool {
	return pingDbusPeer(systemdResolvedDest, systemdDbusObjectNode)
}

func pingDbusPeer(dest string, path dbus.ObjectPath) bool {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return conn.Object(dest, path).CallWithContext(ctx, "org.freedesktop.DBus.Peer.Ping", 0).Store() == nil
}
