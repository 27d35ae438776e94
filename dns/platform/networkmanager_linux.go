//go:build linux && !android

package platform

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"github.com/fosrl/warden/logger"
)

const (
	networkManagerDest                       = "org.freedesktop.NetworkManager"
	networkManagerDbusObjectNode             = "/org/freedesktop/NetworkManager"
	networkManagerDbusDNSManagerInterface    = "org.freedesktop.NetworkManager.DnsManager"
	networkManagerDbusDNSManagerObjectNode   = networkManagerDbusObjectNode + "/DnsManager"
	networkManagerDbusDNSManagerModeProperty = networkManagerDbusDNSManagerInterface + ".Mode"
	networkManagerDbusReloadMethod           = networkManagerDest + ".Reload"

	networkManagerConfDir     = "/etc/NetworkManager/conf.d"
	networkManagerDNSConfFile = "warden-dns.conf"
)

// NetworkManagerDNSConfigurator installs a global-dns drop-in. The tunnel interface
// is not managed by NetworkManager, so per-device settings are not an option.
type NetworkManagerDNSConfigurator struct {
	confPath      string
	originalState *DNSState
	reload        func() error
}

// NewNetworkManagerDNSConfigurator removes any drop-in left by an unclean shutdown.
func NewNetworkManagerDNSConfigurator() (*NetworkManagerDNSConfigurator, error) {
	if !fileExists(networkManagerConfDir) {
		return nil, fmt.Errorf("NetworkManager conf.d directory not found: %s", networkManagerConfDir)
	}

	n := &NetworkManagerDNSConfigurator{
		confPath: filepath.Join(networkManagerConfDir, networkManagerDNSConfFile),
		reload:   reloadNetworkManager,
	}
	if fileExists(n.confPath) {
		logger.Info("Removing stale NetworkManager DNS drop-in %s", n.confPath)
		if err := n.removeDropIn(); err != nil {
			return nil, fmt.Errorf("cleanup unclean shutdown: %w", err)
		}
	}
	return n, nil
}

func (n *NetworkManagerDNSConfigurator) Name() string {
	return "network-manager"
}

func (n *NetworkManagerDNSConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}
	if n.originalState == nil {
		original, err := n.GetCurrentDNS()
		if err != nil {
			logger.Warn("Could not read current resolvers before override: %v", err)
		}
		n.originalState = &DNSState{OriginalServers: original, ConfiguratorName: n.Name()}
	}

	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.String()
	}
	content := "# Generated by warden - DO NOT EDIT\n\n[global-dns-domain-*]\nservers=" + strings.Join(addrs, ",") + "\n"
	if err := os.WriteFile(n.confPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write DNS config file: %w", err)
	}
	if err := n.reload(); err != nil {
		os.Remove(n.confPath)
		return nil, fmt.Errorf("reload NetworkManager: %w", err)
	}
	return n.originalState.OriginalServers, nil
}

func (n *NetworkManagerDNSConfigurator) RestoreDNS() error {
	if err := n.removeDropIn(); err != nil {
		return err
	}
	n.originalState = nil
	return nil
}

func (n *NetworkManagerDNSConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	servers, _, err := readResolvConf(defaultResolvConfPath)
	return servers, err
}

func (n *NetworkManagerDNSConfigurator) removeDropIn() error {
	if err := os.Remove(n.confPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove DNS config file: %w", err)
	}
	if err := n.reload(); err != nil {
		return fmt.Errorf("reload NetworkManager: %w", err)
	}
	return nil
}

func reloadNetworkManager() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*dbusCallTimeout)
	defer cancel()

	// flags=0 reloads everything, including conf.d
	obj := conn.Object(networkManagerDest, networkManagerDbusObjectNode)
	if err := obj.CallWithContext(ctx, networkManagerDbusReloadMethod, 0, uint32(0)).Store(); err != nil {
		return fmt.Errorf("call Reload: %w", err)
	}
	return nil
}

// IsNetworkManagerAvailable checks if NetworkManager is available and responsive
func IsNetworkManagerAvailable() bool {
	return pingDbusPeer(networkManagerDest, networkManagerDbusObjectNode)
}

// networkManagerDelegatesToResolved reports whether NetworkManager hands DNS to
// systemd-resolved, in which case resolved should be configured directly.
func networkManagerDelegatesToResolved() bool {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false
	}
	mode, err := conn.Object(networkManagerDest, networkManagerDbusDNSManagerObjectNode).
		GetProperty(networkManagerDbusDNSManagerModeProperty)
	if err != nil {
		return false
	}
	s, ok := mode.Value().(string)
	return ok && s == "systemd-resolved"
}
