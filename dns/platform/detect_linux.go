//go:build linux && !android

package platform

import (
	"bufio"
	"os"
	"strings"

	"github.com/fosrl/warden/logger"
)

// DNSManagerType represents the type of DNS manager detected
type DNSManagerType int

const (
	UnknownManager DNSManagerType = iota
	SystemdResolvedManager
	NetworkManagerManager
	ResolvconfManager
	FileManager
)

func (d DNSManagerType) String() string {
	switch d {
	case SystemdResolvedManager:
		return "systemd-resolved"
	case NetworkManagerManager:
		return "NetworkManager"
	case ResolvconfManager:
		return "resolvconf"
	case FileManager:
		return "file"
	default:
		return "unknown"
	}
}

// ParseDNSManagerType maps a configured backend name; "auto" and "" mean detect.
func ParseDNSManagerType(name string) DNSManagerType {
	switch strings.ToLower(name) {
	case "systemd-resolved", "resolved":
		return SystemdResolvedManager
	case "networkmanager", "network-manager":
		return NetworkManagerManager
	case "resolvconf":
		return ResolvconfManager
	case "file":
		return FileManager
	default:
		return UnknownManager
	}
}

// detectFromFile reads the comment header of resolv.conf, where the managing
// daemon usually announces itself.
func detectFromFile(path string) DNSManagerType {
	file, err := os.Open(path)
	if err != nil {
		return UnknownManager
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if text[0] != '#' {
			return FileManager
		}
		switch {
		case strings.Contains(text, "NetworkManager"):
			return NetworkManagerManager
		case strings.Contains(text, "systemd-resolved"):
			return SystemdResolvedManager
		case strings.Contains(text, "resolvconf"):
			return ResolvconfManager
		}
	}
	if scanner.Err() != nil {
		return UnknownManager
	}
	return FileManager
}

// DetectDNSManager combines the resolv.conf hint with runtime availability checks.
func DetectDNSManager() DNSManagerType {
	hint := detectFromFile(defaultResolvConfPath)

	switch hint {
	case SystemdResolvedManager:
		if IsSystemdResolvedAvailable() {
			return SystemdResolvedManager
		}
		logger.Warn("resolv.conf names systemd-resolved but it is not running, falling back to file")
		return FileManager
	case NetworkManagerManager:
		if IsNetworkManagerAvailable() {
			if networkManagerDelegatesToResolved() && IsSystemdResolvedAvailable() {
				logger.Info("NetworkManager delegates DNS to systemd-resolved, configuring resolved directly")
				return SystemdResolvedManager
			}
			return NetworkManagerManager
		}
		logger.Warn("resolv.conf names NetworkManager but it is not running, falling back to file")
		return FileManager
	case ResolvconfManager:
		if IsResolvconfAvailable() {
			return ResolvconfManager
		}
		return FileManager
	}

	if IsSystemdResolvedAvailable() {
		return SystemdResolvedManager
	}
	return FileManager
}

// New creates the configurator for kind, detecting one when kind is UnknownManager.
func New(kind DNSManagerType, ifaceName string) (DNSConfigurator, error) {
	if kind == UnknownManager {
		kind = DetectDNSManager()
		logger.Info("Detected DNS manager: %s", kind)
	}

	switch kind {
	case SystemdResolvedManager:
		return NewSystemdResolvedDNSConfigurator(ifaceName)
	case NetworkManagerManager:
		return NewNetworkManagerDNSConfigurator()
	case ResolvconfManager:
		return NewResolvconfDNSConfigurator(ifaceName)
	default:
		return NewFileDNSConfigurator(defaultResolvConfPath)
	}
}
