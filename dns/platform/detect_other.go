//go:build !linux || android

package platform

// DNSManagerType selects a configurator. Only the plain file backend exists here.
type DNSManagerType int

const (
	UnknownManager DNSManagerType = iota
	FileManager
)

func (d DNSManagerType) String() string {
	if d == FileManager {
		return "file"
	}
	return "unknown"
}

// ParseDNSManagerType maps a configured backend name.
func ParseDNSManagerType(name string) DNSManagerType {
	if name == "file" {
		return FileManager
	}
	return UnknownManager
}

// New returns the resolv.conf backend when explicitly requested.
func New(kind DNSManagerType, ifaceName string) (DNSConfigurator, error) {
	if kind == FileManager {
		return NewFileDNSConfigurator(defaultResolvConfPath)
	}
	return nil, ErrUnsupported
}
