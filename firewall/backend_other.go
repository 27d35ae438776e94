//go:build !linux

package firewall

// New reports that this platform has no packet filter backend.
func New(cfg Config) (Backend, error) {
	return nil, ErrUnsupported
}
