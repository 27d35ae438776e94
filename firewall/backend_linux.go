//go:build linux

package firewall

// New returns the nftables backend.
func New(cfg Config) (Backend, error) {
	n, err := NewNftables(cfg)
	if err != nil {
		return nil, err
	}
	return n, nil
}
