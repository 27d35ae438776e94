// Package splittunnel moves processes of excluded executables into a net_cls
// cgroup whose traffic the firewall marks to bypass the tunnel.
package splittunnel

import "errors"

const (
	// DefaultClassID is the net_cls classid matched by the firewall.
	DefaultClassID = 0x4d9f41
	cgroupName     = "warden-exclusions"
)

// ErrUnsupported is returned where process exclusion is not available.
var ErrUnsupported = errors.New("split tunneling not supported on this platform")
