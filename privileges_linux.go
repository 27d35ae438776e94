//go:build linux

package main

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// setupPrivileges checks for CAP_NET_ADMIN and passes it on to the nft and
// resolvconf children through the ambient set.
func setupPrivileges() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("failed to init capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("failed to load capabilities: %w", err)
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_NET_ADMIN) {
		return fmt.Errorf("CAP_NET_ADMIN is required; run as root or grant the capability")
	}

	caps.Set(capability.INHERITABLE|capability.AMBIENT, capability.CAP_NET_ADMIN)
	if err := caps.Apply(capability.CAPS | capability.AMBIENT); err != nil {
		return fmt.Errorf("failed to apply capabilities: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to set PR_SET_KEEPCAPS: %w", err)
	}
	return nil
}
