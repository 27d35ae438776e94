//go:build !linux

package main

// setupPrivileges is a no-op; the platform backends report their own
// permission errors.
func setupPrivileges() error {
	return nil
}
