//go:build linux && !android

package platform

import (
	"bytes"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
)

const resolvconfHeader = "# Generated by warden\n"

// ResolvconfDNSConfigurator registers the tunnel resolvers with resolvconf(8) under
// the tunnel interface name, so resolvconf merges and later removes them.
type ResolvconfDNSConfigurator struct {
	ifaceName     string
	originalState *DNSState
	run           func(stdin []byte, args ...string) error
}

func NewResolvconfDNSConfigurator(ifaceName string) (*ResolvconfDNSConfigurator, error) {
	if ifaceName == "" {
		return nil, fmt.Errorf("interface name is required")
	}
	return &ResolvconfDNSConfigurator{ifaceName: ifaceName, run: runResolvconf}, nil
}

func (r *ResolvconfDNSConfigurator) Name() string {
	return "resolvconf"
}

func (r *ResolvconfDNSConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}
	if r.originalState == nil {
		original, _, _ := readResolvConf(defaultResolvConfPath)
		r.originalState = &DNSState{OriginalServers: original, ConfiguratorName: r.Name()}
	}

	// -x marks the record exclusive so other interfaces' resolvers are ignored.
	body := renderResolvConf(resolvconfHeader, servers, nil)
	if err := r.run(body, "-a", r.ifaceName, "-m", "0", "-x"); err != nil {
		return nil, err
	}
	return r.originalState.OriginalServers, nil
}

func (r *ResolvconfDNSConfigurator) RestoreDNS() error {
	if err := r.run(nil, "-f", "-d", r.ifaceName); err != nil {
		return err
	}
	r.originalState = nil
	return nil
}

func (r *ResolvconfDNSConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	servers, _, err := readResolvConf(defaultResolvConfPath)
	return servers, err
}

func runResolvconf(stdin []byte, args ...string) error {
	cmd := exec.Command("resolvconf", args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("resolvconf %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// IsResolvconfAvailable checks if the resolvconf binary is installed.
func IsResolvconfAvailable() bool {
	_, err := exec.LookPath("resolvconf")
	return err == nil
}
