//go:build linux && !android

package platform

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvconfCommands(t *testing.T) {
	type call struct {
		stdin string
		args  []string
	}
	var calls []call
	r, err := NewResolvconfDNSConfigurator("wg-warden")
	require.NoError(t, err)
	r.run = func(stdin []byte, args ...string) error {
		calls = append(calls, call{string(stdin), args})
		return nil
	}

	_, err = r.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.1")})
	require.NoError(t, err)
	require.NoError(t, r.RestoreDNS())

	require.Len(t, calls, 2)
	require.Equal(t, []string{"-a", "wg-warden", "-m", "0", "-x"}, calls[0].args)
	require.Contains(t, calls[0].stdin, "nameserver 10.64.0.1\n")
	require.Equal(t, []string{"-f", "-d", "wg-warden"}, calls[1].args)
	require.Nil(t, r.originalState)
}
