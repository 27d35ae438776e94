package dns

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fosrl/warden/dns/platform"
)

// fakeConfigurator mimics a host resolver configuration.
type fakeConfigurator struct {
	system   []netip.Addr
	saved    []netip.Addr
	setCalls int
	failSet  bool
}

func (f *fakeConfigurator) Name() string { return "fake" }

func (f *fakeConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if f.failSet {
		return nil, errors.New("bus unavailable")
	}
	if f.saved == nil {
		f.saved = f.system
	}
	f.system = servers
	f.setCalls++
	return f.saved, nil
}

func (f *fakeConfigurator) RestoreDNS() error {
	f.system = f.saved
	f.saved = nil
	return nil
}

func (f *fakeConfigurator) GetCurrentDNS() ([]netip.Addr, error) { return f.system, nil }

var (
	homeDNS   = []netip.Addr{netip.MustParseAddr("192.168.1.1")}
	tunnelDNS = []netip.Addr{netip.MustParseAddr("10.64.0.1")}
)

func newTestRedirector(fake *fakeConfigurator, created *[]string) *Redirector {
	return NewRedirector(func(iface string) (platform.DNSConfigurator, error) {
		*created = append(*created, iface)
		return fake, nil
	})
}

func TestRedirectorRestoresAcrossCycles(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConfigurator{system: homeDNS}
	var created []string
	r := newTestRedirector(fake, &created)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Set(ctx, "wg0", tunnelDNS))
		require.True(t, r.IsSet())
		require.Equal(t, tunnelDNS, fake.system)

		require.NoError(t, r.Set(ctx, "wg0", []netip.Addr{netip.MustParseAddr("10.64.0.2")}))
		require.NoError(t, r.Reset(ctx))
		require.False(t, r.IsSet())
		require.Equal(t, homeDNS, fake.system)
	}
	require.Equal(t, []string{"wg0", "wg0", "wg0"}, created)
}

func TestRedirectorSameServersIsNoop(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConfigurator{system: homeDNS}
	var created []string
	r := newTestRedirector(fake, &created)

	require.NoError(t, r.Set(ctx, "wg0", tunnelDNS))
	require.NoError(t, r.Set(ctx, "wg0", tunnelDNS))
	require.Equal(t, 1, fake.setCalls)
	require.Equal(t, tunnelDNS, r.Current())
}

func TestRedirectorResetWhenUnset(t *testing.T) {
	var created []string
	r := newTestRedirector(&fakeConfigurator{}, &created)
	require.NoError(t, r.Reset(context.Background()))
	require.Empty(t, created)
}

func TestRedirectorFailedFirstSet(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConfigurator{system: homeDNS, failSet: true}
	var created []string
	r := newTestRedirector(fake, &created)

	require.Error(t, r.Set(ctx, "wg0", tunnelDNS))
	require.False(t, r.IsSet())
	require.Equal(t, homeDNS, fake.system)
	require.Error(t, r.Set(ctx, "wg0", nil))
}

func TestRedirectorInterfaceChange(t *testing.T) {
	ctx := context.Background()
	fake := &fakeConfigurator{system: homeDNS}
	var created []string
	r := newTestRedirector(fake, &created)

	require.NoError(t, r.Set(ctx, "wg0", tunnelDNS))
	require.NoError(t, r.Set(ctx, "wg1", tunnelDNS))
	require.Equal(t, []string{"wg0", "wg1"}, created)

	require.NoError(t, r.Reset(ctx))
	require.Equal(t, homeDNS, fake.system)
}
