package tunnelstate

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/warden/firewall"
	"github.com/fosrl/warden/tunnel"
)

type fakeFirewall struct {
	mu      sync.Mutex
	applied []firewall.Policy
	current *firewall.Policy
	resets  int
	fail    map[firewall.Kind]error
}

func (f *fakeFirewall) Apply(_ context.Context, p firewall.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[p.Kind]; err != nil {
		return err
	}
	f.applied = append(f.applied, p)
	f.current = &p
	return nil
}

func (f *fakeFirewall) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.current = nil
	return nil
}

func (f *fakeFirewall) kinds() []firewall.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]firewall.Kind, len(f.applied))
	for i, p := range f.applied {
		kinds[i] = p.Kind
	}
	return kinds
}

func (f *fakeFirewall) currentPolicy() *firewall.Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type fakeDNS struct {
	mu      sync.Mutex
	set     bool
	iface   string
	servers []netip.Addr
	sets    int
	resets  int
	setErr  error
}

func (d *fakeDNS) Set(_ context.Context, iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	d.set = true
	d.iface = iface
	d.servers = slices.Clone(servers)
	d.sets++
	return nil
}

func (d *fakeDNS) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set = false
	d.servers = nil
	d.resets++
	return nil
}

func (d *fakeDNS) isSet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set
}

type fakeExcluder struct {
	calls [][]string
	err   error
}

func (e *fakeExcluder) SetExcluded(paths []string) error {
	e.calls = append(e.calls, slices.Clone(paths))
	return e.err
}

type fakeHandle struct {
	generation uint64
	params     tunnel.Parameters
	stops      int
	upSent     bool
	downSent   bool
}

func (h *fakeHandle) Generation() uint64 { return h.generation }
func (h *fakeHandle) Stop()              { h.stops++ }

type fakeMonitor struct {
	handles []*fakeHandle
}

func (f *fakeMonitor) Start(params tunnel.Parameters, generation uint64) tunnel.Handle {
	h := &fakeHandle{generation: generation, params: params}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeMonitor) last() *fakeHandle {
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return func() bool {
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

func (f *fakeTimers) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	m      *Machine
	fw     *fakeFirewall
	dns    *fakeDNS
	ex     *fakeExcluder
	mon    *fakeMonitor
	timers *fakeTimers
	// strict enables invariant checks after every step.
	strict bool
}

func newHarness(t *testing.T, configure func(*Settings)) *harness {
	t.Helper()
	settings := DefaultSettings()
	if configure != nil {
		configure(&settings)
	}

	h := &harness{
		t:      t,
		fw:     &fakeFirewall{fail: make(map[firewall.Kind]error)},
		dns:    &fakeDNS{},
		ex:     &fakeExcluder{},
		mon:    &fakeMonitor{},
		timers: &fakeTimers{},
		strict: true,
	}
	m, err := New(Config{
		Firewall: h.fw,
		DNS:      h.dns,
		Excluder: h.ex,
		Monitor:  h.mon,
		Events:   make(chan tunnel.Event),
		Settings: settings,
	})
	require.NoError(t, err)
	m.afterFunc = h.timers.afterFunc
	h.m = m

	m.enterDisconnected()
	h.check()
	return h
}

func (h *harness) do(cmd Command) error {
	h.t.Helper()
	err := h.m.handle(cmd)
	h.check()
	return err
}

func (h *harness) up(gen uint64, meta tunnel.Metadata) {
	h.t.Helper()
	h.m.handleTunnelEvent(tunnel.Event{Generation: gen, Kind: tunnel.InterfaceUp, Metadata: meta})
	h.check()
}

func (h *harness) down(gen uint64, err error) {
	h.t.Helper()
	h.m.handleTunnelEvent(tunnel.Event{Generation: gen, Kind: tunnel.Down, Err: err})
	h.check()
}

func (h *harness) offline(v bool) {
	h.t.Helper()
	h.m.handleOffline(v)
	h.check()
}

// fire runs the newest pending timer and delivers the event it posts.
func (h *harness) fire() {
	h.t.Helper()
	pending := h.timers.pending()
	require.NotEmpty(h.t, pending, "no pending timer")
	timer := pending[len(pending)-1]
	timer.fired = true
	timer.fn()
	select {
	case ev := <-h.m.internal:
		h.m.handleInternal(ev)
	default:
		h.t.Fatal("timer posted no event")
	}
	h.check()
}

func (h *harness) state() TunnelState {
	return h.m.state
}

// check asserts that traffic is never less restricted than the state allows and that
// DNS is only redirected while the Connected policy is in place.
func (h *harness) check() {
	h.t.Helper()
	if !h.strict {
		return
	}
	s := h.m.state
	policy := h.fw.currentPolicy()

	switch s.Kind {
	case Connected:
		require.NotNil(h.t, policy, "connected without firewall policy")
		require.Equal(h.t, firewall.KindConnected, policy.Kind)
		require.True(h.t, h.dns.isSet(), "connected without DNS")
	case Connecting:
		require.NotNil(h.t, policy, "connecting without firewall policy")
		require.Equal(h.t, firewall.KindConnecting, policy.Kind)
	case Disconnecting, Error:
		require.NotNil(h.t, policy, "%s without firewall policy", s)
		require.Equal(h.t, firewall.KindBlocked, policy.Kind, "state %s", s)
	case Disconnected:
		if h.m.settings.BlockWhenDisconnected {
			require.NotNil(h.t, policy)
			require.Equal(h.t, firewall.KindBlocked, policy.Kind)
		} else {
			require.Nil(h.t, policy)
		}
	}
	if h.dns.isSet() {
		require.NotNil(h.t, policy)
		require.Equal(h.t, firewall.KindConnected, policy.Kind, "DNS set under %s policy", policy.Kind)
	}
}

func testParams(t *testing.T) tunnel.Parameters {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return tunnel.Parameters{
		InterfaceName: "wg-test",
		Endpoint:      tunnel.Endpoint{Address: netip.MustParseAddrPort("198.51.100.7:51820"), Protocol: tunnel.ProtocolUDP},
		PrivateKey:    priv.String(),
		PeerPublicKey: peer.PublicKey().String(),
		Addresses:     []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		DNSServers:    []netip.Addr{netip.MustParseAddr("10.64.0.1")},
	}
}

func testMetadata(params tunnel.Parameters) tunnel.Metadata {
	return tunnel.Metadata{
		InterfaceName: params.InterfaceName,
		Endpoint:      params.Endpoint,
		Addresses:     params.Addresses,
	}
}
