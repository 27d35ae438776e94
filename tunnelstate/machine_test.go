package tunnelstate

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fosrl/warden/firewall"
	"github.com/fosrl/warden/tunnel"
)

var errHandshake = errors.New("handshake did not complete")

func nextTransition(t *testing.T, sub *Subscription) Transition {
	t.Helper()
	select {
	case tr := <-sub.C:
		return tr
	default:
		t.Fatal("no transition published")
		return Transition{}
	}
}

func TestConnectReachesConnected(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.m.Subscribe()
	defer sub.Close()
	require.Equal(t, Disconnected, nextTransition(t, sub).Kind)

	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	require.Equal(t, Connecting, h.state().Kind)
	require.Equal(t, 0, h.state().RetryAttempt)
	require.Len(t, h.mon.handles, 1)
	require.Equal(t, Connecting, nextTransition(t, sub).Kind)

	h.up(h.mon.last().generation, testMetadata(params))

	require.Equal(t, Connected, h.state().Kind)
	require.Equal(t, "wg-test", h.state().Metadata.InterfaceName)
	require.Equal(t, []firewall.Kind{firewall.KindBlocked, firewall.KindConnecting, firewall.KindConnected}, h.fw.kinds())
	require.Equal(t, 1, h.dns.sets)
	require.Equal(t, params.DNSServers, h.dns.servers)
	require.Equal(t, params.DNSServers, h.fw.currentPolicy().DNSServers)

	tr := nextTransition(t, sub)
	require.Equal(t, Connected, tr.Kind)
	require.False(t, tr.At.IsZero())
}

func TestDefaultSettingsBlockUntilConnected(t *testing.T) {
	fw := &fakeFirewall{fail: make(map[firewall.Kind]error)}
	mon := &fakeMonitor{}
	m, err := New(Config{
		Firewall: fw,
		DNS:      &fakeDNS{},
		Monitor:  mon,
		Events:   make(chan tunnel.Event),
		Settings: DefaultSettings(),
	})
	require.NoError(t, err)

	m.enterDisconnected()
	require.NotNil(t, fw.currentPolicy(), "disconnected at startup must not leave traffic open")
	require.Equal(t, firewall.KindBlocked, fw.currentPolicy().Kind)
	require.Zero(t, fw.resets)

	params := testParams(t)
	require.NoError(t, m.handle(Connect{Params: params}))
	m.handleTunnelEvent(tunnel.Event{Generation: mon.last().generation, Kind: tunnel.InterfaceUp, Metadata: testMetadata(params)})
	require.Equal(t, Connected, m.State().Kind)
	require.Equal(t, []firewall.Kind{firewall.KindBlocked, firewall.KindConnecting, firewall.KindConnected}, fw.kinds())

	require.NoError(t, m.handle(Disconnect{}))
	m.handleTunnelEvent(tunnel.Event{Generation: mon.last().generation, Kind: tunnel.Down})
	require.Equal(t, Disconnected, m.State().Kind)
	require.Equal(t, firewall.KindBlocked, fw.currentPolicy().Kind)
}

func TestRetryableFailuresRetryUntilConnected(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))

	h.down(h.mon.last().generation, errHandshake)
	require.Equal(t, Connecting, h.state().Kind)
	require.Equal(t, 1, h.state().RetryAttempt)
	require.Len(t, h.timers.pending(), 1)
	require.Len(t, h.mon.handles, 1, "retry must wait for the backoff timer")

	h.fire()
	require.Len(t, h.mon.handles, 2)
	h.down(h.mon.last().generation, errHandshake)
	require.Equal(t, 2, h.state().RetryAttempt)

	h.fire()
	require.Len(t, h.mon.handles, 3)
	h.up(h.mon.last().generation, testMetadata(params))
	require.Equal(t, Connected, h.state().Kind)
	require.Equal(t, 0, h.state().RetryAttempt)

	gens := []uint64{h.mon.handles[0].generation, h.mon.handles[1].generation, h.mon.handles[2].generation}
	require.Less(t, gens[0], gens[1])
	require.Less(t, gens[1], gens[2])

	require.NoError(t, h.do(Disconnect{}))
	h.down(h.mon.last().generation, nil)
	require.NoError(t, h.do(Connect{Params: params}))
	require.Equal(t, Connecting, h.state().Kind)
	require.Equal(t, 0, h.state().RetryAttempt)
}

func TestDisconnectDropsStaleInterfaceUp(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	first := h.mon.last()

	require.NoError(t, h.do(Disconnect{}))
	require.Equal(t, Disconnecting, h.state().Kind)
	require.Equal(t, AfterNothing, h.state().After)
	require.Equal(t, 1, first.stops)
	require.Greater(t, h.m.generation, first.generation)

	h.up(first.generation, testMetadata(params))
	require.Equal(t, Disconnecting, h.state().Kind)
	require.False(t, h.dns.isSet())

	h.down(first.generation, nil)
	require.Equal(t, Disconnected, h.state().Kind)
	require.Equal(t, firewall.KindBlocked, h.fw.currentPolicy().Kind)
	require.Equal(t, 0, h.dns.sets)
}

func TestStopTimeoutFinishesDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	first := h.mon.last()
	require.NoError(t, h.do(Disconnect{}))

	h.fire()
	require.Equal(t, Disconnected, h.state().Kind)

	// Events from the abandoned attempt change nothing.
	h.up(first.generation, testMetadata(params))
	h.down(first.generation, nil)
	require.Equal(t, Disconnected, h.state().Kind)
}

func TestAuthFailureWhileConnectedBlocks(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	h.up(h.mon.last().generation, testMetadata(params))

	h.down(h.mon.last().generation, fmt.Errorf("%w: peer rejected key", tunnel.ErrAuthFailed))

	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, AuthFailed, h.state().Reason)
	require.Empty(t, h.state().BlockFailure)
	require.Equal(t, firewall.KindBlocked, h.fw.currentPolicy().Kind)
	require.False(t, h.dns.isSet())
	require.Len(t, h.mon.handles, 1)
	require.Empty(t, h.timers.pending())
}

func TestConnectWhileOfflineIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.offline(true)
	require.Equal(t, Disconnected, h.state().Kind)

	err := h.do(Connect{Params: testParams(t)})
	require.Error(t, err)
	require.True(t, IsOfflineError(err))
	require.ErrorIs(t, err, ErrOffline)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, IsOffline, h.state().Reason)
	require.Empty(t, h.mon.handles)

	h.offline(false)
	require.Equal(t, Connecting, h.state().Kind)
	require.Len(t, h.mon.handles, 1)
}

func TestInvalidParametersBlock(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	params.PrivateKey = "not-a-key"

	err := h.do(Connect{Params: params})
	var e *CommandError
	require.ErrorAs(t, err, &e)
	require.Equal(t, ConfigurationError, e.Kind)
	require.Equal(t, TunnelParameterError, e.Reason)
	require.ErrorIs(t, err, tunnel.ErrInvalidParameters)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, TunnelParameterError, h.state().Reason)
	require.Empty(t, h.mon.handles)
}

func TestConnectingPolicyFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.fail[firewall.KindConnecting] = errors.New("nft: permission denied")

	err := h.do(Connect{Params: testParams(t)})
	var e *CommandError
	require.ErrorAs(t, err, &e)
	require.Equal(t, BackendError, e.Kind)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, SetFirewallPolicyError, h.state().Reason)
	require.Empty(t, h.mon.handles)
}

func TestConnectedPolicyFailureStopsTunnel(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	h.fw.fail[firewall.KindConnected] = errors.New("nft: table busy")
	require.NoError(t, h.do(Connect{Params: params}))
	handle := h.mon.last()

	h.up(handle.generation, testMetadata(params))
	require.Equal(t, Disconnecting, h.state().Kind)
	require.Equal(t, AfterBlock, h.state().After)
	require.Equal(t, 1, handle.stops)
	require.False(t, h.dns.isSet())

	h.down(handle.generation, nil)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, SetFirewallPolicyError, h.state().Reason)
}

func TestDNSFailureStopsTunnel(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	h.dns.setErr = errors.New("resolved unavailable")
	require.NoError(t, h.do(Connect{Params: params}))
	handle := h.mon.last()

	h.up(handle.generation, testMetadata(params))
	require.Equal(t, Disconnecting, h.state().Kind)
	h.down(handle.generation, nil)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, SetDNSError, h.state().Reason)
}

func TestBlockedPolicyFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.strict = false
	h.fw.fail[firewall.KindBlocked] = errors.New("nft missing")

	require.NoError(t, h.do(Block{Reason: TapAdapterProblem}))
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, TapAdapterProblem, h.state().Reason)
	require.Equal(t, "nft missing", h.state().BlockFailure)
}

func TestNonRetryableFailureWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.do(Connect{Params: testParams(t)}))
	h.down(h.mon.last().generation, fmt.Errorf("%w: bad peer key", tunnel.ErrAuthFailed))

	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, AuthFailed, h.state().Reason)
	require.Empty(t, h.timers.pending())
}

func TestRetryLimit(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Retry.MaxAttempts = 2 })
	require.NoError(t, h.do(Connect{Params: testParams(t)}))

	h.down(h.mon.last().generation, errHandshake)
	h.fire()
	h.down(h.mon.last().generation, errHandshake)
	h.fire()
	h.down(h.mon.last().generation, errHandshake)

	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, StartTunnelError, h.state().Reason)
	require.Len(t, h.mon.handles, 3)
}

func TestAdapterProblemIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.do(Connect{Params: testParams(t)}))
	h.down(h.mon.last().generation, fmt.Errorf("%w: tun busy", tunnel.ErrAdapter))
	require.Equal(t, Connecting, h.state().Kind)
	require.Equal(t, 1, h.state().RetryAttempt)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.do(Connect{Params: testParams(t)}))
	h.down(h.mon.last().generation, errHandshake)
	timer := h.timers.pending()[0]

	require.NoError(t, h.do(Disconnect{}))
	require.Equal(t, Disconnected, h.state().Kind)
	require.True(t, timer.stopped)

	// A retry that raced the cancellation is stale.
	timer.fn()
	h.m.handleInternal(<-h.m.internal)
	require.Equal(t, Disconnected, h.state().Kind)
	require.Len(t, h.mon.handles, 1)
}

func TestConnectSupersedesConnectedTunnel(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	old := h.mon.last()
	h.up(old.generation, testMetadata(params))

	next := testParams(t)
	next.Endpoint.Address = netip.MustParseAddrPort("203.0.113.9:51820")
	require.NoError(t, h.do(Connect{Params: next}))
	require.Equal(t, Disconnecting, h.state().Kind)
	require.Equal(t, AfterReconnect, h.state().After)
	require.Equal(t, 1, old.stops)
	require.False(t, h.dns.isSet())

	h.down(old.generation, nil)
	require.Equal(t, Connecting, h.state().Kind)
	require.Len(t, h.mon.handles, 2)
	require.Equal(t, next.Endpoint, h.mon.last().params.Endpoint)
	require.Equal(t, next.Endpoint, h.fw.currentPolicy().PeerEndpoint)
}

func TestDisconnectingRewritesAfterAction(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	handle := h.mon.last()
	h.up(handle.generation, testMetadata(params))

	require.NoError(t, h.do(Disconnect{}))
	require.Equal(t, AfterNothing, h.state().After)
	require.NoError(t, h.do(Connect{Params: params}))
	require.Equal(t, AfterReconnect, h.state().After)
	require.NoError(t, h.do(Block{Reason: AuthFailed}))
	require.Equal(t, AfterBlock, h.state().After)
	require.Equal(t, AuthFailed, h.state().Reason)

	h.down(handle.generation, nil)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, AuthFailed, h.state().Reason)
	require.Len(t, h.mon.handles, 1)
}

func TestConnectedDropReconnects(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	first := h.mon.last()
	h.up(first.generation, testMetadata(params))

	h.down(first.generation, errHandshake)
	require.Equal(t, Connecting, h.state().Kind)
	require.Equal(t, 0, h.state().RetryAttempt)
	require.Len(t, h.mon.handles, 2)
	require.Greater(t, h.mon.last().generation, first.generation)
}

func TestOfflineWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.do(Connect{Params: testParams(t)}))
	handle := h.mon.last()

	h.offline(true)
	require.Equal(t, Disconnecting, h.state().Kind)
	require.Equal(t, IsOffline, h.state().Reason)
	h.down(handle.generation, nil)
	require.Equal(t, Error, h.state().Kind)
	require.Equal(t, IsOffline, h.state().Reason)

	h.offline(false)
	require.Equal(t, Connecting, h.state().Kind)
	require.Len(t, h.mon.handles, 2)
}

func TestErrorDisconnect(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.BlockWhenDisconnected = false })
	require.NoError(t, h.do(Block{Reason: StartTunnelError}))
	require.Equal(t, Error, h.state().Kind)

	require.NoError(t, h.do(Disconnect{}))
	require.Equal(t, Disconnected, h.state().Kind)
	require.Nil(t, h.fw.currentPolicy())
}

func TestFirewallOverride(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	h.up(h.mon.last().generation, testMetadata(params))

	allow := true
	require.NoError(t, h.do(SetFirewallPolicyOverride{Override: FirewallOverride{AllowLAN: &allow}}))
	require.Equal(t, Connected, h.state().Kind)
	require.True(t, h.fw.currentPolicy().AllowLAN)
	require.True(t, h.m.Settings().AllowLAN)

	require.NoError(t, h.do(Disconnect{}))
	h.down(h.mon.last().generation, nil)
	require.True(t, h.fw.currentPolicy().AllowLAN)

	block := false
	require.NoError(t, h.do(SetFirewallPolicyOverride{Override: FirewallOverride{BlockWhenDisconnected: &block}}))
	require.Nil(t, h.fw.currentPolicy())
	require.Equal(t, 1, h.fw.resets)
}

func TestDNSOverride(t *testing.T) {
	h := newHarness(t, nil)
	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	h.up(h.mon.last().generation, testMetadata(params))

	override := []netip.Addr{netip.MustParseAddr("9.9.9.9")}
	require.NoError(t, h.do(SetDNSOverride{Servers: override}))
	require.Equal(t, override, h.dns.servers)
	require.Equal(t, override, h.fw.currentPolicy().DNSServers)

	require.NoError(t, h.do(SetDNSOverride{}))
	require.Equal(t, params.DNSServers, h.dns.servers)
}

func TestExcludedApps(t *testing.T) {
	h := newHarness(t, nil)
	apps := []string{"/usr/bin/steam"}
	require.NoError(t, h.do(SetExcludedApps{Paths: apps}))
	require.Equal(t, [][]string{apps}, h.ex.calls)

	params := testParams(t)
	require.NoError(t, h.do(Connect{Params: params}))
	h.up(h.mon.last().generation, testMetadata(params))
	require.Equal(t, [][]string{apps, apps}, h.ex.calls)

	h.ex.err = errors.New("relative path")
	require.Error(t, h.do(SetExcludedApps{Paths: []string{"steam"}}))
	require.Equal(t, Connected, h.state().Kind)
}

func TestInvalidBlockReason(t *testing.T) {
	h := newHarness(t, nil)
	err := h.do(Block{})
	var e *CommandError
	require.ErrorAs(t, err, &e)
	require.Equal(t, ConfigurationError, e.Kind)
	require.Equal(t, Disconnected, h.state().Kind)
}

// TestRandomWalk drives the machine with random commands and events that respect the
// monitor contract and checks the invariants after every step.
func TestRandomWalk(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			h := newHarness(t, func(s *Settings) {
				s.Retry.MaxAttempts = 3
				s.BlockWhenDisconnected = seed%2 == 0
			})
			params := testParams(t)
			lastGen := uint64(0)

			for step := 0; step < 300; step++ {
				switch rng.IntN(9) {
				case 0:
					_ = h.do(Connect{Params: params})
				case 1:
					_ = h.do(Disconnect{})
				case 2:
					_ = h.do(Block{Reason: StartTunnelError})
				case 3:
					h.offline(rng.IntN(3) == 0)
				case 4:
					if len(h.timers.pending()) > 0 {
						h.fire()
					}
				default:
					var open []*fakeHandle
					for _, hd := range h.mon.handles {
						if !hd.downSent {
							open = append(open, hd)
						}
					}
					if len(open) == 0 {
						continue
					}
					hd := open[rng.IntN(len(open))]
					if !hd.upSent && hd.stops == 0 && rng.IntN(2) == 0 {
						hd.upSent = true
						h.up(hd.generation, testMetadata(params))
						continue
					}
					hd.downSent = true
					var cause error
					if hd.stops == 0 {
						cause = []error{errHandshake, tunnel.ErrAuthFailed, tunnel.ErrAdapter}[rng.IntN(3)]
					}
					h.down(hd.generation, cause)
				}

				require.GreaterOrEqual(t, h.m.generation, lastGen)
				lastGen = h.m.generation
				if h.state().Kind == Connecting {
					require.LessOrEqual(t, h.state().RetryAttempt, 3)
				}
			}

			for i := 1; i < len(h.mon.handles); i++ {
				require.Less(t, h.mon.handles[i-1].generation, h.mon.handles[i].generation)
			}
		})
	}
}
