package tunnelstate

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fosrl/warden/firewall"
	"github.com/fosrl/warden/logger"
	"github.com/fosrl/warden/tunnel"
)

func (m *Machine) handle(cmd Command) error {
	logger.Debug("Handling %s command in state %s", cmd.command(), m.state)
	switch c := cmd.(type) {
	case Connect:
		return m.handleConnect(c.Params)
	case Disconnect:
		m.handleDisconnect()
		return nil
	case Block:
		if _, ok := reasonNames[c.Reason]; !ok {
			return &CommandError{Kind: ConfigurationError, Err: fmt.Errorf("invalid block reason %d", c.Reason)}
		}
		m.block(c.Reason)
		return nil
	case SetFirewallPolicyOverride:
		return m.handleFirewallOverride(c.Override)
	case SetExcludedApps:
		return m.handleExcludedApps(c.Paths)
	case SetDNSOverride:
		return m.handleDNSOverride(c.Servers)
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (m *Machine) handleConnect(params tunnel.Parameters) error {
	if err := params.Validate(); err != nil {
		logger.Error("Rejecting tunnel parameters: %v", err)
		m.params = nil
		m.block(TunnelParameterError)
		return newError(TunnelParameterError, err)
	}
	m.params = &params

	switch m.state.Kind {
	case Connecting, Connected:
		m.beginDisconnect(AfterReconnect, noReason)
	case Disconnecting:
		m.setState(DisconnectingState(AfterReconnect, noReason))
	default:
		return m.startConnecting(0)
	}
	return nil
}

func (m *Machine) handleDisconnect() {
	switch m.state.Kind {
	case Connecting, Connected:
		m.beginDisconnect(AfterNothing, noReason)
	case Disconnecting:
		m.setState(DisconnectingState(AfterNothing, noReason))
	case Error:
		m.enterDisconnected()
	}
}

func (m *Machine) block(reason BlockReason) {
	switch m.state.Kind {
	case Connecting, Connected:
		m.beginDisconnect(AfterBlock, reason)
	case Disconnecting:
		m.setState(DisconnectingState(AfterBlock, reason))
	default:
		m.enterError(reason)
	}
}

// startConnecting tightens the firewall to the Connecting policy and launches a new
// generation. attempt is zero for a fresh connect.
func (m *Machine) startConnecting(attempt int) error {
	if m.params == nil {
		m.enterDisconnected()
		return nil
	}
	if m.offline {
		logger.Info("Not connecting to %s: host is offline", m.params.Endpoint)
		m.enterError(IsOffline)
		return newError(IsOffline, ErrOffline)
	}

	params := *m.params
	if err := m.applyPolicy(m.connectingPolicy()); err != nil {
		m.enterError(SetFirewallPolicyError)
		return newError(SetFirewallPolicyError, err)
	}
	if attempt == 0 {
		m.backoff.Reset()
	}

	m.generation++
	logger.Info("Starting tunnel to %s (generation %d, attempt %d)", params.Endpoint, m.generation, attempt+1)
	m.active = m.monitor.Start(params, m.generation)
	m.setState(ConnectingState(attempt, params.Endpoint))
	return nil
}

func (m *Machine) handleTunnelEvent(ev tunnel.Event) {
	if h, ok := m.retiring[ev.Generation]; ok {
		if ev.Kind != tunnel.Down {
			staleEvents.Inc()
			h.Stop()
			return
		}
		delete(m.retiring, ev.Generation)
		logger.Debug("Tunnel generation %d stopped", ev.Generation)
		if m.state.Kind == Disconnecting && len(m.retiring) == 0 {
			m.finishDisconnect()
		}
		return
	}
	if m.active == nil || ev.Generation != m.active.Generation() {
		staleEvents.Inc()
		logger.Debug("Dropping stale %s event for generation %d (current %d)", ev.Kind, ev.Generation, m.generation)
		return
	}

	switch ev.Kind {
	case tunnel.InterfaceUp:
		m.onInterfaceUp(ev.Metadata)
	case tunnel.Down:
		m.active = nil
		m.onTunnelDown(ev.Err)
	}
}

func (m *Machine) onInterfaceUp(meta tunnel.Metadata) {
	if m.state.Kind != Connecting {
		logger.Warn("Ignoring interface up in state %s", m.state)
		return
	}
	if !meta.Endpoint.Address.IsValid() {
		meta.Endpoint = m.params.Endpoint
	}

	resolvers := m.resolvers(meta)
	if len(resolvers) == 0 {
		logger.Error("Tunnel %s has no DNS resolvers", meta.InterfaceName)
		m.beginDisconnect(AfterBlock, SetDNSError)
		return
	}
	if err := m.applyPolicy(firewall.Connected(meta.Endpoint, meta.InterfaceName, resolvers, m.settings.AllowLAN)); err != nil {
		m.beginDisconnect(AfterBlock, SetFirewallPolicyError)
		return
	}
	if err := m.setDNS(meta.InterfaceName, resolvers); err != nil {
		m.beginDisconnect(AfterBlock, SetDNSError)
		return
	}
	m.applyExclusions()

	m.backoff.Reset()
	m.setState(ConnectedState(meta))
}

func (m *Machine) onTunnelDown(cause error) {
	reason := classify(cause)
	switch m.state.Kind {
	case Connecting:
		attempt := m.state.RetryAttempt
		logger.Warn("Tunnel attempt %d failed (%s): %v", attempt+1, reason, cause)
		if m.offline {
			m.enterError(IsOffline)
			return
		}
		if !m.settings.Retry.IsRetryable(reason) {
			m.enterError(reason)
			return
		}
		if attempt >= m.settings.Retry.MaxAttempts {
			logger.Error("Giving up after %d attempts", attempt+1)
			m.enterError(StartTunnelError)
			return
		}
		delay := m.backoff.NextBackOff()
		if delay == backoff.Stop {
			m.enterError(StartTunnelError)
			return
		}
		m.scheduleRetry(delay)
		tunnelRetries.Inc()
		m.setState(ConnectingState(attempt+1, m.params.Endpoint))
	case Connected:
		logger.Warn("Tunnel went down (%s): %v", reason, cause)
		if m.settings.Retry.IsRetryable(reason) {
			m.beginDisconnect(AfterReconnect, noReason)
		} else {
			m.beginDisconnect(AfterBlock, reason)
		}
	}
}

// beginDisconnect blocks traffic, restores DNS and then stops the active tunnel.
func (m *Machine) beginDisconnect(after AfterDisconnect, reason BlockReason) {
	m.cancelRetry()
	if err := m.applyPolicy(firewall.Blocked(m.settings.AllowLAN)); err != nil {
		after, reason = AfterBlock, SetFirewallPolicyError
	}
	m.resetDNS()
	m.retireActive()
	m.setState(DisconnectingState(after, reason))

	if len(m.retiring) == 0 {
		m.finishDisconnect()
		return
	}
	m.disconnectSeq++
	seq := m.disconnectSeq
	m.cancelStopTimeout()
	m.stopTimeout = m.afterFunc(m.settings.StopTimeout, func() { m.post(stopTimedOut{seq: seq}) })
}

func (m *Machine) finishDisconnect() {
	m.cancelStopTimeout()
	switch m.state.After {
	case AfterReconnect:
		if err := m.startConnecting(0); err != nil {
			logger.Warn("Reconnect failed: %v", err)
		}
	case AfterBlock:
		m.enterError(m.state.Reason)
	default:
		m.enterDisconnected()
	}
}

func (m *Machine) retireActive() {
	m.generation++
	if m.active == nil {
		return
	}
	h := m.active
	m.active = nil
	m.retiring[h.Generation()] = h
	logger.Debug("Stopping tunnel generation %d", h.Generation())
	h.Stop()
}

func (m *Machine) enterDisconnected() {
	m.cancelRetry()
	m.resetDNS()
	if m.settings.BlockWhenDisconnected {
		if err := m.applyPolicy(firewall.Blocked(m.settings.AllowLAN)); err != nil {
			m.enterError(SetFirewallPolicyError)
			return
		}
	} else {
		m.resetFirewall()
	}
	m.setState(DisconnectedState())
}

func (m *Machine) enterError(reason BlockReason) {
	m.cancelRetry()
	blockErr := m.applyPolicy(firewall.Blocked(m.settings.AllowLAN))
	m.resetDNS()
	m.setState(ErrorState(reason, blockErr))
}

func (m *Machine) handleOffline(offline bool) {
	if offline == m.offline {
		return
	}
	m.offline = offline
	if offline {
		logger.Info("Host is offline")
		if m.state.Kind == Connecting {
			m.beginDisconnect(AfterBlock, IsOffline)
		}
		return
	}

	logger.Info("Host is online")
	if m.state.Kind == Error && m.state.Reason == IsOffline && m.params != nil {
		if err := m.startConnecting(0); err != nil {
			logger.Warn("Reconnect after coming online failed: %v", err)
		}
	}
}

func (m *Machine) handleInternal(ev internalEvent) {
	switch e := ev.(type) {
	case retryDue:
		m.stopRetry = nil
		if e.generation != m.generation || m.state.Kind != Connecting || m.active != nil {
			staleEvents.Inc()
			return
		}
		if err := m.startConnecting(m.state.RetryAttempt); err != nil {
			logger.Warn("Retry failed: %v", err)
		}
	case stopTimedOut:
		if e.seq != m.disconnectSeq || m.state.Kind != Disconnecting {
			return
		}
		m.stopTimeout = nil
		logger.Warn("Timed out waiting for %d tunnel(s) to stop", len(m.retiring))
		clear(m.retiring)
		m.finishDisconnect()
	}
}

func (m *Machine) scheduleRetry(delay time.Duration) {
	m.cancelRetry()
	gen := m.generation
	logger.Info("Retrying tunnel in %s", delay)
	m.stopRetry = m.afterFunc(delay, func() { m.post(retryDue{generation: gen}) })
}

func (m *Machine) cancelRetry() {
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

func (m *Machine) cancelStopTimeout() {
	if m.stopTimeout != nil {
		m.stopTimeout()
		m.stopTimeout = nil
	}
}

func (m *Machine) handleFirewallOverride(o FirewallOverride) error {
	if o.AllowLAN != nil {
		m.settings.AllowLAN = *o.AllowLAN
	}
	if o.BlockWhenDisconnected != nil {
		m.settings.BlockWhenDisconnected = *o.BlockWhenDisconnected
	}
	m.publishSettings()

	switch m.state.Kind {
	case Disconnected:
		if !m.settings.BlockWhenDisconnected {
			m.resetFirewall()
			return nil
		}
		if err := m.applyPolicy(firewall.Blocked(m.settings.AllowLAN)); err != nil {
			m.enterError(SetFirewallPolicyError)
			return newError(SetFirewallPolicyError, err)
		}
	case Connecting:
		if err := m.applyPolicy(m.connectingPolicy()); err != nil {
			m.beginDisconnect(AfterBlock, SetFirewallPolicyError)
			return newError(SetFirewallPolicyError, err)
		}
	case Connected:
		meta := *m.state.Metadata
		if err := m.applyPolicy(firewall.Connected(meta.Endpoint, meta.InterfaceName, m.resolvers(meta), m.settings.AllowLAN)); err != nil {
			m.beginDisconnect(AfterBlock, SetFirewallPolicyError)
			return newError(SetFirewallPolicyError, err)
		}
	default:
		if err := m.applyPolicy(firewall.Blocked(m.settings.AllowLAN)); err != nil {
			if m.state.Kind == Error {
				m.setState(ErrorState(m.state.Reason, err))
			}
			return newError(SetFirewallPolicyError, err)
		}
	}
	return nil
}

func (m *Machine) handleDNSOverride(servers []netip.Addr) error {
	m.settings.DNSOverride = slices.Clone(servers)
	m.publishSettings()
	if m.state.Kind != Connected {
		return nil
	}

	meta := *m.state.Metadata
	resolvers := m.resolvers(meta)
	if len(resolvers) == 0 {
		m.beginDisconnect(AfterBlock, SetDNSError)
		return newError(SetDNSError, errors.New("no DNS resolvers left"))
	}
	if err := m.applyPolicy(firewall.Connected(meta.Endpoint, meta.InterfaceName, resolvers, m.settings.AllowLAN)); err != nil {
		m.beginDisconnect(AfterBlock, SetFirewallPolicyError)
		return newError(SetFirewallPolicyError, err)
	}
	if err := m.setDNS(meta.InterfaceName, resolvers); err != nil {
		m.beginDisconnect(AfterBlock, SetDNSError)
		return newError(SetDNSError, err)
	}
	return nil
}

func (m *Machine) handleExcludedApps(paths []string) error {
	m.settings.ExcludedApps = slices.Clone(paths)
	m.publishSettings()
	if m.excluder == nil {
		return errors.New("split tunneling is not available")
	}
	if err := m.excluder.SetExcluded(m.settings.ExcludedApps); err != nil {
		countBackendError("split_tunnel")
		return fmt.Errorf("set excluded apps: %w", err)
	}
	return nil
}

func (m *Machine) applyExclusions() {
	if m.excluder == nil {
		return
	}
	if err := m.excluder.SetExcluded(m.settings.ExcludedApps); err != nil {
		countBackendError("split_tunnel")
		logger.Warn("Failed to apply excluded apps: %v", err)
	}
}

func (m *Machine) connectingPolicy() firewall.Policy {
	return firewall.Connecting(m.params.Endpoint, m.params.InterfaceName, m.settings.AllowLAN, m.settings.ConnectingTunnelTraffic)
}

// resolvers prefers the user override, then what the tunnel reported, then the
// configured parameters.
func (m *Machine) resolvers(meta tunnel.Metadata) []netip.Addr {
	switch {
	case len(m.settings.DNSOverride) > 0:
		return m.settings.DNSOverride
	case len(meta.DNSServers) > 0:
		return meta.DNSServers
	case m.params != nil:
		return m.params.DNSServers
	default:
		return nil
	}
}

func (m *Machine) backendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.settings.BackendTimeout)
}

func (m *Machine) applyPolicy(p firewall.Policy) error {
	ctx, cancel := m.backendContext()
	defer cancel()
	if err := m.firewall.Apply(ctx, p); err != nil {
		countBackendError("firewall")
		logger.Error("Failed to apply firewall policy %s: %v", p, err)
		return err
	}
	logger.Debug("Applied firewall policy %s", p)
	return nil
}

func (m *Machine) resetFirewall() {
	ctx, cancel := m.backendContext()
	defer cancel()
	if err := m.firewall.Reset(ctx); err != nil {
		countBackendError("firewall")
		logger.Error("Failed to reset firewall: %v", err)
	}
}

func (m *Machine) setDNS(iface string, servers []netip.Addr) error {
	ctx, cancel := m.backendContext()
	defer cancel()
	if err := m.dns.Set(ctx, iface, servers); err != nil {
		countBackendError("dns")
		logger.Error("Failed to set DNS on %s: %v", iface, err)
		return err
	}
	return nil
}

func (m *Machine) resetDNS() {
	ctx, cancel := m.backendContext()
	defer cancel()
	if err := m.dns.Reset(ctx); err != nil {
		countBackendError("dns")
		logger.Error("Failed to reset DNS: %v", err)
	}
}
