// Package tunnelstate owns the tunnel lifecycle. A single goroutine consumes
// commands, tunnel events and connectivity changes, and keeps the firewall, DNS
// and split tunneling consistent with the current state.
package tunnelstate

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fosrl/warden/firewall"
	"github.com/fosrl/warden/logger"
	"github.com/fosrl/warden/tunnel"
)

const (
	defaultCommandQueueSize = 32
	defaultStopTimeout      = 10 * time.Second
	defaultBackendTimeout   = 15 * time.Second
)

// Firewall applies complete traffic policies.
type Firewall interface {
	Apply(ctx context.Context, policy firewall.Policy) error
	Reset(ctx context.Context) error
}

// DNS points the system resolver at tunnel resolvers and restores it.
type DNS interface {
	Set(ctx context.Context, iface string, servers []netip.Addr) error
	Reset(ctx context.Context) error
}

// Excluder routes the given executables outside the tunnel.
type Excluder interface {
	SetExcluded(paths []string) error
}

// TunnelMonitor starts tunnel attempts whose events arrive on Config.Events.
type TunnelMonitor interface {
	Start(params tunnel.Parameters, generation uint64) tunnel.Handle
}

// OfflineMonitor reports host connectivity. True means offline.
type OfflineMonitor interface {
	Subscribe(ctx context.Context) <-chan bool
}

// Settings are the user preferences the machine applies to every policy.
type Settings struct {
	AllowLAN              bool
	BlockWhenDisconnected bool
	// DNSOverride replaces the resolvers announced by the tunnel when not empty.
	DNSOverride  []netip.Addr
	ExcludedApps []string
	Retry        RetryPolicy
	// StopTimeout bounds the wait for stopped tunnels to report their final Down.
	StopTimeout    time.Duration
	BackendTimeout time.Duration
	// ConnectingTunnelTraffic is what may enter the tunnel before it is confirmed up.
	ConnectingTunnelTraffic firewall.AllowedTunnelTraffic
}

// DefaultSettings blocks traffic while disconnected and retries per DefaultRetryPolicy.
func DefaultSettings() Settings {
	return Settings{
		BlockWhenDisconnected: true,
		Retry:                 DefaultRetryPolicy(),
		StopTimeout:           defaultStopTimeout,
		BackendTimeout:        defaultBackendTimeout,
	}
}

func (s Settings) clone() Settings {
	s.DNSOverride = slices.Clone(s.DNSOverride)
	s.ExcludedApps = slices.Clone(s.ExcludedApps)
	s.Retry.Retryable = slices.Clone(s.Retry.Retryable)
	return s
}

// Config wires a Machine to its collaborators. Excluder and Offline are optional.
type Config struct {
	Firewall         Firewall
	DNS              DNS
	Excluder         Excluder
	Monitor          TunnelMonitor
	Events           <-chan tunnel.Event
	Offline          OfflineMonitor
	Settings         Settings
	CommandQueueSize int
}

type internalEvent interface{ internal() }

type retryDue struct{ generation uint64 }

type stopTimedOut struct{ seq uint64 }

func (retryDue) internal()     {}
func (stopTimedOut) internal() {}

// Machine is the tunnel state machine. All state is owned by the Run goroutine.
type Machine struct {
	firewall Firewall
	dns      DNS
	excluder Excluder
	monitor  TunnelMonitor
	events   <-chan tunnel.Event
	offlineM OfflineMonitor

	commands chan request
	internal chan internalEvent
	done     chan struct{}
	bus      *broadcaster

	afterFunc func(d time.Duration, f func()) (stop func() bool)
	now       func() time.Time

	settings   Settings
	state      TunnelState
	params     *tunnel.Parameters
	generation uint64
	active     tunnel.Handle
	retiring   map[uint64]tunnel.Handle
	offline    bool
	backoff    *backoff.ExponentialBackOff

	stopRetry     func() bool
	stopTimeout   func() bool
	disconnectSeq uint64

	mu       sync.RWMutex
	snapshot TunnelState
	shared   Settings
}

// New validates cfg and returns a machine in the Disconnected state. Call Run to start it.
func New(cfg Config) (*Machine, error) {
	if cfg.Firewall == nil || cfg.DNS == nil || cfg.Monitor == nil || cfg.Events == nil {
		return nil, errors.New("tunnelstate: firewall, dns, monitor and events are required")
	}
	settings := cfg.Settings.clone()
	if settings.Retry.Multiplier == 0 && settings.Retry.MaxAttempts == 0 {
		settings.Retry = DefaultRetryPolicy()
	}
	if settings.StopTimeout <= 0 {
		settings.StopTimeout = defaultStopTimeout
	}
	if settings.BackendTimeout <= 0 {
		settings.BackendTimeout = defaultBackendTimeout
	}
	queue := cfg.CommandQueueSize
	if queue <= 0 {
		queue = defaultCommandQueueSize
	}

	m := &Machine{
		firewall:  cfg.Firewall,
		dns:       cfg.DNS,
		excluder:  cfg.Excluder,
		monitor:   cfg.Monitor,
		events:    cfg.Events,
		offlineM:  cfg.Offline,
		commands:  make(chan request, queue),
		internal:  make(chan internalEvent, 4),
		done:      make(chan struct{}),
		bus:       newBroadcaster(),
		afterFunc: afterFunc,
		now:       time.Now,
		settings:  settings,
		state:     DisconnectedState(),
		retiring:  make(map[uint64]tunnel.Handle),
		backoff:   settings.Retry.newBackOff(),
		snapshot:  DisconnectedState(),
		shared:    settings.clone(),
	}
	return m, nil
}

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Run processes inputs until ctx is cancelled, then stops any tunnel and leaves the
// firewall in its disconnected policy.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)

	var offline <-chan bool
	if m.offlineM != nil {
		offline = m.offlineM.Subscribe(ctx)
	}

	m.enterDisconnected()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case req := <-m.commands:
			err := m.handle(req.cmd)
			if req.reply != nil {
				req.reply <- err
			}
		case ev := <-m.events:
			m.handleTunnelEvent(ev)
		case ev := <-m.internal:
			m.handleInternal(ev)
		case isOffline, ok := <-offline:
			if !ok {
				offline = nil
				continue
			}
			m.handleOffline(isOffline)
		}
	}
}

// Submit enqueues cmd without waiting for it to be processed. It blocks while the
// queue is full.
func (m *Machine) Submit(ctx context.Context, cmd Command) error {
	return m.enqueue(ctx, request{cmd: cmd})
}

// Do enqueues cmd and waits for its result.
func (m *Machine) Do(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)
	if err := m.enqueue(ctx, request{cmd: cmd, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

func (m *Machine) enqueue(ctx context.Context, req request) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.commands <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// Subscribe returns a subscription that first receives the latest transition.
func (m *Machine) Subscribe() *Subscription {
	return m.bus.subscribe()
}

// State returns the current state.
func (m *Machine) State() TunnelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Settings returns the preferences currently in effect.
func (m *Machine) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shared.clone()
}

// Done is closed when Run returns.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) post(ev internalEvent) {
	select {
	case m.internal <- ev:
	case <-m.done:
	}
}

func (m *Machine) setState(s TunnelState) {
	prev := m.state
	m.state = s

	m.mu.Lock()
	m.snapshot = s
	m.mu.Unlock()

	countTransition(s.Kind)
	if prev.Kind != s.Kind {
		logger.Info("Tunnel state %s -> %s", prev, s)
	} else {
		logger.Debug("Tunnel state updated: %s", s)
	}
	m.bus.publish(Transition{TunnelState: s, At: m.now()})
}

func (m *Machine) publishSettings() {
	m.mu.Lock()
	m.shared = m.settings.clone()
	m.mu.Unlock()
}

func (m *Machine) shutdown() {
	logger.Info("Stopping tunnel state machine in state %s", m.state)
	m.cancelRetry()
	m.cancelStopTimeout()
	m.retireActive()

	if len(m.retiring) > 0 {
		deadline := time.NewTimer(m.settings.StopTimeout)
		defer deadline.Stop()
	wait:
		for len(m.retiring) > 0 {
			select {
			case ev := <-m.events:
				if ev.Kind == tunnel.Down {
					delete(m.retiring, ev.Generation)
				}
			case <-deadline.C:
				logger.Warn("Timed out waiting for %d tunnel(s) to stop", len(m.retiring))
				break wait
			}
		}
	}

	m.resetDNS()
	if m.settings.BlockWhenDisconnected {
		// Keep blocking after exit; the error is already logged.
		_ = m.applyPolicy(firewall.Blocked(m.settings.AllowLAN))
	} else {
		m.resetFirewall()
	}
	m.setState(DisconnectedState())
	m.bus.close()
}
