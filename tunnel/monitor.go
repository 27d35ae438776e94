package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/fosrl/warden/logger"
)

// Tunnel is an established tunnel owned by a Monitor.
type Tunnel interface {
	Metadata() Metadata
	// Done is closed when the tunnel fails on its own.
	Done() <-chan struct{}
	// Err returns the failure cause once Done is closed.
	Err() error
	Close() error
}

// Provider establishes tunnels of one technology.
type Provider interface {
	Name() string
	// Open blocks until the tunnel interface is up or ctx is cancelled.
	Open(ctx context.Context, params Parameters) (Tunnel, error)
}

// Handle controls one tunnel attempt.
type Handle interface {
	Generation() uint64
	// Stop requests teardown. It is idempotent; the attempt still emits its final Down.
	Stop()
}

// Monitor runs tunnel attempts and reports their lifecycle on a shared event channel.
type Monitor struct {
	providers map[string]Provider
	fallback  string
	events    chan<- Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor. The first provider is used when parameters
// do not name a technology.
func NewMonitor(events chan<- Event, providers ...Provider) *Monitor {
	m := &Monitor{
		providers: make(map[string]Provider, len(providers)),
		events:    events,
		closed:    make(chan struct{}),
	}
	for i, p := range providers {
		if i == 0 {
			m.fallback = p.Name()
		}
		m.providers[p.Name()] = p
	}
	return m
}

type handle struct {
	generation uint64
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func (h *handle) Generation() uint64 { return h.generation }

func (h *handle) Stop() {
	h.stopOnce.Do(h.cancel)
}

// Start launches an attempt in its own goroutine. Every attempt emits zero or one
// InterfaceUp followed by exactly one Down.
func (m *Monitor) Start(params Parameters, generation uint64) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{generation: generation, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, h, params)
	}()
	return h
}

func (m *Monitor) run(ctx context.Context, h *handle, params Parameters) {
	name := params.Technology
	if name == "" {
		name = m.fallback
	}
	provider, ok := m.providers[name]
	if !ok {
		m.emit(Event{Generation: h.generation, Kind: Down, Err: fmt.Errorf("%w: unknown technology %q", ErrInvalidParameters, name)})
		return
	}

	logger.Debug("Starting %s tunnel (generation %d)", provider.Name(), h.generation)
	tun, err := provider.Open(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			err = nil
		}
		m.emit(Event{Generation: h.generation, Kind: Down, Err: err})
		return
	}

	if ctx.Err() != nil {
		if cerr := tun.Close(); cerr != nil {
			logger.Warn("Failed to close cancelled tunnel (generation %d): %v", h.generation, cerr)
		}
		m.emit(Event{Generation: h.generation, Kind: Down})
		return
	}

	m.emit(Event{Generation: h.generation, Kind: InterfaceUp, Metadata: tun.Metadata()})

	var cause error
	select {
	case <-tun.Done():
		cause = tun.Err()
		if cause == nil {
			cause = fmt.Errorf("%s tunnel closed unexpectedly", provider.Name())
		}
	case <-ctx.Done():
	}
	if cerr := tun.Close(); cerr != nil {
		logger.Warn("Failed to close tunnel (generation %d): %v", h.generation, cerr)
	}
	m.emit(Event{Generation: h.generation, Kind: Down, Err: cause})
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.closed:
		logger.Debug("Dropping %s event for generation %d: monitor closed", ev.Kind, ev.Generation)
	}
}

// Close releases attempts blocked on delivering events and waits for them to exit.
// Callers must stop their handles first.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	m.wg.Wait()
}
