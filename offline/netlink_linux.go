//go:build linux

package offline

import (
	"context"
	"net"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/fosrl/warden/logger"
)

// pollInterval bounds detection latency when netlink updates are missed.
const pollInterval = 30 * time.Second

// NetlinkMonitor treats the host as offline when no default route points at an
// up link other than the tunnel.
type NetlinkMonitor struct {
	tunnelIface string
}

func NewNetlinkMonitor(tunnelIface string) *NetlinkMonitor {
	return &NetlinkMonitor{tunnelIface: tunnelIface}
}

// Subscribe sends the current state, then every change, until ctx ends.
func (m *NetlinkMonitor) Subscribe(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go m.run(ctx, out)
	return out
}

func (m *NetlinkMonitor) run(ctx context.Context, out chan<- bool) {
	defer close(out)

	done := make(chan struct{})
	var subscribed []func()
	defer func() {
		close(done)
		for _, drain := range subscribed {
			drain()
		}
	}()

	routeCh := make(chan netlink.RouteUpdate, 32)
	linkCh := make(chan netlink.LinkUpdate, 32)
	if err := netlink.RouteSubscribe(routeCh, done); err != nil {
		logger.Warn("Route subscription failed, polling connectivity instead: %v", err)
		routeCh = nil
	} else {
		subscribed = append(subscribed, drainer(routeCh))
	}
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		logger.Warn("Link subscription failed, polling connectivity instead: %v", err)
		linkCh = nil
	} else {
		subscribed = append(subscribed, drainer(linkCh))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := m.isOffline()
	if !publish(ctx, out, last) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-routeCh:
			if !ok {
				routeCh = nil
				continue
			}
		case _, ok := <-linkCh:
			if !ok {
				linkCh = nil
				continue
			}
		case <-ticker.C:
		}

		now := m.isOffline()
		if now == last {
			continue
		}
		last = now
		if now {
			logger.Warn("Host appears to be offline")
		} else {
			logger.Info("Host connectivity restored")
		}
		if !publish(ctx, out, now) {
			return
		}
	}
}

// drainer returns a func that discards updates in the background until the
// netlink reader closes ch. The reader blocks on a full channel and only sees
// done once its send completes.
func drainer[T any](ch chan T) func() {
	return func() {
		go func() {
			for range ch {
			}
		}()
	}
}

func (m *NetlinkMonitor) isOffline() bool {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		logger.Warn("Failed to list routes, assuming online: %v", err)
		return false
	}
	return !hasDefaultRoute(routes, m.tunnelIface, linkState)
}

// linkState returns the name of the link and whether it is administratively and
// operationally usable.
func linkState(index int) (string, bool) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", false
	}
	attrs := link.Attrs()
	up := attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown
	return attrs.Name, up
}

func hasDefaultRoute(routes []netlink.Route, tunnelIface string, state func(int) (string, bool)) bool {
	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		name, up := state(r.LinkIndex)
		if up && name != tunnelIface {
			return true
		}
	}
	return false
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}
