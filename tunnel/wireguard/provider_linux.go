//go:build linux

package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/fosrl/warden/logger"
	"github.com/fosrl/warden/tunnel"
)

// envTunFD hands over a TUN descriptor opened by a privileged parent.
const envTunFD = "WARDEN_TUN_FD"

type wgTunnel struct {
	dev      *device.Device
	meta     tunnel.Metadata
	uapi     net.Listener
	cleanups []func() error

	stop      chan struct{}
	done      chan struct{}
	err       error
	failOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (t *wgTunnel) Metadata() tunnel.Metadata { return t.meta }
func (t *wgTunnel) Done() <-chan struct{}     { return t.done }
func (t *wgTunnel) Err() error                { return t.err }

func (t *wgTunnel) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Close removes routes and rules before the device so no route points at a
// vanished interface.
func (t *wgTunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		var errs []error
		for i := len(t.cleanups) - 1; i >= 0; i-- {
			if err := t.cleanups[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if t.uapi != nil {
			t.uapi.Close()
		}
		t.dev.Close()
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (p *Provider) Open(ctx context.Context, params tunnel.Parameters) (tunnel.Tunnel, error) {
	if err := validate(params); err != nil {
		return nil, err
	}
	config, err := buildUAPI(params, Fwmark)
	if err != nil {
		return nil, err
	}

	name := params.InterfaceName
	if name == "" {
		name = p.cfg.InterfaceName
	}
	mtu := params.MTU
	if mtu == 0 {
		mtu = p.cfg.MTU
	}

	tdev, err := createTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("%w: create tun %s: %v", tunnel.ErrAdapter, name, err)
	}
	if realName, err := tdev.Name(); err == nil {
		name = realName
	}

	dev := device.NewDevice(tdev, conn.NewDefaultBind(), device.NewLogger(mapToWireGuardLogLevel(p.cfg.LogLevel), fmt.Sprintf("wireguard(%s): ", name)))
	t := &wgTunnel{
		dev: dev,
		meta: tunnel.Metadata{
			InterfaceName: name,
			Endpoint:      params.Endpoint,
			Addresses:     params.Addresses,
			DNSServers:    params.DNSServers,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	fail := func(err error) (tunnel.Tunnel, error) {
		if cerr := t.Close(); cerr != nil {
			logger.Warn("Cleanup of %s after failed start: %v", name, cerr)
		}
		return nil, err
	}

	if err := dev.IpcSet(config); err != nil {
		return fail(fmt.Errorf("%w: configure device: %v", tunnel.ErrInvalidParameters, err))
	}
	if p.cfg.UAPI {
		if t.uapi, err = listenUAPI(name, dev); err != nil {
			logger.Warn("UAPI socket for %s unavailable: %v", name, err)
		}
	}
	if err := dev.Up(); err != nil {
		return fail(fmt.Errorf("%w: bring up device: %v", tunnel.ErrAdapter, err))
	}

	link, err := configureLink(name, params.Addresses, mtu)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", tunnel.ErrAdapter, err))
	}
	if t.cleanups, err = installRoutes(link.Attrs().Index, allowedIPs(params)); err != nil {
		return fail(fmt.Errorf("%w: %v", tunnel.ErrAdapter, err))
	}

	logger.Info("WireGuard interface %s configured, waiting for handshake with %s", name, params.Endpoint)
	if err := p.waitForHandshake(ctx, dev, params.Endpoint); err != nil {
		return fail(err)
	}

	go p.watch(t)
	return t, nil
}

func createTUN(name string, mtu int) (tun.Device, error) {
	fdStr := os.Getenv(envTunFD)
	if fdStr == "" {
		return tun.CreateTUN(name, mtu)
	}
	fd, err := strconv.ParseUint(fdStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envTunFD, err)
	}
	dupFd, err := unix.Dup(int(fd))
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(dupFd, true); err != nil {
		unix.Close(dupFd)
		return nil, err
	}
	file := os.NewFile(uintptr(dupFd), "/dev/tun")
	dev, err := tun.CreateTUNFromFile(file, mtu)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

func listenUAPI(name string, dev *device.Device) (net.Listener, error) {
	file, err := ipc.UAPIOpen(name)
	if err != nil {
		return nil, err
	}
	listener, err := ipc.UAPIListen(name, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			go dev.IpcHandle(c)
		}
	}()
	return listener, nil
}

func configureLink(name string, addresses []netip.Prefix, mtu int) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("find interface %s: %w", name, err)
	}
	for _, prefix := range addresses {
		addr := &netlink.Addr{IPNet: prefixToIPNet(prefix)}
		if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("add address %s: %w", prefix, err)
		}
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return nil, fmt.Errorf("set mtu: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("bring up interface: %w", err)
	}
	return link, nil
}

// installRoutes mirrors wg-quick: allowed IPs go into RouteTable, which is used by
// every packet without Fwmark, and the main table wins only for non-default routes.
func installRoutes(linkIndex int, prefixes []netip.Prefix) ([]func() error, error) {
	var cleanups []func() error
	undo := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			_ = cleanups[i]()
		}
	}

	families := make(map[int]bool)
	for _, prefix := range prefixes {
		route := &netlink.Route{LinkIndex: linkIndex, Dst: prefixToIPNet(prefix.Masked()), Table: RouteTable}
		if err := netlink.RouteReplace(route); err != nil {
			undo()
			return nil, fmt.Errorf("add route %s: %w", prefix, err)
		}
		cleanups = append(cleanups, func() error { return netlink.RouteDel(route) })
		if prefix.Addr().Is4() {
			families[netlink.FAMILY_V4] = true
		} else {
			families[netlink.FAMILY_V6] = true
		}
	}

	for family := range families {
		tunnelRule := netlink.NewRule()
		tunnelRule.Family = family
		tunnelRule.Table = RouteTable
		tunnelRule.Mark = Fwmark
		tunnelRule.Invert = true

		suppress := netlink.NewRule()
		suppress.Family = family
		suppress.Table = unix.RT_TABLE_MAIN
		suppress.SuppressPrefixlen = 0

		for _, rule := range []*netlink.Rule{tunnelRule, suppress} {
			if err := netlink.RuleAdd(rule); err != nil && !errors.Is(err, unix.EEXIST) {
				undo()
				return nil, fmt.Errorf("add routing rule: %w", err)
			}
			cleanups = append(cleanups, func() error { return netlink.RuleDel(rule) })
		}
	}
	return cleanups, nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (p *Provider) waitForHandshake(ctx context.Context, dev *device.Device, endpoint tunnel.Endpoint) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		status, err := dev.IpcGet()
		if err != nil {
			return fmt.Errorf("read device status: %w", err)
		}
		if !lastHandshake(status).IsZero() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no handshake with %s within %s", endpoint, p.cfg.HandshakeTimeout)
		case <-ticker.C:
		}
	}
}

// watch fails the tunnel when the device goes away or handshakes stop.
func (p *Provider) watch(t *wgTunnel) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-t.dev.Wait():
			t.fail(errors.New("wireguard device closed"))
			return
		case <-ticker.C:
			status, err := t.dev.IpcGet()
			if err != nil {
				t.fail(fmt.Errorf("read device status: %w", err))
				return
			}
			if age := time.Since(lastHandshake(status)); age > p.cfg.StaleHandshake {
				t.fail(fmt.Errorf("last handshake %s ago", age.Round(time.Second)))
				return
			}
		}
	}
}
