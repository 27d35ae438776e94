// Package wireguard provides the userspace WireGuard tunnel technology.
package wireguard

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/warden/tunnel"
)

const (
	Name = tunnel.TechnologyWireGuard

	// Fwmark tags packets of the tunnel socket and of excluded processes so they
	// skip the tunnel routing table.
	Fwmark = 0x6d6f
	// RouteTable holds the routes through the tunnel interface.
	RouteTable = 51820

	DefaultInterfaceName = "wg-warden"
	DefaultMTU           = 1380
	defaultKeepalive     = 25
)

// Config tunes how tunnels are established and watched.
type Config struct {
	// HandshakeTimeout bounds the wait for the first handshake before the
	// interface is reported up.
	HandshakeTimeout time.Duration
	// StaleHandshake is how old the last handshake may get before the tunnel is
	// considered dead.
	StaleHandshake time.Duration
	PollInterval   time.Duration
	LogLevel       string
	// InterfaceName and MTU apply when the parameters leave them unset.
	InterfaceName string
	MTU           int
	// UAPI exposes the device on the standard socket so `wg show` works.
	UAPI bool
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		StaleHandshake:   3*time.Minute + 30*time.Second,
		PollInterval:     time.Second,
		LogLevel:         "info",
		InterfaceName:    DefaultInterfaceName,
		MTU:              DefaultMTU,
	}
}

// Provider opens WireGuard tunnels.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.StaleHandshake <= 0 {
		cfg.StaleHandshake = def.StaleHandshake
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = def.InterfaceName
	}
	if cfg.MTU <= 0 {
		cfg.MTU = def.MTU
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return Name }

func mapToWireGuardLogLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return device.LogLevelVerbose
	case "silent", "off":
		return device.LogLevelSilent
	default:
		return device.LogLevelError
	}
}

func hexKey(s string) (string, error) {
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(k[:]), nil
}

// allowedIPs defaults to routing everything through the tunnel.
func allowedIPs(params tunnel.Parameters) []netip.Prefix {
	if len(params.AllowedIPs) > 0 {
		return params.AllowedIPs
	}
	return []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0"), netip.MustParsePrefix("::/0")}
}

// buildUAPI renders the device configuration in the cross-platform UAPI format,
// which expects keys in hex.
func buildUAPI(params tunnel.Parameters, fwmark uint32) (string, error) {
	private, err := hexKey(params.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: private key: %v", tunnel.ErrInvalidParameters, err)
	}
	peer, err := hexKey(params.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: peer public key: %v", tunnel.ErrInvalidParameters, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", private)
	fmt.Fprintf(&b, "fwmark=%d\n", fwmark)
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", peer)
	if params.PresharedKey != "" {
		psk, err := hexKey(params.PresharedKey)
		if err != nil {
			return "", fmt.Errorf("%w: preshared key: %v", tunnel.ErrInvalidParameters, err)
		}
		fmt.Fprintf(&b, "preshared_key=%s\n", psk)
	}
	fmt.Fprintf(&b, "endpoint=%s\n", params.Endpoint.Address)
	keepalive := params.Keepalive
	if keepalive == 0 {
		keepalive = defaultKeepalive
	}
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", keepalive)
	b.WriteString("replace_allowed_ips=true\n")
	for _, prefix := range allowedIPs(params) {
		fmt.Fprintf(&b, "allowed_ip=%s\n", prefix.Masked())
	}
	return b.String(), nil
}

// lastHandshake extracts the newest peer handshake from IpcGet output. The zero
// time means no handshake has completed.
func lastHandshake(status string) time.Time {
	var sec, nsec int64
	var newest time.Time
	scanner := bufio.NewScanner(strings.NewReader(status))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			sec, nsec = 0, 0
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
			if sec == 0 && nsec == 0 {
				continue
			}
			if t := time.Unix(sec, nsec); t.After(newest) {
				newest = t
			}
		}
	}
	return newest
}

func validate(params tunnel.Parameters) error {
	if params.TransportProtocol() != tunnel.ProtocolUDP {
		return fmt.Errorf("%w: wireguard needs a udp endpoint, got %s", tunnel.ErrInvalidParameters, params.TransportProtocol())
	}
	return nil
}
