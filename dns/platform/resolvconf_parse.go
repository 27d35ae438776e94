package platform

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/miekg/dns"
)

const defaultResolvConfPath = "/etc/resolv.conf"

// readResolvConf returns the nameservers and search domains of a resolv.conf file.
func readResolvConf(path string) ([]netip.Addr, []string, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	servers := make([]netip.Addr, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		servers = append(servers, addr)
	}
	return servers, cfg.Search, nil
}

// renderResolvConf writes a resolv.conf body pointing at servers.
func renderResolvConf(header string, servers []netip.Addr, search []string) []byte {
	out := []byte(header)
	for _, s := range servers {
		out = fmt.Appendf(out, "nameserver %s\n", s)
	}
	if len(search) > 0 {
		out = append(out, "search"...)
		for _, d := range search {
			out = append(out, ' ')
			out = append(out, d...)
		}
		out = append(out, '\n')
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
