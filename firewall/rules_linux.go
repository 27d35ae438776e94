//go:build linux

package firewall

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/fosrl/warden/tunnel"
)

const (
	icmpv6RouterSolicit   = 133
	icmpv6RouterAdvert    = 134
	icmpv6NeighborSolicit = 135
	icmpv6NeighborAdvert  = 136
)

type chainSpec struct {
	name     string
	typ      nftables.ChainType
	hook     *nftables.ChainHook
	priority *nftables.ChainPriority
	policy   nftables.ChainPolicy
}

func (c chainSpec) String() string {
	policy := "drop"
	if c.policy == nftables.ChainPolicyAccept {
		policy = "accept"
	}
	return fmt.Sprintf("chain %s { type %s hook %d priority %d; policy %s; }",
		c.name, c.typ, *c.hook, *c.priority, policy)
}

type rule struct {
	chain string
	// desc is the rule in nft syntax. It identifies the rule in logs and in the
	// fingerprint of an applied ruleset.
	desc  string
	exprs []expr.Any
}

// ruleset is everything that goes into the table for one policy.
type ruleset struct {
	chains []chainSpec
	rules  []rule
}

func (rs *ruleset) addChain(name string, typ nftables.ChainType, hook *nftables.ChainHook, priority *nftables.ChainPriority, policy nftables.ChainPolicy) {
	rs.chains = append(rs.chains, chainSpec{name: name, typ: typ, hook: hook, priority: priority, policy: policy})
}

func (rs *ruleset) add(chain string, m *match) {
	rs.rules = append(rs.rules, rule{chain: chain, desc: strings.Join(m.desc, " "), exprs: m.exprs})
}

func (rs *ruleset) String() string {
	var b strings.Builder
	for _, c := range rs.chains {
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	for _, r := range rs.rules {
		b.WriteString(r.chain)
		b.WriteByte(' ')
		b.WriteString(r.desc)
		b.WriteByte('\n')
	}
	return b.String()
}

// match accumulates the expressions of one rule alongside their nft syntax.
type match struct {
	desc    []string
	exprs   []expr.Any
	nfproto byte
	l4proto byte
}

func newMatch() *match {
	return &match{}
}

func (m *match) add(desc string, exprs ...expr.Any) *match {
	if desc != "" {
		m.desc = append(m.desc, desc)
	}
	m.exprs = append(m.exprs, exprs...)
	return m
}

func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}

func (m *match) oifname(name string) *match {
	return m.add(fmt.Sprintf("oifname %q", name),
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
	)
}

func (m *match) iifname(name string) *match {
	return m.add(fmt.Sprintf("iifname %q", name),
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
	)
}

// family restricts the rule to IPv4 or IPv6 packets, once.
func (m *match) family(is4 bool) {
	proto := byte(unix.NFPROTO_IPV6)
	if is4 {
		proto = unix.NFPROTO_IPV4
	}
	if m.nfproto == proto {
		return
	}
	m.nfproto = proto
	m.add("",
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	)
}

func (m *match) daddr(p netip.Prefix) *match {
	return m.addr("daddr", p)
}

func (m *match) saddr(p netip.Prefix) *match {
	return m.addr("saddr", p)
}

func (m *match) addr(dir string, p netip.Prefix) *match {
	addr := p.Addr().Unmap()
	p = netip.PrefixFrom(addr, min(p.Bits(), addr.BitLen())).Masked()
	is4 := addr.Is4()
	m.family(is4)

	fam, offset := "ip6", uint32(8)
	if is4 {
		fam, offset = "ip", 12
	}
	if dir == "daddr" {
		offset += uint32(addr.BitLen() / 8)
	}
	size := uint32(addr.BitLen() / 8)

	desc := fmt.Sprintf("%s %s %s", fam, dir, p)
	if p.IsSingleIP() {
		desc = fmt.Sprintf("%s %s %s", fam, dir, addr)
	}
	m.add(desc, &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: size})
	if !p.IsSingleIP() {
		m.add("", &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            size,
			Mask:           prefixMask(p.Bits(), int(size)),
			Xor:            make([]byte, size),
		})
	}
	return m.add("", &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: p.Addr().AsSlice()})
}

func prefixMask(bits, size int) []byte {
	mask := make([]byte, size)
	for i := 0; i < bits; i++ {
		mask[i/8] |= 0x80 >> (i % 8)
	}
	return mask
}

func protoNumber(proto tunnel.TransportProtocol) (byte, string) {
	if proto == tunnel.ProtocolTCP {
		return unix.IPPROTO_TCP, "tcp"
	}
	return unix.IPPROTO_UDP, "udp"
}

func (m *match) protocol(proto byte) {
	if m.l4proto == proto {
		return
	}
	m.l4proto = proto
	m.add("",
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	)
}

func (m *match) sport(proto tunnel.TransportProtocol, port uint16) *match {
	return m.port(proto, "sport", 0, port)
}

func (m *match) dport(proto tunnel.TransportProtocol, port uint16) *match {
	return m.port(proto, "dport", 2, port)
}

func (m *match) port(proto tunnel.TransportProtocol, dir string, offset uint32, port uint16) *match {
	num, name := protoNumber(proto)
	m.protocol(num)
	return m.add(fmt.Sprintf("%s %s %d", name, dir, port),
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	)
}

func (m *match) icmpv6Type(typ byte, name string) *match {
	m.family(false)
	m.protocol(unix.IPPROTO_ICMPV6)
	return m.add("icmpv6 type "+name,
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{typ}},
	)
}

func (m *match) mark(mark uint32) *match {
	return m.add(fmt.Sprintf("meta mark 0x%x", mark),
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
	)
}

func (m *match) cgroup(classID uint32) *match {
	return m.add(fmt.Sprintf("meta cgroup 0x%x", classID),
		&expr.Meta{Key: expr.MetaKeyCGROUP, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(classID)},
	)
}

func (m *match) ctMark(mark uint32) *match {
	return m.add(fmt.Sprintf("ct mark 0x%x", mark),
		&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
	)
}

func (m *match) ctEstablished() *match {
	bits := expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED
	return m.add("ct state established,related",
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(bits),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	)
}

func (m *match) setMark(mark uint32) *match {
	return m.add(fmt.Sprintf("meta mark set 0x%x", mark),
		&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	)
}

func (m *match) saveMark() *match {
	return m.add("ct mark set meta mark",
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
	)
}

func (m *match) accept() *match {
	return m.add("accept", &expr.Verdict{Kind: expr.VerdictAccept})
}

func (m *match) drop() *match {
	return m.add("drop", &expr.Verdict{Kind: expr.VerdictDrop})
}

func hostPrefix(a netip.Addr) netip.Prefix {
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen())
}

// buildRuleset produces the complete contents of the table for p.
func buildRuleset(cfg Config, p Policy) *ruleset {
	rs := &ruleset{}
	rs.addChain("output", nftables.ChainTypeFilter, nftables.ChainHookOutput, nftables.ChainPriorityFilter, nftables.ChainPolicyDrop)
	rs.addChain("input", nftables.ChainTypeFilter, nftables.ChainHookInput, nftables.ChainPriorityFilter, nftables.ChainPolicyDrop)
	rs.addChain("forward", nftables.ChainTypeFilter, nftables.ChainHookForward, nftables.ChainPriorityFilter, nftables.ChainPolicyDrop)

	rs.add("output", newMatch().oifname("lo").accept())
	rs.add("input", newMatch().iifname("lo").accept())
	addDHCPRules(rs)
	addNDPRules(rs)

	switch p.Kind {
	case KindConnecting:
		addPeerRules(rs, cfg, p.PeerEndpoint)
		addExcludedRules(rs, cfg)
		addAllowedTunnelTraffic(rs, p.TunnelInterface, p.AllowedTunnelTraffic)
		addDNSDrop(rs)
	case KindConnected:
		addPeerRules(rs, cfg, p.PeerEndpoint)
		addExcludedRules(rs, cfg)
		addDNSRules(rs, p.TunnelInterface, p.DNSServers, p.AllowLAN)
		if iface := p.TunnelInterface; iface != "" {
			rs.add("output", newMatch().oifname(iface).accept())
			rs.add("input", newMatch().iifname(iface).accept())
			rs.add("forward", newMatch().oifname(iface).accept())
			rs.add("forward", newMatch().iifname(iface).ctEstablished().accept())
		}
	default:
		addDNSDrop(rs)
	}

	if p.AllowLAN {
		addLANRules(rs)
	}
	return rs
}

func addDHCPRules(rs *ruleset) {
	udp := tunnel.ProtocolUDP
	rs.add("output", newMatch().daddr(netip.MustParsePrefix("255.255.255.255/32")).sport(udp, 68).dport(udp, 67).accept())
	rs.add("input", newMatch().sport(udp, 67).dport(udp, 68).accept())
	rs.add("output", newMatch().saddr(netip.MustParsePrefix("fe80::/10")).daddr(netip.MustParsePrefix("ff02::1:2/128")).sport(udp, 546).dport(udp, 547).accept())
	rs.add("input", newMatch().saddr(netip.MustParsePrefix("fe80::/10")).sport(udp, 547).dport(udp, 546).accept())
}

func addNDPRules(rs *ruleset) {
	rs.add("output", newMatch().daddr(netip.MustParsePrefix("ff02::2/128")).icmpv6Type(icmpv6RouterSolicit, "nd-router-solicit").accept())
	rs.add("input", newMatch().saddr(netip.MustParsePrefix("fe80::/10")).icmpv6Type(icmpv6RouterAdvert, "nd-router-advert").accept())
	for _, chain := range []string{"output", "input"} {
		rs.add(chain, newMatch().icmpv6Type(icmpv6NeighborSolicit, "nd-neighbor-solicit").accept())
		rs.add(chain, newMatch().icmpv6Type(icmpv6NeighborAdvert, "nd-neighbor-advert").accept())
	}
}

func addPeerRules(rs *ruleset, cfg Config, peer tunnel.Endpoint) {
	addr := peer.Address.Addr()
	if !addr.IsValid() {
		return
	}
	port := peer.Address.Port()
	out := newMatch().daddr(hostPrefix(addr)).dport(peer.Protocol, port)
	if cfg.Fwmark != 0 {
		out.mark(cfg.Fwmark)
	}
	rs.add("output", out.accept())
	rs.add("input", newMatch().saddr(hostPrefix(addr)).sport(peer.Protocol, port).accept())
}

// addExcludedRules marks packets of excluded processes so they route around the
// tunnel, and lets their connections through both ways.
func addExcludedRules(rs *ruleset, cfg Config) {
	if cfg.ExcludedClassID == 0 || cfg.Fwmark == 0 {
		return
	}
	rs.addChain("mangle", nftables.ChainTypeRoute, nftables.ChainHookOutput, nftables.ChainPriorityMangle, nftables.ChainPolicyAccept)
	rs.add("mangle", newMatch().cgroup(cfg.ExcludedClassID).setMark(cfg.Fwmark).saveMark())
	rs.add("output", newMatch().cgroup(cfg.ExcludedClassID).accept())
	rs.add("input", newMatch().ctMark(cfg.Fwmark).accept())
}

func addAllowedTunnelTraffic(rs *ruleset, iface string, allowed AllowedTunnelTraffic) {
	if iface == "" {
		return
	}
	switch allowed.Mode {
	case TrafficAll:
		rs.add("output", newMatch().oifname(iface).accept())
		rs.add("input", newMatch().iifname(iface).accept())
	case TrafficOnly:
		for _, dst := range allowed.Destinations {
			rs.add("output", newMatch().oifname(iface).daddr(hostPrefix(dst)).accept())
			rs.add("input", newMatch().iifname(iface).saddr(hostPrefix(dst)).accept())
		}
	}
}

// addDNSDrop keeps LAN allowances from letting plain DNS queries out.
func addDNSDrop(rs *ruleset) {
	rs.add("output", newMatch().dport(tunnel.ProtocolUDP, 53).drop())
	rs.add("output", newMatch().dport(tunnel.ProtocolTCP, 53).drop())
}

// addDNSRules lets resolvers through the tunnel, lets LAN resolvers through when the
// LAN is allowed, and drops every other port 53 packet before generic accepts.
func addDNSRules(rs *ruleset, iface string, servers []netip.Addr, allowLAN bool) {
	for _, server := range servers {
		for _, proto := range []tunnel.TransportProtocol{tunnel.ProtocolUDP, tunnel.ProtocolTCP} {
			if iface != "" {
				rs.add("output", newMatch().oifname(iface).daddr(hostPrefix(server)).dport(proto, 53).accept())
			}
			if allowLAN && IsLANAddr(server) {
				rs.add("output", newMatch().daddr(hostPrefix(server)).dport(proto, 53).accept())
			}
		}
	}
	addDNSDrop(rs)
}

func addLANRules(rs *ruleset) {
	for _, p := range lanNetworks {
		rs.add("output", newMatch().daddr(p).accept())
		rs.add("input", newMatch().saddr(p).accept())
	}
	for _, p := range lanMulticast {
		rs.add("output", newMatch().daddr(p).accept())
	}
}
