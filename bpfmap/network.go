package bpfmap

import (
	"fmt"
	"net/netip"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-ebpfpolicy/security"
)

// Network rule flags, OR-ed into PortRulesMap and AddrRulesMap values.
// NetDeferredMap, an array indexed by rule, ORs the flags of the address
// lists that hold values deferred to userspace.
const (
	NetDestAllow uint32 = 1 << iota
	NetDestDeny
	NetSourceAllow
	NetSourceDeny
)

// PortKey is the key of PortRulesMap.
type PortKey struct {
	Rule uint32
	Port uint16
	_    uint16
}

// AddrKey is the key of AddrRulesMap, an LPM trie. PrefixLen counts
// bits after itself: 32 for Rule plus the address prefix. IPv4
// addresses are stored IPv4-mapped.
type AddrKey struct {
	PrefixLen uint32
	Rule      uint32
	Addr      [16]byte
}

// Prefix returns the address prefix held in k.
func (k AddrKey) Prefix() netip.Prefix {
	addr := netip.AddrFrom16(k.Addr)
	bits := int(k.PrefixLen) - 32
	if addr.Is4In6() {
		return netip.PrefixFrom(addr.Unmap(), bits-96)
	}
	return netip.PrefixFrom(addr, bits)
}

// ParseAddr accepts an address or a CIDR prefix and returns it as a
// masked prefix. A bare address is a full-length prefix.
func ParseAddr(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("address %q: %w: not an IP address or prefix", s, ErrUnrenderable)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func addrKey(rule int, p netip.Prefix) AddrKey {
	bits := p.Bits()
	if p.Addr().Is4() {
		bits += 96
	}
	return AddrKey{
		PrefixLen: uint32(32 + bits),
		Rule:      uint32(rule),
		Addr:      p.Addr().As16(),
	}
}

func renderNetwork(opts *security.SecurityOptions, r *Rendering) []*ebpf.MapSpec {
	var (
		ports, addrs flagSet
		deferred     []ebpf.MapKV
	)
	for i, opt := range opts.Options() {
		f := opt.Network()

		for _, l := range []struct {
			ports []uint16
			flag  uint32
		}{
			{f.DestPorts, NetDestAllow},
			{f.DestPortsDeny, NetDestDeny},
			{f.SourcePorts, NetSourceAllow},
			{f.SourcePortsDeny, NetSourceDeny},
		} {
			for _, p := range l.ports {
				ports.or(PortKey{Rule: uint32(i), Port: p}, l.flag)
			}
		}

		var userspace uint32
		for _, l := range []struct {
			field string
			addrs []string
			flag  uint32
		}{
			{"DestAddrList", f.DestAddrs, NetDestAllow},
			{"DestAddrBlackList", f.DestAddrsDeny, NetDestDeny},
			{"SourceAddrList", f.SourceAddrs, NetSourceAllow},
			{"SourceAddrBlackList", f.SourceAddrsDeny, NetSourceDeny},
		} {
			for _, s := range l.addrs {
				p, err := ParseAddr(s)
				if err != nil {
					r.deferValue(i, l.field, s, err)
					userspace |= l.flag
					continue
				}
				addrs.or(addrKey(i, p), l.flag)
			}
		}
		if userspace != 0 {
			deferred = append(deferred, ebpf.MapKV{Key: uint32(i), Value: userspace})
		}
	}

	addrContents := addrs.contents()
	addrSpec := &ebpf.MapSpec{
		Name:       AddrRulesMap,
		Type:       ebpf.LPMTrie,
		KeySize:    24,
		ValueSize:  4,
		MaxEntries: maxEntries(len(addrContents)),
		Flags:      unix.BPF_F_NO_PREALLOC,
		Contents:   addrContents,
	}
	deferredSpec := &ebpf.MapSpec{
		Name:       NetDeferredMap,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxEntries(opts.Len()),
		Contents:   deferred,
	}
	return []*ebpf.MapSpec{hashSpec(PortRulesMap, 8, 4, ports.contents()), addrSpec, deferredSpec}
}
