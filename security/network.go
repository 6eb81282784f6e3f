package security

import (
	"slices"

	"github.com/frobware/go-ebpfpolicy/schema"
)

// NetworkFilter restricts connections by address and port. Every list is
// optional and an empty list places no restriction on its axis.
type NetworkFilter struct {
	DestAddrs       []string
	DestPorts       []uint16
	DestAddrsDeny   []string
	DestPortsDeny   []uint16
	SourceAddrs     []string
	SourcePorts     []uint16
	SourceAddrsDeny []string
	SourcePortsDeny []uint16
}

func (NetworkFilter) isFilter() {}

// Type returns FilterTypeNetwork.
func (NetworkFilter) Type() FilterType { return FilterTypeNetwork }

// AllowsDestPort reports whether a connection to port p passes the
// destination port lists. The deny list is checked first.
func (f NetworkFilter) AllowsDestPort(p uint16) bool {
	return allowsPort(f.DestPorts, f.DestPortsDeny, p)
}

// AllowsSourcePort is AllowsDestPort for the source side.
func (f NetworkFilter) AllowsSourcePort(p uint16) bool {
	return allowsPort(f.SourcePorts, f.SourcePortsDeny, p)
}

func allowsPort(allow, deny []uint16, p uint16) bool {
	if slices.Contains(deny, p) {
		return false
	}
	return len(allow) == 0 || slices.Contains(allow, p)
}

func (f NetworkFilter) clone() Filter {
	return NetworkFilter{
		DestAddrs:       slices.Clone(f.DestAddrs),
		DestPorts:       slices.Clone(f.DestPorts),
		DestAddrsDeny:   slices.Clone(f.DestAddrsDeny),
		DestPortsDeny:   slices.Clone(f.DestPortsDeny),
		SourceAddrs:     slices.Clone(f.SourceAddrs),
		SourcePorts:     slices.Clone(f.SourcePorts),
		SourceAddrsDeny: slices.Clone(f.SourceAddrsDeny),
		SourcePortsDeny: slices.Clone(f.SourcePortsDeny),
	}
}

func (f NetworkFilter) equal(other Filter) bool {
	o, ok := other.(NetworkFilter)
	if !ok {
		return false
	}
	return slices.Equal(f.DestAddrs, o.DestAddrs) &&
		slices.Equal(f.DestPorts, o.DestPorts) &&
		slices.Equal(f.DestAddrsDeny, o.DestAddrsDeny) &&
		slices.Equal(f.DestPortsDeny, o.DestPortsDeny) &&
		slices.Equal(f.SourceAddrs, o.SourceAddrs) &&
		slices.Equal(f.SourcePorts, o.SourcePorts) &&
		slices.Equal(f.SourceAddrsDeny, o.SourceAddrsDeny) &&
		slices.Equal(f.SourcePortsDeny, o.SourcePortsDeny)
}

// buildNetworkFilter reads the address filter of one rule. Strict mode
// requires a "Filter" map; lenient mode reads "AddrFilter" and falls back
// to an empty filter with a warning. Individual lists never fail the
// construction.
func buildNetworkFilter(rule map[string]any, mode ValidationMode, rulePath string, idx int, c *collector) (NetworkFilter, error) {
	key := "Filter"
	if mode == ModeLenient {
		key = "AddrFilter"
	}
	base := fieldPath(rulePath, key)

	filter := NetworkFilter{
		DestAddrs:       []string{},
		DestPorts:       []uint16{},
		DestAddrsDeny:   []string{},
		DestPortsDeny:   []uint16{},
		SourceAddrs:     []string{},
		SourcePorts:     []uint16{},
		SourceAddrsDeny: []string{},
		SourcePortsDeny: []uint16{},
	}

	m, err := schema.ValidMap(rule, key)
	if err != nil {
		if mode == ModeStrict {
			return NetworkFilter{}, c.mandatory(err, base, idx)
		}
		c.optional(err, base, idx)
		return filter, nil
	}

	addrs := func(k string, dst *[]string) {
		l, err := schema.OptionalStringList(m, k)
		if err != nil {
			c.optional(err, fieldPath(base, k), idx)
		}
		*dst = l
	}
	ports := func(k string, dst *[]uint16) {
		l, err := schema.OptionalUint16List(m, k)
		if err != nil {
			c.optional(err, fieldPath(base, k), idx)
		}
		*dst = l
	}

	addrs("DestAddrList", &filter.DestAddrs)
	ports("DestPortList", &filter.DestPorts)
	addrs("DestAddrBlackList", &filter.DestAddrsDeny)
	ports("DestPortBlackList", &filter.DestPortsDeny)
	addrs("SourceAddrList", &filter.SourceAddrs)
	ports("SourcePortList", &filter.SourcePorts)
	addrs("SourceAddrBlackList", &filter.SourceAddrsDeny)
	ports("SourcePortBlackList", &filter.SourcePortsDeny)

	return filter, nil
}
