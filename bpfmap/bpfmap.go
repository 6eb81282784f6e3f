// Package bpfmap renders a policy snapshot into cilium/ebpf map specs
// that a probe loader can create and populate. Nothing here touches the
// kernel: the output is a set of *ebpf.MapSpec with Contents filled in.
//
// Every key carries the rule index so that one map holds all rules of a
// snapshot and the probe can report which rule matched.
package bpfmap

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/samber/lo"

	"github.com/frobware/go-ebpfpolicy/security"
)

// ErrUnrenderable is the kind of a value that has no kernel
// representation, such as a host name in an address list. Such values
// are deferred to userspace matching and reported in Rendering.Deferred.
var ErrUnrenderable = errors.New("value cannot be rendered into a bpf map")

// Deferred is a rule value the kernel cannot match on its own. The maps
// carry a flag telling the probe to hand the event to userspace, which
// matches Value.
type Deferred struct {
	Rule int
	// Field is the policy field the value came from, e.g. "DestAddrList".
	Field string
	Value string
	// Err wraps ErrUnrenderable and says why.
	Err error
}

// Map names.
const (
	FileRulesMap    = "file_rules"
	NSRulesMap      = "ns_rules"
	NSModeMap       = "ns_mode"
	PortRulesMap    = "port_rules"
	AddrRulesMap    = "addr_rules"
	CallNamesMap    = "call_names"
	NetDeferredMap  = "net_deferred"
	CallNameMaxSize = 64
)

// CallNamesMap values.
const (
	CallNameListed uint32 = 1
	// CallNameDeferred is stored under a rule's empty name when some of
	// its call names are too long for a key.
	CallNameDeferred uint32 = 2
)

// Rendering is the set of maps for one snapshot.
type Rendering struct {
	FilterType security.FilterType
	Specs      []*ebpf.MapSpec
	// Deferred lists the values left to userspace, in rule order.
	Deferred []Deferred
}

// Spec returns the named map spec, or nil.
func (r *Rendering) Spec(name string) *ebpf.MapSpec {
	for _, s := range r.Specs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Entries returns the total number of map entries.
func (r *Rendering) Entries() int {
	n := 0
	for _, s := range r.Specs {
		n += len(s.Contents)
	}
	return n
}

// Render converts opts into map specs. Any value a valid policy may hold
// renders, possibly as a Deferred entry; an error means opts itself is
// unusable.
func Render(opts *security.SecurityOptions) (*Rendering, error) {
	if opts == nil {
		return nil, errors.New("render: nil options")
	}

	r := &Rendering{FilterType: opts.FilterType()}
	var (
		specs []*ebpf.MapSpec
		err   error
	)
	switch opts.FilterType() {
	case security.FilterTypeFile:
		specs = renderFile(opts, r)
	case security.FilterTypeProcess:
		specs, err = renderProcess(opts, r)
	case security.FilterTypeNetwork:
		specs = renderNetwork(opts, r)
	default:
		return nil, fmt.Errorf("render: %w: %s", security.ErrUnknownFilterType, opts.FilterType())
	}
	if err != nil {
		return nil, err
	}
	r.Specs = append(specs, renderCallNames(opts, r))
	return r, nil
}

func (r *Rendering) deferValue(rule int, field, value string, err error) {
	r.Deferred = append(r.Deferred, Deferred{Rule: rule, Field: field, Value: value, Err: err})
}

// hashSpec builds a hash map sized to its contents, dropping repeated
// keys. The kernel rejects zero-sized maps, so an empty map still gets
// one slot.
func hashSpec(name string, keySize, valueSize uint32, contents []ebpf.MapKV) *ebpf.MapSpec {
	contents = uniqueKeys(contents)
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries(len(contents)),
		Contents:   contents,
	}
}

func uniqueKeys(contents []ebpf.MapKV) []ebpf.MapKV {
	return lo.UniqBy(contents, func(kv ebpf.MapKV) any { return kv.Key })
}

func maxEntries(n int) uint32 {
	if n == 0 {
		return 1
	}
	return uint32(n)
}

type callNameKey struct {
	Rule uint32
	Name [CallNameMaxSize]byte
}

func renderCallNames(opts *security.SecurityOptions, r *Rendering) *ebpf.MapSpec {
	var contents []ebpf.MapKV
	for i, opt := range opts.Options() {
		for _, name := range opt.CallNames() {
			k := callNameKey{Rule: uint32(i)}
			if len(name) >= CallNameMaxSize {
				r.deferValue(i, "CallName", name, fmt.Errorf("call name %q: %w: longer than %d bytes", name, ErrUnrenderable, CallNameMaxSize-1))
				contents = append(contents, ebpf.MapKV{Key: k, Value: CallNameDeferred})
				continue
			}
			copy(k.Name[:], name)
			contents = append(contents, ebpf.MapKV{Key: k, Value: CallNameListed})
		}
	}
	return hashSpec(CallNamesMap, uint32(4+CallNameMaxSize), 4, contents)
}

// flagSet ORs flag values per key, keeping first-seen key order.
type flagSet struct {
	keys []any
	vals map[any]uint32
}

func (s *flagSet) or(k any, v uint32) {
	if s.vals == nil {
		s.vals = make(map[any]uint32)
	}
	if _, ok := s.vals[k]; !ok {
		s.keys = append(s.keys, k)
	}
	s.vals[k] |= v
}

func (s *flagSet) contents() []ebpf.MapKV {
	return lo.Map(s.keys, func(k any, _ int) ebpf.MapKV {
		return ebpf.MapKV{Key: k, Value: s.vals[k]}
	})
}
