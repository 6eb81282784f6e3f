package bpfmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-ebpfpolicy/security"
)

// Namespace rule actions stored as NSRulesMap values.
const (
	NSActionAllow uint32 = 1
	NSActionDeny  uint32 = 2
)

// NSKey is the key of NSRulesMap. Kind is the CLONE_NEW* flag of the
// namespace; ForChildren is 1 for the *_for_children variants.
type NSKey struct {
	Rule        uint32
	Kind        uint32
	ForChildren uint32
	_           uint32
	Inum        uint64
}

// NSMode is the value of NSModeMap, indexed by rule. Deny is 1 when
// the rule enforces its deny list. Userspace is 1 when some of the
// rule's values are not inode numbers and are matched in userspace.
type NSMode struct {
	Deny      uint32
	Userspace uint32
}

type nsKind struct {
	flag        uint32
	forChildren bool
}

var nsKinds = map[security.NamespaceType]nsKind{
	security.NamespaceUts:             {flag: unix.CLONE_NEWUTS},
	security.NamespaceIpc:             {flag: unix.CLONE_NEWIPC},
	security.NamespaceMnt:             {flag: unix.CLONE_NEWNS},
	security.NamespacePid:             {flag: unix.CLONE_NEWPID},
	security.NamespacePidForChildren:  {flag: unix.CLONE_NEWPID, forChildren: true},
	security.NamespaceNet:             {flag: unix.CLONE_NEWNET},
	security.NamespaceCgroup:          {flag: unix.CLONE_NEWCGROUP},
	security.NamespaceUser:            {flag: unix.CLONE_NEWUSER},
	security.NamespaceTime:            {flag: unix.CLONE_NEWTIME},
	security.NamespaceTimeForChildren: {flag: unix.CLONE_NEWTIME, forChildren: true},
}

// CloneFlag returns the CLONE_NEW* flag for t and whether t applies to
// children only.
func CloneFlag(t security.NamespaceType) (flag uint32, forChildren bool, ok bool) {
	k, ok := nsKinds[t]
	return k.flag, k.forChildren, ok
}

// ParseNamespaceInode accepts a bare inode number or the
// "kind:[inode]" form readlink returns for /proc/<pid>/ns/<kind>.
func ParseNamespaceInode(v string) (uint64, error) {
	s := strings.TrimSpace(v)
	if open := strings.IndexByte(s, '['); open >= 0 && strings.HasSuffix(s, "]") {
		s = s[open+1 : len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("namespace value %q: %w: not an inode number", v, ErrUnrenderable)
	}
	return n, nil
}

func renderProcess(opts *security.SecurityOptions, r *Rendering) ([]*ebpf.MapSpec, error) {
	var (
		rules []ebpf.MapKV
		modes []ebpf.MapKV
	)
	for i, opt := range opts.Options() {
		entries, deny := opt.Process().Effective()
		action := NSActionAllow
		mode := NSMode{}
		if deny {
			action = NSActionDeny
			mode.Deny = 1
		}
		field := "NamespaceFilter"
		if deny {
			field = "NamespaceBlackFilter"
		}

		for _, e := range entries {
			kind, ok := nsKinds[e.Type]
			if !ok {
				return nil, fmt.Errorf("rule %d: %w: %q", i, security.ErrUnknownNamespaceType, e.Type)
			}
			for _, v := range e.Values {
				inum, err := ParseNamespaceInode(v)
				if err != nil {
					r.deferValue(i, field, v, err)
					mode.Userspace = 1
					continue
				}
				k := NSKey{Rule: uint32(i), Kind: kind.flag, Inum: inum}
				if kind.forChildren {
					k.ForChildren = 1
				}
				rules = append(rules, ebpf.MapKV{Key: k, Value: action})
			}
		}
		modes = append(modes, ebpf.MapKV{Key: uint32(i), Value: mode})
	}

	modeSpec := &ebpf.MapSpec{
		Name:       NSModeMap,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxEntries(len(modes)),
		Contents:   modes,
	}
	return []*ebpf.MapSpec{hashSpec(NSRulesMap, 24, 4, rules), modeSpec}, nil
}
