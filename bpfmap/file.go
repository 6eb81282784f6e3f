package bpfmap

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-ebpfpolicy/security"
)

// PathMax bounds a path prefix in a file rule key, including the
// terminating NUL.
const PathMax = 256

// File rule value flags.
const (
	// FileFlagNamePattern means the rule also carries a base name glob
	// that the kernel cannot evaluate. Userspace refines the match.
	FileFlagNamePattern uint32 = 1 << iota
	// FileFlagMatchAll marks a rule with no items: every path matches.
	FileFlagMatchAll
	// FileFlagTruncated means the key holds only the first PathMax-1
	// bytes of a longer path. Userspace compares the full path.
	FileFlagTruncated
)

// FileKey is the key of FileRulesMap.
type FileKey struct {
	Rule uint32
	Path [PathMax]byte
}

// PathString returns the NUL-terminated path held in k.
func (k FileKey) PathString() string {
	for i, b := range k.Path {
		if b == 0 {
			return string(k.Path[:i])
		}
	}
	return string(k.Path[:])
}

func renderFile(opts *security.SecurityOptions, r *Rendering) []*ebpf.MapSpec {
	var set flagSet
	for i, opt := range opts.Options() {
		items := opt.File().Items
		if len(items) == 0 {
			set.or(FileKey{Rule: uint32(i)}, FileFlagMatchAll)
			continue
		}
		for _, item := range items {
			k := FileKey{Rule: uint32(i)}
			copy(k.Path[:PathMax-1], item.Path)
			var flags uint32
			if item.NamePattern != "" {
				flags |= FileFlagNamePattern
			}
			if len(item.Path) >= PathMax {
				flags |= FileFlagTruncated
				r.deferValue(i, "FilePath", item.Path, fmt.Errorf("path %q: %w: longer than %d bytes", item.Path, ErrUnrenderable, PathMax-1))
			}
			set.or(k, flags)
		}
	}
	return []*ebpf.MapSpec{hashSpec(FileRulesMap, 4+PathMax, 4, set.contents())}
}
