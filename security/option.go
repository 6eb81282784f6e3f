package security

import (
	"fmt"
	"slices"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/schema"
)

// Filter is one of FileFilter, ProcessFilter or NetworkFilter.
type Filter interface {
	Type() FilterType

	isFilter()
	clone() Filter
	equal(Filter) bool
}

// SecurityOption is a single rule: a syscall name scope paired with one
// filter. An empty call name list matches every call of the probe.
type SecurityOption struct {
	callNames []string
	filter    Filter
}

// CallNames returns a copy of the rule's call names.
func (o SecurityOption) CallNames() []string {
	return slices.Clone(o.callNames)
}

// Filter returns the rule's filter.
func (o SecurityOption) Filter() Filter {
	return o.filter
}

// File returns the file filter. It panics if the rule is not a file rule.
func (o SecurityOption) File() FileFilter {
	f, ok := o.filter.(FileFilter)
	if !ok {
		panic(fmt.Sprintf("security: File() called on %s option", o.filterType()))
	}
	return f
}

// Process returns the process filter. It panics if the rule is not a
// process rule.
func (o SecurityOption) Process() ProcessFilter {
	f, ok := o.filter.(ProcessFilter)
	if !ok {
		panic(fmt.Sprintf("security: Process() called on %s option", o.filterType()))
	}
	return f
}

// Network returns the network filter. It panics if the rule is not a
// network rule.
func (o SecurityOption) Network() NetworkFilter {
	f, ok := o.filter.(NetworkFilter)
	if !ok {
		panic(fmt.Sprintf("security: Network() called on %s option", o.filterType()))
	}
	return f
}

// Equal reports whether o and other hold the same rule.
func (o SecurityOption) Equal(other SecurityOption) bool {
	if !slices.Equal(o.callNames, other.callNames) {
		return false
	}
	if o.filter == nil || other.filter == nil {
		return o.filter == nil && other.filter == nil
	}
	return o.filter.equal(other.filter)
}

func (o SecurityOption) clone() SecurityOption {
	out := SecurityOption{callNames: slices.Clone(o.callNames)}
	if o.filter != nil {
		out.filter = o.filter.clone()
	}
	return out
}

func (o SecurityOption) filterType() FilterType {
	if o.filter == nil {
		return FilterTypeUnknown
	}
	return o.filter.Type()
}

// NewSecurityOption builds one rule of type ft from its JSON node. path
// prefixes every finding, e.g. "ConfigList[3]". Findings are returned
// whether or not construction succeeded.
func NewSecurityOption(ft FilterType, rule any, mode ValidationMode, path string) (SecurityOption, diag.Findings, error) {
	c := &collector{}
	opt, err := newSecurityOption(ft, rule, mode, path, -1, c)
	return opt, c.findings, err
}

func newSecurityOption(ft FilterType, raw any, mode ValidationMode, path string, idx int, c *collector) (SecurityOption, error) {
	rule, ok := schema.AsObject(raw)
	if !ok {
		return SecurityOption{}, c.fail(ErrMandatoryField, path, idx,
			fmt.Sprintf("rule is not of type map (got %s)", schema.Kind(raw)))
	}

	callNames, err := schema.OptionalStringList(rule, "CallName")
	if err != nil {
		c.optional(err, fieldPath(path, "CallName"), idx)
	}

	opt := SecurityOption{callNames: callNames}
	switch ft {
	case FilterTypeFile:
		f, err := buildFileFilter(rule, mode, path, idx, c)
		if err != nil {
			return SecurityOption{}, err
		}
		opt.filter = f
	case FilterTypeProcess:
		f, err := buildProcessFilter(rule, mode, path, idx, c)
		if err != nil {
			return SecurityOption{}, err
		}
		opt.filter = f
	case FilterTypeNetwork:
		f, err := buildNetworkFilter(rule, mode, path, idx, c)
		if err != nil {
			return SecurityOption{}, err
		}
		opt.filter = f
	default:
		return SecurityOption{}, c.fail(ErrUnknownFilterType, path, idx, fmt.Sprintf("unknown filter type %s", ft))
	}
	return opt, nil
}
