package security

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/schema"
)

// SecurityOptions is the complete, immutable rule set for one filter
// type. It is safe for concurrent reads.
type SecurityOptions struct {
	filterType FilterType
	options    []SecurityOption
}

// NewSecurityOptions builds a rule set of type ft from a document root.
//
// Construction is all or nothing: the first fatal finding aborts it and
// no SecurityOptions is returned. Findings, including warnings recorded
// before the failure, are always returned for the caller to emit.
func NewSecurityOptions(ft FilterType, root any, mode ValidationMode) (*SecurityOptions, diag.Findings, error) {
	c := &collector{}
	opts, err := newSecurityOptions(ft, root, mode, c)
	if err != nil {
		return nil, c.findings, err
	}
	return opts, c.findings, nil
}

func newSecurityOptions(ft FilterType, root any, mode ValidationMode, c *collector) (*SecurityOptions, error) {
	if !ft.Valid() {
		return nil, c.fail(ErrUnknownFilterType, "", -1, fmt.Sprintf("unknown filter type %s", ft))
	}

	obj, ok := schema.AsObject(root)
	if !ok {
		return nil, c.fail(ErrMandatoryField, "", -1,
			fmt.Sprintf("document is not of type map (got %s)", schema.Kind(root)))
	}

	key := mode.RuleListKey()
	rules, err := schema.ValidList(obj, key)
	if err != nil {
		return nil, c.mandatory(err, key, -1)
	}

	options := make([]SecurityOption, 0, len(rules))
	for i, raw := range rules {
		opt, err := newSecurityOption(ft, raw, mode, indexPath(key, i), i, c)
		if err != nil {
			return nil, err
		}
		options = append(options, opt)
	}

	return &SecurityOptions{filterType: ft, options: options}, nil
}

// ParseSecurityOptions decodes data as JSON and builds a rule set from it.
func ParseSecurityOptions(ft FilterType, data []byte, mode ValidationMode) (*SecurityOptions, diag.Findings, error) {
	root, err := schema.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return NewSecurityOptions(ft, root, mode)
}

// FilterType returns the filter type shared by every option.
func (s *SecurityOptions) FilterType() FilterType {
	return s.filterType
}

// Len returns the number of rules.
func (s *SecurityOptions) Len() int {
	return len(s.options)
}

// At returns the i'th rule in document order.
func (s *SecurityOptions) At(i int) SecurityOption {
	return s.options[i].clone()
}

// Options returns a deep copy of the rules in document order.
func (s *SecurityOptions) Options() []SecurityOption {
	out := make([]SecurityOption, len(s.options))
	for i, o := range s.options {
		out[i] = o.clone()
	}
	return out
}

// Equal reports whether s and other hold the same filter type and rules
// in the same order.
func (s *SecurityOptions) Equal(other *SecurityOptions) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.filterType != other.filterType || len(s.options) != len(other.options) {
		return false
	}
	for i := range s.options {
		if !s.options[i].Equal(other.options[i]) {
			return false
		}
	}
	return true
}

var encoder = jsoniter.ConfigCompatibleWithStandardLibrary

type documentJSON struct {
	FilterType FilterType   `json:"FilterType"`
	ConfigList []optionJSON `json:"ConfigList"`
}

type optionJSON struct {
	CallName []string `json:"CallName"`
	Filter   any      `json:"Filter"`
}

type processJSON struct {
	NamespaceFilter      []NamespaceFilterEntry `json:"NamespaceFilter,omitempty"`
	NamespaceBlackFilter []NamespaceFilterEntry `json:"NamespaceBlackFilter,omitempty"`
}

type networkJSON struct {
	DestAddrList        []string `json:"DestAddrList,omitempty"`
	DestPortList        []uint16 `json:"DestPortList,omitempty"`
	DestAddrBlackList   []string `json:"DestAddrBlackList,omitempty"`
	DestPortBlackList   []uint16 `json:"DestPortBlackList,omitempty"`
	SourceAddrList      []string `json:"SourceAddrList,omitempty"`
	SourcePortList      []uint16 `json:"SourcePortList,omitempty"`
	SourceAddrBlackList []string `json:"SourceAddrBlackList,omitempty"`
	SourcePortBlackList []uint16 `json:"SourcePortBlackList,omitempty"`
}

// MarshalJSON renders the rule set in the strict document layout, so the
// output can be fed back to ParseSecurityOptions in ModeStrict.
func (s *SecurityOptions) MarshalJSON() ([]byte, error) {
	doc := documentJSON{FilterType: s.filterType, ConfigList: make([]optionJSON, 0, len(s.options))}
	for _, o := range s.options {
		entry := optionJSON{CallName: o.callNames}
		if entry.CallName == nil {
			entry.CallName = []string{}
		}
		switch f := o.filter.(type) {
		case FileFilter:
			items := f.Items
			if items == nil {
				items = []FileFilterItem{}
			}
			entry.Filter = items
		case ProcessFilter:
			entry.Filter = processJSON{
				NamespaceFilter:      f.NamespaceAllow,
				NamespaceBlackFilter: f.NamespaceDeny,
			}
		case NetworkFilter:
			entry.Filter = networkJSON{
				DestAddrList:        f.DestAddrs,
				DestPortList:        f.DestPorts,
				DestAddrBlackList:   f.DestAddrsDeny,
				DestPortBlackList:   f.DestPortsDeny,
				SourceAddrList:      f.SourceAddrs,
				SourcePortList:      f.SourcePorts,
				SourceAddrBlackList: f.SourceAddrsDeny,
				SourcePortBlackList: f.SourcePortsDeny,
			}
		}
		doc.ConfigList = append(doc.ConfigList, entry)
	}
	return encoder.Marshal(doc)
}
