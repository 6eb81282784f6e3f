package security

import (
	"fmt"
	"slices"

	"github.com/frobware/go-ebpfpolicy/schema"
)

// NamespaceFilterEntry matches processes whose namespace of Type has one
// of Values.
type NamespaceFilterEntry struct {
	Type   NamespaceType `json:"NamespaceType"`
	Values []string      `json:"ValueList"`
}

func (e NamespaceFilterEntry) clone() NamespaceFilterEntry {
	return NamespaceFilterEntry{Type: e.Type, Values: slices.Clone(e.Values)}
}

func (e NamespaceFilterEntry) equal(o NamespaceFilterEntry) bool {
	return e.Type == o.Type && slices.Equal(e.Values, o.Values)
}

// ProcessFilter holds independent namespace allow and deny lists.
type ProcessFilter struct {
	NamespaceAllow []NamespaceFilterEntry
	NamespaceDeny  []NamespaceFilterEntry
}

func (ProcessFilter) isFilter() {}

// Type returns FilterTypeProcess.
func (ProcessFilter) Type() FilterType { return FilterTypeProcess }

// Effective returns the list a probe should enforce. The allow list wins
// when both are populated; deny reports whether the returned entries are
// a deny list.
func (f ProcessFilter) Effective() (entries []NamespaceFilterEntry, deny bool) {
	if len(f.NamespaceAllow) > 0 || len(f.NamespaceDeny) == 0 {
		return f.NamespaceAllow, false
	}
	return f.NamespaceDeny, true
}

func (f ProcessFilter) clone() Filter {
	out := ProcessFilter{
		NamespaceAllow: make([]NamespaceFilterEntry, len(f.NamespaceAllow)),
		NamespaceDeny:  make([]NamespaceFilterEntry, len(f.NamespaceDeny)),
	}
	for i, e := range f.NamespaceAllow {
		out.NamespaceAllow[i] = e.clone()
	}
	for i, e := range f.NamespaceDeny {
		out.NamespaceDeny[i] = e.clone()
	}
	return out
}

func (f ProcessFilter) equal(other Filter) bool {
	o, ok := other.(ProcessFilter)
	if !ok {
		return false
	}
	eq := func(a, b NamespaceFilterEntry) bool { return a.equal(b) }
	return slices.EqualFunc(f.NamespaceAllow, o.NamespaceAllow, eq) &&
		slices.EqualFunc(f.NamespaceDeny, o.NamespaceDeny, eq)
}

const (
	namespaceAllowKey = "NamespaceFilter"
	namespaceDenyKey  = "NamespaceBlackFilter"
)

// buildProcessFilter reads the namespace filters of one rule.
//
// Strict mode reads them from the "Filter" map and rejects a rule that
// configures both sides. Lenient mode reads them from the rule itself,
// accepts both sides with a warning and ignores a side that is not a
// list. Entries are validated identically in both modes.
func buildProcessFilter(rule map[string]any, mode ValidationMode, rulePath string, idx int, c *collector) (ProcessFilter, error) {
	container, base := rule, rulePath
	if mode == ModeStrict {
		m, err := schema.ValidMap(rule, "Filter")
		if err != nil {
			return ProcessFilter{}, c.mandatory(err, fieldPath(rulePath, "Filter"), idx)
		}
		container, base = m, fieldPath(rulePath, "Filter")
	}

	hasAllow := schema.Has(container, namespaceAllowKey)
	hasDeny := schema.Has(container, namespaceDenyKey)
	if hasAllow && hasDeny {
		msg := fmt.Sprintf("%s and %s cannot be set at the same time", namespaceAllowKey, namespaceDenyKey)
		if mode == ModeStrict {
			return ProcessFilter{}, c.fail(ErrMutualExclusion, base, idx, msg)
		}
		c.warn(ErrMutualExclusion, base, idx,
			fmt.Sprintf("both %s and %s are configured, only %s will be enforced", namespaceAllowKey, namespaceDenyKey, namespaceAllowKey))
	}

	filter := ProcessFilter{
		NamespaceAllow: []NamespaceFilterEntry{},
		NamespaceDeny:  []NamespaceFilterEntry{},
	}

	var err error
	if hasAllow {
		if filter.NamespaceAllow, err = buildNamespaceEntries(container, namespaceAllowKey, mode, base, idx, c); err != nil {
			return ProcessFilter{}, err
		}
	}
	if hasDeny {
		if filter.NamespaceDeny, err = buildNamespaceEntries(container, namespaceDenyKey, mode, base, idx, c); err != nil {
			return ProcessFilter{}, err
		}
	}
	return filter, nil
}

func buildNamespaceEntries(container map[string]any, key string, mode ValidationMode, base string, idx int, c *collector) ([]NamespaceFilterEntry, error) {
	listPath := fieldPath(base, key)
	raw, err := schema.ValidList(container, key)
	if err != nil {
		if mode == ModeStrict {
			return nil, c.mandatory(err, listPath, idx)
		}
		c.optional(err, listPath, idx)
		return []NamespaceFilterEntry{}, nil
	}

	entries := make([]NamespaceFilterEntry, 0, len(raw))
	for i, r := range raw {
		entryPath := indexPath(listPath, i)
		obj, ok := schema.AsObject(r)
		if !ok {
			return nil, c.fail(ErrMandatoryField, entryPath, idx, "namespace filter entry is not of type map")
		}

		typ, err := schema.MandatoryString(obj, "NamespaceType")
		if err != nil {
			return nil, c.mandatory(err, fieldPath(entryPath, "NamespaceType"), idx)
		}
		if !IsValidNamespaceType(typ) {
			return nil, c.fail(ErrUnknownNamespaceType, fieldPath(entryPath, "NamespaceType"), idx,
				fmt.Sprintf("param NamespaceType %q is not a valid namespace type", typ))
		}

		values, err := schema.MandatoryStringList(obj, "ValueList")
		if err != nil {
			return nil, c.mandatory(err, fieldPath(entryPath, "ValueList"), idx)
		}

		entries = append(entries, NamespaceFilterEntry{Type: NamespaceType(typ), Values: values})
	}
	return entries, nil
}
