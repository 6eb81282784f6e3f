package security

import (
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/frobware/go-ebpfpolicy/schema"
)

// FileFilterItem selects files under Path whose base name matches
// NamePattern. An empty NamePattern matches any name.
type FileFilterItem struct {
	Path        string `json:"FilePath"`
	NamePattern string `json:"FileName,omitempty"`

	matcher glob.Glob
}

// NewFileFilterItem builds an item and compiles its name pattern. An
// invalid pattern is compared literally.
func NewFileFilterItem(p, namePattern string) FileFilterItem {
	item := FileFilterItem{Path: p, NamePattern: namePattern}
	if namePattern != "" {
		if g, err := glob.Compile(namePattern); err == nil {
			item.matcher = g
		}
	}
	return item
}

// Match reports whether the file at p is selected by this item.
func (i FileFilterItem) Match(p string) bool {
	if !underPath(i.Path, p) {
		return false
	}
	if i.NamePattern == "" {
		return true
	}
	name := path.Base(p)
	if i.matcher != nil {
		return i.matcher.Match(name)
	}
	return name == i.NamePattern
}

func underPath(root, p string) bool {
	if root == p {
		return true
	}
	root = strings.TrimSuffix(root, "/")
	return strings.HasPrefix(p, root+"/")
}

// FileFilter is an ordered list of file items. Duplicates are kept.
type FileFilter struct {
	Items []FileFilterItem
}

func (FileFilter) isFilter() {}

// Type returns FilterTypeFile.
func (FileFilter) Type() FilterType { return FilterTypeFile }

// Match reports whether any item selects p. An empty filter matches
// every path.
func (f FileFilter) Match(p string) bool {
	if len(f.Items) == 0 {
		return true
	}
	for _, item := range f.Items {
		if item.Match(p) {
			return true
		}
	}
	return false
}

func (f FileFilter) clone() Filter {
	return FileFilter{Items: slices.Clone(f.Items)}
}

func (f FileFilter) equal(other Filter) bool {
	o, ok := other.(FileFilter)
	if !ok || len(f.Items) != len(o.Items) {
		return false
	}
	for i := range f.Items {
		if f.Items[i].Path != o.Items[i].Path || f.Items[i].NamePattern != o.Items[i].NamePattern {
			return false
		}
	}
	return true
}

// buildFileFilter reads the file filter of one rule. In strict mode the
// item list lives under "Filter" and must be a list. In lenient mode it
// lives under "FilePathFilter" and a missing or malformed list yields an
// empty filter with a warning.
func buildFileFilter(rule map[string]any, mode ValidationMode, rulePath string, idx int, c *collector) (FileFilter, error) {
	key := "Filter"
	if mode == ModeLenient {
		key = "FilePathFilter"
	}
	listPath := fieldPath(rulePath, key)

	items, err := schema.ValidList(rule, key)
	if err != nil {
		if mode == ModeStrict {
			return FileFilter{}, c.mandatory(err, listPath, idx)
		}
		c.optional(err, listPath, idx)
		return FileFilter{Items: []FileFilterItem{}}, nil
	}

	filter := FileFilter{Items: make([]FileFilterItem, 0, len(items))}
	for i, raw := range items {
		itemPath := indexPath(listPath, i)
		obj, ok := schema.AsObject(raw)
		if !ok {
			return FileFilter{}, c.fail(ErrMandatoryField, itemPath, idx, "file filter item is not of type map")
		}

		p, err := schema.MandatoryString(obj, "FilePath")
		if err != nil {
			return FileFilter{}, c.mandatory(err, fieldPath(itemPath, "FilePath"), idx)
		}
		if p == "" {
			return FileFilter{}, c.fail(ErrMandatoryField, fieldPath(itemPath, "FilePath"), idx, "mandatory string param FilePath is empty")
		}

		name, err := schema.OptionalString(obj, "FileName", "")
		if err != nil {
			c.optional(err, fieldPath(itemPath, "FileName"), idx)
		}
		if name != "" {
			if _, err := glob.Compile(name); err != nil {
				c.warn(ErrInvalidPattern, fieldPath(itemPath, "FileName"), idx,
					"param FileName is not a valid pattern, matching it literally: "+err.Error())
			}
		}

		filter.Items = append(filter.Items, NewFileFilterItem(p, name))
	}
	return filter, nil
}
