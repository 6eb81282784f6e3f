package security

import (
	"fmt"
	"strings"
)

// FilterType selects the filter variant carried by every option of a
// SecurityOptions collection.
type FilterType int

const (
	// FilterTypeUnknown is the zero value and is rejected by construction.
	FilterTypeUnknown FilterType = iota
	FilterTypeFile
	FilterTypeProcess
	FilterTypeNetwork
)

func (t FilterType) String() string {
	switch t {
	case FilterTypeFile:
		return "FILE"
	case FilterTypeProcess:
		return "PROCESS"
	case FilterTypeNetwork:
		return "NETWORK"
	default:
		return fmt.Sprintf("FilterType(%d)", int(t))
	}
}

// Valid reports whether t is one of the three known filter types.
func (t FilterType) Valid() bool {
	switch t {
	case FilterTypeFile, FilterTypeProcess, FilterTypeNetwork:
		return true
	default:
		return false
	}
}

// ParseFilterType parses "file", "process" or "network", ignoring case.
func ParseFilterType(s string) (FilterType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FILE":
		return FilterTypeFile, nil
	case "PROCESS":
		return FilterTypeProcess, nil
	case "NETWORK":
		return FilterTypeNetwork, nil
	default:
		return FilterTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownFilterType, s)
	}
}

func (t FilterType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFilterType, int(t))
	}
	return []byte(t.String()), nil
}

func (t *FilterType) UnmarshalText(text []byte) error {
	v, err := ParseFilterType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Input plugin names used by pipeline documents.
const (
	PluginFileSecurity    = "input_file_security"
	PluginProcessSecurity = "input_process_security"
	PluginNetworkSecurity = "input_network_security"
)

// FilterTypeForPlugin maps a pipeline input plugin name to the filter
// type it consumes.
func FilterTypeForPlugin(name string) (FilterType, bool) {
	switch name {
	case PluginFileSecurity:
		return FilterTypeFile, true
	case PluginProcessSecurity:
		return FilterTypeProcess, true
	case PluginNetworkSecurity:
		return FilterTypeNetwork, true
	default:
		return FilterTypeUnknown, false
	}
}

// PluginForFilterType is the inverse of FilterTypeForPlugin.
func PluginForFilterType(t FilterType) string {
	switch t {
	case FilterTypeFile:
		return PluginFileSecurity
	case FilterTypeProcess:
		return PluginProcessSecurity
	case FilterTypeNetwork:
		return PluginNetworkSecurity
	default:
		return ""
	}
}

// ValidationMode selects how a document is laid out and how strictly
// conflicting process filters are treated.
//
// ModeStrict validates an individual pipeline security option: the rule
// list lives under "ConfigList" and each rule carries its variant under
// "Filter". Every shape error is fatal, including NamespaceFilter and
// NamespaceBlackFilter configured together.
//
// ModeLenient validates a top-level multi-rule probe configuration: the
// rule list lives under "ProbeConfig", file rules use "FilePathFilter",
// network rules use "AddrFilter" and process rules carry the namespace
// filters directly. Shape errors on those containers are warnings, and a
// rule with both namespace filters is accepted with a warning.
type ValidationMode int

const (
	ModeStrict ValidationMode = iota
	ModeLenient
)

func (m ValidationMode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeLenient:
		return "lenient"
	default:
		return fmt.Sprintf("ValidationMode(%d)", int(m))
	}
}

// RuleListKey is the top-level key holding the rule list in mode m.
func (m ValidationMode) RuleListKey() string {
	if m == ModeLenient {
		return "ProbeConfig"
	}
	return "ConfigList"
}

// ParseValidationMode parses "strict" or "lenient", ignoring case.
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return ModeStrict, nil
	case "lenient":
		return ModeLenient, nil
	default:
		return ModeStrict, fmt.Errorf("unknown validation mode %q (want strict or lenient)", s)
	}
}

func (m ValidationMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ValidationMode) UnmarshalText(text []byte) error {
	v, err := ParseValidationMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
