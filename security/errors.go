package security

import (
	"errors"
	"fmt"

	"github.com/frobware/go-ebpfpolicy/diag"
)

var (
	// ErrMandatoryField reports a required field that is absent or has
	// the wrong shape.
	ErrMandatoryField = errors.New("mandatory field")
	// ErrOptionalFieldWrongType reports an optional field that kept its
	// default because its value had the wrong shape.
	ErrOptionalFieldWrongType = errors.New("optional field wrong type")
	// ErrMutualExclusion reports NamespaceFilter and NamespaceBlackFilter
	// configured on the same rule.
	ErrMutualExclusion = errors.New("mutual exclusion")
	// ErrUnknownNamespaceType reports a namespace type outside the fixed set.
	ErrUnknownNamespaceType = errors.New("unknown namespace type")
	// ErrUnknownFilterType reports a filter type other than FILE, PROCESS
	// or NETWORK.
	ErrUnknownFilterType = errors.New("unknown filter type")
	// ErrInvalidPattern reports a FileName that is not a valid glob.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// ValidationError is the fatal finding that aborted a construction.
type ValidationError struct {
	diag.Finding
}

// collector accumulates findings for one construction call.
type collector struct {
	findings diag.Findings
}

func (c *collector) warn(kind error, path string, rule int, msg string) {
	c.findings = append(c.findings, diag.Finding{
		Severity: diag.SeverityWarning,
		Kind:     kind,
		Path:     path,
		Rule:     rule,
		Message:  msg,
	})
}

func (c *collector) fail(kind error, path string, rule int, msg string) error {
	f := diag.Finding{
		Severity: diag.SeverityFatal,
		Kind:     kind,
		Path:     path,
		Rule:     rule,
		Message:  msg,
	}
	c.findings = append(c.findings, f)
	return &ValidationError{Finding: f}
}

// mandatory records a fatal finding for a schema error on a required field.
func (c *collector) mandatory(err error, path string, rule int) error {
	return c.fail(ErrMandatoryField, path, rule, err.Error())
}

// optional records a warning for a schema error on an optional field.
func (c *collector) optional(err error, path string, rule int) {
	c.warn(ErrOptionalFieldWrongType, path, rule, err.Error())
}

func fieldPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func indexPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}
