// Package diag models validation findings and reports them to logging
// and alarm sinks.
//
// Policy construction never logs directly. It accumulates Findings while
// parsing and hands them back to the caller together with the result, so
// warnings recorded before a fatal error are still reported even though
// no policy object is produced.
package diag

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Severity distinguishes recoverable findings from fatal ones.
type Severity int

const (
	// SeverityWarning means the field kept its default and parsing continued.
	SeverityWarning Severity = iota
	// SeverityFatal means the enclosing construction was aborted.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Finding is a single validation result. A Finding is also an error that
// unwraps to its Kind.
type Finding struct {
	Severity Severity
	// Kind is the taxonomy sentinel, e.g. security.ErrMandatoryField.
	Kind error
	// Path locates the offending field, e.g. "ProbeConfig[2].FilePathFilter[0].FilePath".
	Path string
	// Rule is the index of the enclosing rule, or -1.
	Rule int
	// Message is the human readable diagnostic.
	Message string
}

func (f Finding) Error() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

func (f Finding) Unwrap() error {
	return f.Kind
}

// KindName returns the label used for the finding's kind.
func (f Finding) KindName() string {
	if f.Kind == nil {
		return "unknown"
	}
	return f.Kind.Error()
}

// Findings is an ordered list of findings, in the order they were found.
type Findings []Finding

// Warnings returns the non-fatal findings.
func (fs Findings) Warnings() Findings {
	return fs.filter(SeverityWarning)
}

// Fatal returns the fatal findings.
func (fs Findings) Fatal() Findings {
	return fs.filter(SeverityFatal)
}

// HasFatal reports whether any finding is fatal.
func (fs Findings) HasFatal() bool {
	for _, f := range fs {
		if f.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// Err returns the fatal findings as a single error, or nil.
func (fs Findings) Err() error {
	var errs *multierror.Error
	for _, f := range fs.Fatal() {
		errs = multierror.Append(errs, f)
	}
	return errs.ErrorOrNil()
}

func (fs Findings) String() string {
	lines := make([]string, 0, len(fs))
	for _, f := range fs {
		lines = append(lines, fmt.Sprintf("[%s] %s", f.Severity, f.Error()))
	}
	return strings.Join(lines, "\n")
}

func (fs Findings) filter(sev Severity) Findings {
	var out Findings
	for _, f := range fs {
		if f.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

// Identity names the configuration a finding belongs to, so that an
// operator can locate the offending document.
type Identity struct {
	Plugin     string `json:"plugin,omitempty"`
	ConfigName string `json:"config_name,omitempty"`
	Project    string `json:"project,omitempty"`
	Logstore   string `json:"logstore,omitempty"`
	Region     string `json:"region,omitempty"`
}
