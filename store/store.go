// Package store defines the activation history: an audit record of every
// policy and admin configuration load the daemon attempted, accepted or
// not.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/security"
)

// ErrNotFound is returned when a requested activation does not exist.
var ErrNotFound = errors.New("not found")

// Kind distinguishes policy activations from admin config reloads.
type Kind string

const (
	KindPolicy Kind = "policy"
	KindAdmin  Kind = "admin"
)

// FindingRecord is the persisted form of a diag.Finding. The Kind
// sentinel is stored by name.
type FindingRecord struct {
	Severity string `json:"severity"`
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	Rule     int    `json:"rule"`
	Message  string `json:"message"`
}

// RecordFindings converts findings to their persisted form.
func RecordFindings(fs diag.Findings) []FindingRecord {
	out := make([]FindingRecord, 0, len(fs))
	for _, f := range fs {
		out = append(out, FindingRecord{
			Severity: f.Severity.String(),
			Kind:     f.KindName(),
			Path:     f.Path,
			Rule:     f.Rule,
			Message:  f.Message,
		})
	}
	return out
}

// Activation is one attempted load.
type Activation struct {
	ID   uuid.UUID `json:"id"`
	Kind Kind      `json:"kind"`
	// FilterType is FilterTypeUnknown for admin activations.
	FilterType security.FilterType     `json:"filter_type,omitempty"`
	Mode       security.ValidationMode `json:"mode"`
	Identity   diag.Identity           `json:"identity"`
	// Source names where the document came from: a file path or "grpc".
	Source   string          `json:"source"`
	Document []byte          `json:"-"`
	Findings []FindingRecord `json:"findings"`
	Accepted bool            `json:"accepted"`
	Error    string          `json:"error,omitempty"`
	// Generation is the snapshot generation published on acceptance,
	// or 0.
	Generation uint64    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the record before it is persisted.
func (a Activation) Validate() error {
	if a.ID == uuid.Nil {
		return errors.New("activation has no id")
	}
	switch a.Kind {
	case KindPolicy:
		if !a.FilterType.Valid() {
			return fmt.Errorf("policy activation has invalid filter type %d", int(a.FilterType))
		}
	case KindAdmin:
	default:
		return fmt.Errorf("invalid activation kind %q", a.Kind)
	}
	if a.Accepted && a.Error != "" {
		return errors.New("accepted activation carries an error")
	}
	return nil
}

// ListOptions filters List results. Zero values mean no filter.
type ListOptions struct {
	Kind         Kind
	FilterType   security.FilterType
	AcceptedOnly bool
	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// Store persists activations.
type Store interface {
	// Record persists a new activation.
	Record(ctx context.Context, a Activation) error
	// Get returns ErrNotFound if the activation does not exist.
	Get(ctx context.Context, id uuid.UUID) (Activation, error)
	// List returns activations newest first.
	List(ctx context.Context, opts ListOptions) ([]Activation, error)
	// Latest returns the newest accepted policy activation for ft, or
	// ErrNotFound.
	Latest(ctx context.Context, ft security.FilterType) (Activation, error)
	// Prune deletes all but the newest keep activations and returns the
	// number deleted.
	Prune(ctx context.Context, keep int) (int64, error)
	// RunInTransaction runs fn against a transaction-bound store. A nil
	// return commits.
	RunInTransaction(ctx context.Context, fn func(Store) error) error
	Close() error
}
