// Package snapshot publishes immutable policy and admin configuration
// snapshots to concurrent readers.
//
// Readers call Policy or Admin and get the most recently published
// snapshot without locking. Writers replace a snapshot wholesale with a
// single pointer swap, so a reader observes either the previous snapshot
// or the new one, never a partially built one.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/security"
)

// Policy is a published rule set.
type Policy struct {
	ID          uuid.UUID
	Generation  uint64
	Identity    diag.Identity
	Mode        security.ValidationMode
	Options     *security.SecurityOptions
	ActivatedAt time.Time
}

// Admin is a published admin configuration.
type Admin struct {
	Generation  uint64
	Config      ebpfconfig.Config
	ActivatedAt time.Time
}

// Registry holds the current snapshot per filter type plus the current
// admin configuration. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu         sync.Mutex
	generation uint64
	now        func() time.Time

	file    atomic.Pointer[Policy]
	process atomic.Pointer[Policy]
	network atomic.Pointer[Policy]
	admin   atomic.Pointer[Admin]
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for ActivatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) slot(ft security.FilterType) *atomic.Pointer[Policy] {
	switch ft {
	case security.FilterTypeFile:
		return &r.file
	case security.FilterTypeProcess:
		return &r.process
	case security.FilterTypeNetwork:
		return &r.network
	default:
		return nil
	}
}

// Publish makes opts the current rule set for its filter type and returns
// the published snapshot. opts must not be nil.
func (r *Registry) Publish(id diag.Identity, mode security.ValidationMode, opts *security.SecurityOptions) *Policy {
	slot := r.slot(opts.FilterType())
	if slot == nil {
		// SecurityOptions can only be built for a valid filter type.
		panic("snapshot: publish of options with unknown filter type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	p := &Policy{
		ID:          uuid.New(),
		Generation:  r.generation,
		Identity:    id,
		Mode:        mode,
		Options:     opts,
		ActivatedAt: r.now(),
	}
	slot.Store(p)
	return p
}

// PublishAdmin makes cfg the current admin configuration.
func (r *Registry) PublishAdmin(cfg ebpfconfig.Config) *Admin {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	a := &Admin{Generation: r.generation, Config: cfg, ActivatedAt: r.now()}
	r.admin.Store(a)
	return a
}

// Policy returns the current rule set for ft, or nil if none has been
// published.
func (r *Registry) Policy(ft security.FilterType) *Policy {
	slot := r.slot(ft)
	if slot == nil {
		return nil
	}
	return slot.Load()
}

// Admin returns the current admin configuration, or nil if none has been
// published.
func (r *Registry) Admin() *Admin {
	return r.admin.Load()
}

// Policies returns the current rule sets in filter type order, skipping
// types with nothing published.
func (r *Registry) Policies() []*Policy {
	var out []*Policy
	for _, ft := range []security.FilterType{security.FilterTypeFile, security.FilterTypeProcess, security.FilterTypeNetwork} {
		if p := r.Policy(ft); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Generation returns the number of snapshots published so far.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}
