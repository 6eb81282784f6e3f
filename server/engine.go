package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/frobware/go-ebpfpolicy/bpfmap"
	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/lock"
	"github.com/frobware/go-ebpfpolicy/schema"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/snapshot"
	"github.com/frobware/go-ebpfpolicy/store"
)

// SourceGRPC labels activations submitted over the gRPC API.
const SourceGRPC = "grpc"

// Request is a policy document to validate or activate.
type Request struct {
	FilterType security.FilterType
	Mode       security.ValidationMode
	Identity   diag.Identity
	// Source names where the document came from.
	Source string
	// Document is the raw text, kept in the activation history.
	Document []byte
	// Root is the parsed document.
	Root any
}

// ParseRequest parses data in the given format ("" detects) into a
// Request.
func ParseRequest(ft security.FilterType, mode security.ValidationMode, data []byte, format string) (Request, error) {
	root, err := schema.ParseFormat(data, format)
	if err != nil {
		return Request{}, err
	}
	return Request{FilterType: ft, Mode: mode, Document: data, Root: root}, nil
}

// Outcome is the result of validating or activating a Request.
type Outcome struct {
	Options   *security.SecurityOptions
	Findings  diag.Findings
	Rendering *bpfmap.Rendering
	// Err is why the document was rejected, or nil.
	Err error
	// Policy is the published snapshot; nil unless activated.
	Policy       *snapshot.Policy
	ActivationID uuid.UUID
}

// Accepted reports whether the document passed validation and
// rendering.
func (o Outcome) Accepted() bool {
	return o.Err == nil
}

// AdminOutcome is the result of an admin config reload.
type AdminOutcome struct {
	Admin *snapshot.Admin
	// Problems are the load errors. The configuration is published
	// regardless.
	Problems     []error
	ActivationID uuid.UUID
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Registry *snapshot.Registry
	Store    store.Store
	// Sink receives policy findings. Nil discards them.
	Sink     diag.Sink
	LockPath string
	// HistoryKeep bounds the activation history; 0 keeps everything.
	HistoryKeep int
	// Flags is the process-flag layer of the admin config. May be nil.
	Flags *ebpfconfig.Flags
	// AppConfigPath is reread by ReloadAdmin when no document is given.
	AppConfigPath string
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Engine validates, publishes and records policy and admin config
// activations. Writers are serialised by the flock at LockPath.
type Engine struct {
	registry      *snapshot.Registry
	store         store.Store
	sink          diag.Sink
	lockPath      string
	historyKeep   int
	appConfigPath string
	metrics       *Metrics
	logger        *slog.Logger

	adminMu sync.Mutex
	admin   *ebpfconfig.EBPFAdminConfig
}

// NewEngine returns an engine. Registry, Store and LockPath are
// required.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.LockPath == "" {
		return nil, errors.New("engine requires a registry, a store and a lock path")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:      cfg.Registry,
		store:         cfg.Store,
		sink:          cfg.Sink,
		lockPath:      cfg.LockPath,
		historyKeep:   cfg.HistoryKeep,
		appConfigPath: cfg.AppConfigPath,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "engine"),
		admin:         ebpfconfig.New(cfg.Flags),
	}, nil
}

// Registry returns the snapshot registry the engine publishes to.
func (e *Engine) Registry() *snapshot.Registry {
	return e.registry
}

// Store returns the activation history.
func (e *Engine) Store() store.Store {
	return e.store
}

func evaluate(req Request) Outcome {
	opts, findings, err := security.NewSecurityOptions(req.FilterType, req.Root, req.Mode)
	out := Outcome{Findings: findings}
	if err != nil {
		out.Err = err
		return out
	}
	r, err := bpfmap.Render(opts)
	if err != nil {
		f := diag.Finding{Severity: diag.SeverityFatal, Kind: bpfmap.ErrUnrenderable, Rule: -1, Message: err.Error()}
		out.Findings = append(out.Findings, f)
		out.Err = f
		return out
	}
	for _, d := range r.Deferred {
		out.Findings = append(out.Findings, diag.Finding{
			Severity: diag.SeverityWarning,
			Kind:     bpfmap.ErrUnrenderable,
			Path:     d.Field,
			Rule:     d.Rule,
			Message:  d.Err.Error() + ", matched in userspace",
		})
	}
	out.Options = opts
	out.Rendering = r
	return out
}

// Validate builds and renders req without publishing or recording it.
func (e *Engine) Validate(_ context.Context, req Request) Outcome {
	return evaluate(req)
}

// Activate validates req and, if it passes, publishes it as the current
// policy for its filter type. Every attempt is recorded. A rejected
// document is reported through Outcome.Err; the returned error is for
// lock and history failures only. If recording fails after a publish,
// the policy stays published.
func (e *Engine) Activate(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	err := lock.Run(ctx, e.lockPath, func(ctx context.Context, _ lock.WriterScope) error {
		start := time.Now()
		out = evaluate(req)
		diag.Emit(ctx, e.sink, req.Identity, out.Findings)

		if out.Accepted() {
			out.Policy = e.registry.Publish(req.Identity, req.Mode, out.Options)
			e.metrics.published(req.FilterType, out.Policy.Generation, out.Options.Len(), out.Rendering.Entries())
		}
		e.metrics.policyActivation(req.FilterType, out.Accepted())

		a := store.Activation{
			ID:         uuid.New(),
			Kind:       store.KindPolicy,
			FilterType: req.FilterType,
			Mode:       req.Mode,
			Identity:   req.Identity,
			Source:     req.Source,
			Document:   req.Document,
			Findings:   store.RecordFindings(out.Findings),
			Accepted:   out.Accepted(),
			CreatedAt:  time.Now(),
		}
		if out.Policy != nil {
			a.Generation = out.Policy.Generation
		} else {
			a.Error = out.Err.Error()
		}
		out.ActivationID = a.ID

		if err := e.record(ctx, a); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "policy activation",
			"filter_type", req.FilterType,
			"source", req.Source,
			"accepted", a.Accepted,
			"generation", a.Generation,
			"warnings", len(out.Findings.Warnings()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	})
	return out, err
}

func (e *Engine) record(ctx context.Context, a store.Activation) error {
	return e.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.Record(ctx, a); err != nil {
			return fmt.Errorf("record activation %s: %w", a.ID, err)
		}
		if e.historyKeep > 0 {
			n, err := tx.Prune(ctx, e.historyKeep)
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			if n > 0 {
				e.logger.DebugContext(ctx, "pruned activation history", "deleted", n, "keep", e.historyKeep)
			}
		}
		return nil
	})
}

// ReloadAdmin reloads the admin configuration and publishes it. A
// non-empty doc is used as the application config document. Otherwise
// the configured app config file is reread, or, when there is none, the
// flag-sourced configuration is used. Load problems are logged and
// returned, but never prevent the publish.
func (e *Engine) ReloadAdmin(ctx context.Context, doc []byte, format string) (AdminOutcome, error) {
	var out AdminOutcome
	err := lock.Run(ctx, e.lockPath, func(ctx context.Context, _ lock.WriterScope) error {
		e.adminMu.Lock()
		defer e.adminMu.Unlock()

		source := SourceGRPC
		if len(doc) == 0 && e.appConfigPath != "" {
			source = e.appConfigPath
			data, err := os.ReadFile(e.appConfigPath)
			if err != nil {
				out.Problems = append(out.Problems, fmt.Errorf("read app config: %w", err))
			} else {
				doc = data
				format = schema.FormatForPath(e.appConfigPath)
			}
		}

		if len(doc) == 0 && source == SourceGRPC {
			source = "flags"
		}
		out.Problems = append(out.Problems, e.loadAdmin(doc, format)...)

		for _, p := range out.Problems {
			e.logger.WarnContext(ctx, "admin config load problem", "source", source, "error", p)
		}

		out.Admin = e.registry.PublishAdmin(e.admin.Config())
		e.metrics.adminPublished(out.Admin.Generation)
		e.metrics.adminActivation()

		a := store.Activation{
			ID:         uuid.New(),
			Kind:       store.KindAdmin,
			Source:     source,
			Document:   doc,
			Findings:   problemRecords(out.Problems),
			Accepted:   true,
			Generation: out.Admin.Generation,
			CreatedAt:  time.Now(),
		}
		out.ActivationID = a.ID
		if err := e.record(ctx, a); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "admin config activation",
			"source", source,
			"generation", out.Admin.Generation,
			"problems", len(out.Problems),
		)
		return nil
	})
	return out, err
}

// loadAdmin resolves the admin configuration from doc, or from the flag
// layer alone when doc is empty or does not parse.
func (e *Engine) loadAdmin(doc []byte, format string) []error {
	if len(doc) == 0 {
		e.admin.LoadFromFlags()
		return nil
	}
	root, err := schema.ParseFormat(doc, format)
	if err != nil {
		e.admin.LoadFromFlags()
		return []error{err}
	}
	if err := e.admin.LoadFromJSON(root); err != nil {
		return flatten(err)
	}
	return nil
}

func flatten(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}

func problemRecords(problems []error) []store.FindingRecord {
	out := make([]store.FindingRecord, 0, len(problems))
	for _, p := range problems {
		kind := "admin_config"
		switch {
		case errors.Is(p, ebpfconfig.ErrNoEBPFSection):
			kind = "no_ebpf_section"
		case errors.Is(p, ebpfconfig.ErrGroupNotMap):
			kind = "group_not_map"
		}
		out = append(out, store.FindingRecord{
			Severity: diag.SeverityWarning.String(),
			Kind:     kind,
			Rule:     -1,
			Message:  p.Error(),
		})
	}
	return out
}

// Restore republishes the newest accepted policy of each filter type
// from the activation history, then the newest admin configuration. A
// record that no longer builds is logged and skipped. It returns the
// number of policies restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	restored := 0
	err := lock.Run(ctx, e.lockPath, func(ctx context.Context, _ lock.WriterScope) error {
		for _, ft := range []security.FilterType{security.FilterTypeFile, security.FilterTypeProcess, security.FilterTypeNetwork} {
			a, err := e.store.Latest(ctx, ft)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("latest %s activation: %w", ft, err)
			}

			req, err := ParseRequest(ft, a.Mode, a.Document, "")
			if err != nil {
				e.logger.ErrorContext(ctx, "stored policy does not parse", "filter_type", ft, "activation", a.ID, "error", err)
				continue
			}
			out := evaluate(req)
			if !out.Accepted() {
				e.logger.ErrorContext(ctx, "stored policy no longer builds", "filter_type", ft, "activation", a.ID, "error", out.Err)
				continue
			}
			p := e.registry.Publish(a.Identity, a.Mode, out.Options)
			e.metrics.published(ft, p.Generation, out.Options.Len(), out.Rendering.Entries())
			e.logger.InfoContext(ctx, "restored policy", "filter_type", ft, "activation", a.ID, "generation", p.Generation)
			restored++
		}
		return e.restoreAdmin(ctx)
	})
	return restored, err
}

// restoreAdmin republishes the admin configuration recorded by the
// newest admin activation, resolved against the current flag layer.
func (e *Engine) restoreAdmin(ctx context.Context) error {
	list, err := e.store.List(ctx, store.ListOptions{Kind: store.KindAdmin, Limit: 1})
	if err != nil {
		return fmt.Errorf("latest admin activation: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	a, err := e.store.Get(ctx, list[0].ID)
	if err != nil {
		return fmt.Errorf("admin activation %s: %w", list[0].ID, err)
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	for _, p := range e.loadAdmin(a.Document, "") {
		e.logger.WarnContext(ctx, "restored admin config problem", "activation", a.ID, "error", p)
	}
	admin := e.registry.PublishAdmin(e.admin.Config())
	e.metrics.adminPublished(admin.Generation)
	e.logger.InfoContext(ctx, "restored admin config", "activation", a.ID, "generation", admin.Generation)
	return nil
}
