package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/schema"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReloaderConfig configures a Reloader.
type ReloaderConfig struct {
	// Dir holds the pipeline documents, one per *.json, *.yaml or
	// *.yml file.
	Dir  string
	Mode security.ValidationMode
	// Debounce coalesces bursts of file events into one rescan.
	Debounce time.Duration
	// AppConfigPath, when set, is watched too and triggers an admin
	// config reload when it changes.
	AppConfigPath string
	Logger        *slog.Logger
}

// Reloader activates the security inputs of the pipeline documents in
// a directory and keeps them in step with the files on disk.
//
// A pipeline document looks like
//
//	{"project": "p", "logstore": "l", "region": "r",
//	 "inputs": [{"Type": "input_file_security", "ConfigList": [...]}]}
//
// Inputs whose Type is not a security plugin are ignored. Files are
// scanned in name order and the first input seen for a filter type
// wins. An input that fails to build leaves the previous snapshot for
// its filter type in place.
type Reloader struct {
	engine    *Engine
	dir       string
	mode      security.ValidationMode
	debounce  time.Duration
	appConfig string
	logger    *slog.Logger

	mu sync.Mutex
	// last is the document most recently activated per filter type.
	last   map[security.FilterType]activated
	seeded bool
}

type activated struct {
	source   string
	document []byte
}

// pipelineInput is one security input found in a pipeline document.
type pipelineInput struct {
	filterType security.FilterType
	identity   diag.Identity
	source     string
	document   []byte
	root       any
}

// NewReloader returns a reloader activating through engine.
func NewReloader(engine *Engine, cfg ReloaderConfig) *Reloader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appConfig := cfg.AppConfigPath
	if appConfig != "" {
		appConfig = filepath.Clean(appConfig)
	}
	return &Reloader{
		engine:    engine,
		dir:       filepath.Clean(cfg.Dir),
		mode:      cfg.Mode,
		debounce:  cfg.Debounce,
		appConfig: appConfig,
		logger:    logger.With("component", "reloader", "dir", cfg.Dir),
		last:      make(map[security.FilterType]activated),
	}
}

func isPipelineFile(name string) bool {
	return !strings.HasPrefix(filepath.Base(name), ".") && schema.FormatForPath(name) != ""
}

// Sync scans the directory once and activates every security input
// whose document changed since the last scan. It returns the number of
// activations attempted. Rejected inputs are not errors.
func (r *Reloader) Sync(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seeded {
		if err := r.seed(ctx); err != nil {
			return 0, err
		}
		r.seeded = true
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("read policy dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isPipelineFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[security.FilterType]string)
	attempted := 0
	for _, name := range names {
		path := filepath.Join(r.dir, name)
		inputs, err := r.readPipeline(path)
		if err != nil {
			r.logger.ErrorContext(ctx, "skipping pipeline file", "file", path, "error", err)
			continue
		}
		for _, in := range inputs {
			if first, dup := seen[in.filterType]; dup {
				r.logger.WarnContext(ctx, "duplicate security input ignored",
					"filter_type", in.filterType, "source", in.source, "active_source", first)
				continue
			}
			seen[in.filterType] = in.source

			prev, ok := r.last[in.filterType]
			if ok && prev.source == in.source && bytes.Equal(prev.document, in.document) {
				continue
			}

			out, err := r.engine.Activate(ctx, Request{
				FilterType: in.filterType,
				Mode:       r.mode,
				Identity:   in.identity,
				Source:     in.source,
				Document:   in.document,
				Root:       in.root,
			})
			if err != nil {
				return attempted, err
			}
			attempted++
			// A rejected document is remembered too so that it is not
			// retried until the file changes.
			r.last[in.filterType] = activated{source: in.source, document: in.document}
			if !out.Accepted() {
				r.logger.ErrorContext(ctx, "security input rejected, previous policy kept",
					"filter_type", in.filterType, "source", in.source, "error", out.Err)
			}
		}
	}
	return attempted, nil
}

// seed fills last from the activation history, so that inputs a
// previous process activated from this directory are not activated
// again while their files are unchanged. Activations made under another
// validation mode are ignored.
func (r *Reloader) seed(ctx context.Context) error {
	prefix := r.dir + string(filepath.Separator)
	st := r.engine.Store()
	for _, ft := range []security.FilterType{security.FilterTypeFile, security.FilterTypeProcess, security.FilterTypeNetwork} {
		list, err := st.List(ctx, store.ListOptions{Kind: store.KindPolicy, FilterType: ft})
		if err != nil {
			return fmt.Errorf("seed %s from history: %w", ft, err)
		}
		i := slices.IndexFunc(list, func(a store.Activation) bool {
			return strings.HasPrefix(a.Source, prefix)
		})
		if i < 0 || list[i].Mode != r.mode {
			continue
		}
		a, err := st.Get(ctx, list[i].ID)
		if err != nil {
			return fmt.Errorf("seed %s from history: %w", ft, err)
		}
		r.last[ft] = activated{source: a.Source, document: a.Document}
		r.logger.DebugContext(ctx, "seeded from history", "filter_type", ft, "source", a.Source, "activation", a.ID)
	}
	return nil
}

func (r *Reloader) readPipeline(path string) ([]pipelineInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := schema.ParseFormat(data, schema.FormatForPath(path))
	if err != nil {
		return nil, err
	}
	doc, ok := schema.AsObject(root)
	if !ok {
		return nil, fmt.Errorf("pipeline document is not a map")
	}
	list, err := schema.ValidList(doc, "inputs")
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id := diag.Identity{ConfigName: base}
	for key, dst := range map[string]*string{"project": &id.Project, "logstore": &id.Logstore, "region": &id.Region} {
		if *dst, err = schema.OptionalString(doc, key, ""); err != nil {
			return nil, err
		}
	}

	var inputs []pipelineInput
	for i, v := range list {
		input, ok := schema.AsObject(v)
		if !ok {
			return nil, fmt.Errorf("inputs[%d] is not a map", i)
		}
		plugin, err := schema.MandatoryString(input, "Type")
		if err != nil {
			return nil, fmt.Errorf("inputs[%d]: %w", i, err)
		}
		ft, ok := security.FilterTypeForPlugin(plugin)
		if !ok {
			continue
		}
		text, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("inputs[%d]: %w", i, err)
		}
		inputID := id
		inputID.Plugin = plugin
		inputs = append(inputs, pipelineInput{
			filterType: ft,
			identity:   inputID,
			source:     fmt.Sprintf("%s#inputs[%d]", path, i),
			document:   text,
			root:       input,
		})
	}
	return inputs, nil
}

// Run scans the directory, then watches it and rescans after each
// debounced burst of changes until ctx is done. Changes to the app
// config file trigger an admin config reload.
func (r *Reloader) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", r.dir, err)
	}
	if r.appConfig != "" {
		// Watch the directory, not the file, so that replace-by-rename
		// is seen.
		if appDir := filepath.Dir(r.appConfig); appDir != r.dir {
			if err := watcher.Add(appDir); err != nil {
				r.logger.WarnContext(ctx, "app config directory not watched", "path", appDir, "error", err)
			}
		}
	}

	if _, err := r.Sync(ctx); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "watching policy directory")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var policyDirty, adminDirty bool

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			switch {
			case r.appConfig != "" && filepath.Clean(event.Name) == r.appConfig:
				adminDirty = true
			case filepath.Dir(event.Name) == r.dir && isPipelineFile(event.Name):
				policyDirty = true
			default:
				continue
			}
			r.logger.DebugContext(ctx, "file event", "name", event.Name, "op", event.Op.String())
			timer.Reset(r.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WarnContext(ctx, "watcher error", "error", err)

		case <-timer.C:
			if adminDirty {
				adminDirty = false
				if _, err := r.engine.ReloadAdmin(ctx, nil, ""); err != nil {
					r.logger.ErrorContext(ctx, "admin config reload failed", "error", err)
				}
			}
			if policyDirty {
				policyDirty = false
				if _, err := r.Sync(ctx); err != nil {
					r.logger.ErrorContext(ctx, "policy rescan failed", "error", err)
				}
			}
		}
	}
}
