package ebpfconfig

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/frobware/go-ebpfpolicy/schema"
)

var (
	// ErrNoEBPFSection is returned when the application config document
	// has no "ebpf" map.
	ErrNoEBPFSection = errors.New("ebpf is not included in the app config")
	// ErrGroupNotMap is returned when a config group is present but is
	// not a map. Loading stops at that group.
	ErrGroupNotMap = errors.New("config group is not a map")
)

// EBPFAdminConfig resolves the admin configuration. It performs no
// locking: callers serialise loads with respect to each other and to
// Config.
type EBPFAdminConfig struct {
	flags    *Flags
	defaults Config
	cfg      Config
}

// New returns an admin config resolved from the compiled-in defaults and
// flags. flags may be nil.
func New(flags *Flags) *EBPFAdminConfig {
	a := &EBPFAdminConfig{flags: flags, defaults: Defaults()}
	a.cfg = a.base()
	return a
}

// Config returns the current configuration.
func (a *EBPFAdminConfig) Config() Config {
	return a.cfg
}

func (a *EBPFAdminConfig) base() Config {
	cfg := a.defaults
	a.flags.Apply(&cfg)
	return cfg
}

// LoadFromFlags replaces the configuration with compiled-in defaults
// overlaid with process flags.
func (a *EBPFAdminConfig) LoadFromFlags() {
	a.cfg = a.base()
}

// LoadFromJSONBytes parses data and calls LoadFromJSON. A document that
// does not parse leaves the flag-sourced configuration in place.
func (a *EBPFAdminConfig) LoadFromJSONBytes(data []byte) error {
	a.cfg = a.base()
	root, err := schema.Parse(data)
	if err != nil {
		return err
	}
	return a.LoadFromJSON(root)
}

// LoadFromJSON replaces the configuration with the flag-sourced one
// overlaid with the "ebpf" section of root. Every field resolves to the
// JSON value, else its flag, else its compiled-in default; a field that
// no process flag sets therefore starts from the compiled-in default.
//
// A missing "ebpf" section leaves every field at its flag-sourced value.
// A malformed receive_event_chan_cap stops the load before any group is
// read. Groups are read in a fixed order. A group that is present but
// not a map stops the load; groups read before it keep their overlaid
// values. A malformed field keeps its previous value and skips the rest
// of its group. All problems are returned together.
func (a *EBPFAdminConfig) LoadFromJSON(root any) error {
	cfg := a.base()
	defer func() { a.cfg = cfg }()

	obj, ok := schema.AsObject(root)
	if !ok {
		return fmt.Errorf("%w: document is not a map", ErrNoEBPFSection)
	}
	ebpf, err := schema.ValidMap(obj, "ebpf")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoEBPFSection, err)
	}

	v, err := schema.OptionalInt32(ebpf, "receive_event_chan_cap", cfg.ReceiveEventChanCap)
	if err != nil {
		return fmt.Errorf("load receive_event_chan_cap: %w", err)
	}
	cfg.ReceiveEventChanCap = v

	var errs *multierror.Error

	for _, g := range groups {
		raw, present := ebpf[g.key]
		if !present {
			continue
		}
		m, ok := schema.AsObject(raw)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", g.key, ErrGroupNotMap))
			return errs.ErrorOrNil()
		}
		r := &groupReader{group: g.key, m: m}
		g.load(r, &cfg)
		if r.err != nil {
			errs = multierror.Append(errs, r.err)
		}
	}

	return errs.ErrorOrNil()
}

var groups = []struct {
	key  string
	load func(*groupReader, *Config)
}{
	{"admin_config", func(r *groupReader, c *Config) {
		r.optBool("debug_mode", &c.Admin.DebugMode)
		r.optString("log_level", &c.Admin.LogLevel)
		r.optBool("push_all_span", &c.Admin.PushAllSpan)
	}},
	{"aggregation_config", func(r *groupReader, c *Config) {
		r.optInt32("agg_window_second", &c.Aggregation.AggWindowSecond)
	}},
	{"converage_config", func(r *groupReader, c *Config) {
		r.optString("strategy", &c.Coverage.Strategy)
	}},
	{"sample_config", func(r *groupReader, c *Config) {
		r.optString("strategy", &c.Sample.Strategy)
		if sub := r.object("config"); sub != nil {
			sub.optFloat64("rate", &c.Sample.Rate)
			r.err = sub.err
		}
	}},
	{"socket_probe_config", func(r *groupReader, c *Config) {
		r.optInt32("slow_request_threshold_ms", &c.SocketProbe.SlowRequestThresholdMs)
		r.optInt32("max_conn_trackers", &c.SocketProbe.MaxConnTrackers)
		r.optInt32("max_band_width_mb_per_sec", &c.SocketProbe.MaxBandWidthMbPerSec)
		r.optInt32("max_raw_record_per_sec", &c.SocketProbe.MaxRawRecordPerSec)
	}},
	{"profile_probe_config", func(r *groupReader, c *Config) {
		r.optInt32("profile_sample_rate", &c.ProfileProbe.ProfileSampleRate)
		r.optInt32("profile_upload_duration", &c.ProfileProbe.ProfileUploadDuration)
	}},
	{"process_probe_config", func(r *groupReader, c *Config) {
		r.optBool("enable_oom_detect", &c.ProcessProbe.EnableOOMDetect)
	}},
}

// groupReader reads optional fields of one group until the first error.
type groupReader struct {
	group string
	m     map[string]any
	err   error
}

func (r *groupReader) fail(key string, err error) {
	r.err = fmt.Errorf("load %s.%s: %w", r.group, key, err)
}

func (r *groupReader) optBool(key string, dst *bool) {
	if r.err != nil {
		return
	}
	v, err := schema.OptionalBool(r.m, key, *dst)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = v
}

func (r *groupReader) optString(key string, dst *string) {
	if r.err != nil {
		return
	}
	v, err := schema.OptionalString(r.m, key, *dst)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = v
}

func (r *groupReader) optInt32(key string, dst *int32) {
	if r.err != nil {
		return
	}
	v, err := schema.OptionalInt32(r.m, key, *dst)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = v
}

func (r *groupReader) optFloat64(key string, dst *float64) {
	if r.err != nil {
		return
	}
	v, err := schema.OptionalFloat64(r.m, key, *dst)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = v
}

// object returns a reader for a nested optional map, or nil when the key
// is absent or an earlier field failed. A nested value that is not a map
// fails this group.
func (r *groupReader) object(key string) *groupReader {
	if r.err != nil {
		return nil
	}
	raw, ok := r.m[key]
	if !ok {
		return nil
	}
	m, ok := schema.AsObject(raw)
	if !ok {
		r.fail(key, ErrGroupNotMap)
		return nil
	}
	return &groupReader{group: r.group + "." + key, m: m}
}
