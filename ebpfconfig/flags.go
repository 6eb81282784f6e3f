package ebpfconfig

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownFlag is returned by Flags.Set for a name that is not an
// admin flag.
var ErrUnknownFlag = errors.New("unknown admin flag")

type flagDef struct {
	kind  string
	parse func(raw string) (func(*Config), error)
}

func int32Flag(field func(*Config) *int32) flagDef {
	return flagDef{kind: "int32", parse: func(raw string) (func(*Config), error) {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return nil, err
		}
		return func(c *Config) { *field(c) = int32(v) }, nil
	}}
}

func boolFlag(field func(*Config) *bool) flagDef {
	return flagDef{kind: "bool", parse: func(raw string) (func(*Config), error) {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		return func(c *Config) { *field(c) = v }, nil
	}}
}

func stringFlag(field func(*Config) *string) flagDef {
	return flagDef{kind: "string", parse: func(raw string) (func(*Config), error) {
		return func(c *Config) { *field(c) = raw }, nil
	}}
}

func float64Flag(field func(*Config) *float64) flagDef {
	return flagDef{kind: "double", parse: func(raw string) (func(*Config), error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, err
		}
		return func(c *Config) { *field(c) = v }, nil
	}}
}

var flagDefs = map[string]flagDef{
	"ebpf_receive_event_chan_cap":                        int32Flag(func(c *Config) *int32 { return &c.ReceiveEventChanCap }),
	"ebpf_admin_config_debug_mode":                       boolFlag(func(c *Config) *bool { return &c.Admin.DebugMode }),
	"ebpf_admin_config_log_level":                        stringFlag(func(c *Config) *string { return &c.Admin.LogLevel }),
	"ebpf_admin_config_push_all_span":                    boolFlag(func(c *Config) *bool { return &c.Admin.PushAllSpan }),
	"ebpf_aggregation_config_agg_window_second":          int32Flag(func(c *Config) *int32 { return &c.Aggregation.AggWindowSecond }),
	"ebpf_converage_config_strategy":                     stringFlag(func(c *Config) *string { return &c.Coverage.Strategy }),
	"ebpf_sample_config_strategy":                        stringFlag(func(c *Config) *string { return &c.Sample.Strategy }),
	"ebpf_sample_config_config_rate":                     float64Flag(func(c *Config) *float64 { return &c.Sample.Rate }),
	"ebpf_socket_probe_config_slow_request_threshold_ms": int32Flag(func(c *Config) *int32 { return &c.SocketProbe.SlowRequestThresholdMs }),
	"ebpf_socket_probe_config_max_conn_trackers":         int32Flag(func(c *Config) *int32 { return &c.SocketProbe.MaxConnTrackers }),
	"ebpf_socket_probe_config_max_band_width_mb_per_sec": int32Flag(func(c *Config) *int32 { return &c.SocketProbe.MaxBandWidthMbPerSec }),
	"ebpf_socket_probe_config_max_raw_record_per_sec":    int32Flag(func(c *Config) *int32 { return &c.SocketProbe.MaxRawRecordPerSec }),
	"ebpf_profile_probe_config_profile_sample_rate":      int32Flag(func(c *Config) *int32 { return &c.ProfileProbe.ProfileSampleRate }),
	"ebpf_profile_probe_config_profile_upload_duration":  int32Flag(func(c *Config) *int32 { return &c.ProfileProbe.ProfileUploadDuration }),
	"ebpf_process_probe_config_enable_oom_detect":        boolFlag(func(c *Config) *bool { return &c.ProcessProbe.EnableOOMDetect }),
}

// FlagNames returns every admin flag name in sorted order.
func FlagNames() []string {
	names := make([]string, 0, len(flagDefs))
	for name := range flagDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flags is the process flag layer. Only flags that were explicitly set
// override the compiled-in defaults. The zero value has no flags set.
type Flags struct {
	set map[string]func(*Config)
	raw map[string]string
}

// NewFlags returns an empty flag layer.
func NewFlags() *Flags {
	return &Flags{}
}

// Set parses value according to the flag's type and records it. Setting
// a flag twice keeps the last value.
func (f *Flags) Set(name, value string) error {
	def, ok := flagDefs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	apply, err := def.parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q for flag %s: %w", def.kind, value, name, err)
	}
	if f.set == nil {
		f.set = make(map[string]func(*Config))
		f.raw = make(map[string]string)
	}
	f.set[name] = apply
	f.raw[name] = value
	return nil
}

// SetAll sets every flag in values, in name order, stopping at the first
// error.
func (f *Flags) SetAll(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := f.Set(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the raw value of a flag and whether it was set.
func (f *Flags) Lookup(name string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.raw[name]
	return v, ok
}

// Apply overlays every set flag onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f == nil {
		return
	}
	for _, name := range FlagNames() {
		if apply, ok := f.set[name]; ok {
			apply(cfg)
		}
	}
}
