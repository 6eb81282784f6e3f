// Package ebpfconfig holds the process-wide tunables of the eBPF probes
// and their userspace aggregators.
//
// Every field resolves independently through three layers:
//
//  1. Compiled-in defaults (embedded via go:embed from defaults.toml)
//  2. Process flags (Flags), when set
//  3. The "ebpf" section of an application config document, when loaded
//     with LoadFromJSON
//
// Each load replaces the whole configuration; nothing carries over from
// a previous load.
package ebpfconfig

import (
	_ "embed"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.toml
var defaultsTOML string

// Config is a resolved admin configuration. It is a plain value and safe
// to copy.
type Config struct {
	ReceiveEventChanCap int32              `toml:"receive_event_chan_cap" json:"receive_event_chan_cap"`
	Admin               AdminConfig        `toml:"admin_config" json:"admin_config"`
	Aggregation         AggregationConfig  `toml:"aggregation_config" json:"aggregation_config"`
	Coverage            CoverageConfig     `toml:"converage_config" json:"converage_config"`
	Sample              SampleConfig       `toml:"sample_config" json:"sample_config"`
	SocketProbe         SocketProbeConfig  `toml:"socket_probe_config" json:"socket_probe_config"`
	ProfileProbe        ProfileProbeConfig `toml:"profile_probe_config" json:"profile_probe_config"`
	ProcessProbe        ProcessProbeConfig `toml:"process_probe_config" json:"process_probe_config"`
}

// AdminConfig controls agent-level debugging.
type AdminConfig struct {
	DebugMode   bool   `toml:"debug_mode" json:"debug_mode"`
	LogLevel    string `toml:"log_level" json:"log_level"`
	PushAllSpan bool   `toml:"push_all_span" json:"push_all_span"`
}

// AggregationConfig controls the userspace aggregation window.
type AggregationConfig struct {
	AggWindowSecond int32 `toml:"agg_window_second" json:"agg_window_second"`
}

// CoverageConfig selects the coverage strategy.
type CoverageConfig struct {
	Strategy string `toml:"strategy" json:"strategy"`
}

// SampleConfig selects the span sampling strategy and its rate.
type SampleConfig struct {
	Strategy string  `toml:"strategy" json:"strategy"`
	Rate     float64 `toml:"rate" json:"rate"`
}

// SocketProbeConfig bounds the socket probe.
type SocketProbeConfig struct {
	SlowRequestThresholdMs int32 `toml:"slow_request_threshold_ms" json:"slow_request_threshold_ms"`
	MaxConnTrackers        int32 `toml:"max_conn_trackers" json:"max_conn_trackers"`
	MaxBandWidthMbPerSec   int32 `toml:"max_band_width_mb_per_sec" json:"max_band_width_mb_per_sec"`
	MaxRawRecordPerSec     int32 `toml:"max_raw_record_per_sec" json:"max_raw_record_per_sec"`
}

// ProfileProbeConfig controls the profiling probe.
type ProfileProbeConfig struct {
	ProfileSampleRate     int32 `toml:"profile_sample_rate" json:"profile_sample_rate"`
	ProfileUploadDuration int32 `toml:"profile_upload_duration" json:"profile_upload_duration"`
}

// ProcessProbeConfig controls the process probe.
type ProcessProbeConfig struct {
	EnableOOMDetect bool `toml:"enable_oom_detect" json:"enable_oom_detect"`
}

// Defaults returns the compiled-in defaults from the embedded defaults.toml.
func Defaults() Config {
	var cfg Config
	if _, err := toml.Decode(defaultsTOML, &cfg); err != nil {
		// defaults.toml is embedded at build time; keep a usable baseline
		// should it ever be malformed.
		return builtinDefaults()
	}
	return cfg
}

func builtinDefaults() Config {
	return Config{
		ReceiveEventChanCap: 4096,
		Admin:               AdminConfig{LogLevel: "warn"},
		Aggregation:         AggregationConfig{AggWindowSecond: 15},
		Coverage:            CoverageConfig{Strategy: "combine"},
		Sample:              SampleConfig{Strategy: "fixedRate", Rate: 0.01},
		SocketProbe: SocketProbeConfig{
			SlowRequestThresholdMs: 500,
			MaxConnTrackers:        10000,
			MaxBandWidthMbPerSec:   30,
			MaxRawRecordPerSec:     100000,
		},
		ProfileProbe: ProfileProbeConfig{ProfileSampleRate: 10, ProfileUploadDuration: 10},
	}
}
