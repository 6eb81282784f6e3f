package ebpfconfig_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/schema"
)

func TestDefaults(t *testing.T) {
	want := ebpfconfig.Config{
		ReceiveEventChanCap: 4096,
		Admin:               ebpfconfig.AdminConfig{DebugMode: false, LogLevel: "warn", PushAllSpan: false},
		Aggregation:         ebpfconfig.AggregationConfig{AggWindowSecond: 15},
		Coverage:            ebpfconfig.CoverageConfig{Strategy: "combine"},
		Sample:              ebpfconfig.SampleConfig{Strategy: "fixedRate", Rate: 0.01},
		SocketProbe: ebpfconfig.SocketProbeConfig{
			SlowRequestThresholdMs: 500,
			MaxConnTrackers:        10000,
			MaxBandWidthMbPerSec:   30,
			MaxRawRecordPerSec:     100000,
		},
		ProfileProbe: ebpfconfig.ProfileProbeConfig{ProfileSampleRate: 10, ProfileUploadDuration: 10},
		ProcessProbe: ebpfconfig.ProcessProbeConfig{EnableOOMDetect: false},
	}

	if diff := cmp.Diff(want, ebpfconfig.Defaults()); diff != "" {
		t.Errorf("embedded defaults mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want, ebpfconfig.New(nil).Config())
}

func TestFlags_Set(t *testing.T) {
	flags := ebpfconfig.NewFlags()

	require.NoError(t, flags.Set("ebpf_receive_event_chan_cap", "128"))
	require.NoError(t, flags.Set("ebpf_admin_config_debug_mode", "true"))
	require.NoError(t, flags.Set("ebpf_admin_config_log_level", "debug"))
	require.NoError(t, flags.Set("ebpf_sample_config_config_rate", "0.5"))
	require.NoError(t, flags.Set("ebpf_process_probe_config_enable_oom_detect", "1"))

	err := flags.Set("ebpf_no_such_flag", "1")
	assert.ErrorIs(t, err, ebpfconfig.ErrUnknownFlag)

	err = flags.Set("ebpf_socket_probe_config_max_conn_trackers", "many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ebpf_socket_probe_config_max_conn_trackers")

	err = flags.Set("ebpf_aggregation_config_agg_window_second", "4294967296")
	require.Error(t, err, "int32 overflow")

	v, ok := flags.Lookup("ebpf_admin_config_log_level")
	assert.True(t, ok)
	assert.Equal(t, "debug", v)
	_, ok = flags.Lookup("ebpf_converage_config_strategy")
	assert.False(t, ok)

	cfg := ebpfconfig.New(flags).Config()
	assert.Equal(t, int32(128), cfg.ReceiveEventChanCap)
	assert.True(t, cfg.Admin.DebugMode)
	assert.Equal(t, "debug", cfg.Admin.LogLevel)
	assert.InDelta(t, 0.5, cfg.Sample.Rate, 1e-12)
	assert.True(t, cfg.ProcessProbe.EnableOOMDetect)

	// Unset flags fall through to compiled defaults.
	assert.Equal(t, "fixedRate", cfg.Sample.Strategy)
	assert.Equal(t, int32(10000), cfg.SocketProbe.MaxConnTrackers)
}

func TestFlagNames(t *testing.T) {
	names := ebpfconfig.FlagNames()
	assert.Len(t, names, 15)
	assert.Contains(t, names, "ebpf_socket_probe_config_max_band_width_mb_per_sec")
	assert.IsIncreasing(t, names)
}

func TestFlags_SetAll(t *testing.T) {
	flags := ebpfconfig.NewFlags()
	require.NoError(t, flags.SetAll(map[string]string{
		"ebpf_converage_config_strategy":                "single",
		"ebpf_profile_probe_config_profile_sample_rate": "99",
	}))
	cfg := ebpfconfig.New(flags).Config()
	assert.Equal(t, "single", cfg.Coverage.Strategy)
	assert.Equal(t, int32(99), cfg.ProfileProbe.ProfileSampleRate)

	assert.Error(t, flags.SetAll(map[string]string{"bogus": "x"}))
}

func TestLoadFromJSON_SampleConfigExample(t *testing.T) {
	a := ebpfconfig.New(nil)
	err := a.LoadFromJSONBytes([]byte(`{"ebpf":{"sample_config":{"strategy":"fixedRate","config":{"rate":0.05}}}}`))
	require.NoError(t, err)

	want := ebpfconfig.Defaults()
	want.Sample = ebpfconfig.SampleConfig{Strategy: "fixedRate", Rate: 0.05}
	assert.Equal(t, want, a.Config())
}

func TestLoadFromJSON_MissingEBPFSection(t *testing.T) {
	flags := ebpfconfig.NewFlags()
	require.NoError(t, flags.Set("ebpf_aggregation_config_agg_window_second", "30"))

	for _, doc := range []string{`{}`, `{"ebpf":[]}`, `{"other":{"ebpf":{}}}`, `[]`} {
		t.Run(doc, func(t *testing.T) {
			a := ebpfconfig.New(flags)
			require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"aggregation_config":{"agg_window_second":5}}}`)))
			require.Equal(t, int32(5), a.Config().Aggregation.AggWindowSecond)

			err := a.LoadFromJSONBytes([]byte(doc))
			assert.ErrorIs(t, err, ebpfconfig.ErrNoEBPFSection)

			want := ebpfconfig.Defaults()
			want.Aggregation.AggWindowSecond = 30
			assert.Equal(t, want, a.Config(), "every group resets to its flag-sourced value")
		})
	}
}

func TestLoadFromJSON_FullOverlay(t *testing.T) {
	doc := `{"ebpf":{
		"receive_event_chan_cap": 1024,
		"admin_config": {"debug_mode": true, "log_level": "info", "push_all_span": true},
		"aggregation_config": {"agg_window_second": 10},
		"converage_config": {"strategy": "single"},
		"sample_config": {"strategy": "adaptive", "config": {"rate": 1}},
		"socket_probe_config": {"slow_request_threshold_ms": 100, "max_conn_trackers": 5, "max_band_width_mb_per_sec": 7, "max_raw_record_per_sec": 9},
		"profile_probe_config": {"profile_sample_rate": 20, "profile_upload_duration": 30},
		"process_probe_config": {"enable_oom_detect": true}
	}}`

	a := ebpfconfig.New(nil)
	require.NoError(t, a.LoadFromJSONBytes([]byte(doc)))

	want := ebpfconfig.Config{
		ReceiveEventChanCap: 1024,
		Admin:               ebpfconfig.AdminConfig{DebugMode: true, LogLevel: "info", PushAllSpan: true},
		Aggregation:         ebpfconfig.AggregationConfig{AggWindowSecond: 10},
		Coverage:            ebpfconfig.CoverageConfig{Strategy: "single"},
		Sample:              ebpfconfig.SampleConfig{Strategy: "adaptive", Rate: 1},
		SocketProbe:         ebpfconfig.SocketProbeConfig{SlowRequestThresholdMs: 100, MaxConnTrackers: 5, MaxBandWidthMbPerSec: 7, MaxRawRecordPerSec: 9},
		ProfileProbe:        ebpfconfig.ProfileProbeConfig{ProfileSampleRate: 20, ProfileUploadDuration: 30},
		ProcessProbe:        ebpfconfig.ProcessProbeConfig{EnableOOMDetect: true},
	}
	if diff := cmp.Diff(want, a.Config()); diff != "" {
		t.Errorf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadFromJSON_JSONOverridesFlags(t *testing.T) {
	flags := ebpfconfig.NewFlags()
	require.NoError(t, flags.Set("ebpf_admin_config_log_level", "debug"))
	require.NoError(t, flags.Set("ebpf_socket_probe_config_max_conn_trackers", "42"))

	a := ebpfconfig.New(flags)
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"admin_config":{"log_level":"error"}}}`)))

	cfg := a.Config()
	assert.Equal(t, "error", cfg.Admin.LogLevel, "json beats flag")
	assert.Equal(t, int32(42), cfg.SocketProbe.MaxConnTrackers, "flag beats compiled default")
	assert.Equal(t, int32(15), cfg.Aggregation.AggWindowSecond, "compiled default")
}

func TestLoadFromJSON_StartsFromFlagLayerNotCompiledDefaults(t *testing.T) {
	flags := ebpfconfig.NewFlags()
	require.NoError(t, flags.Set("ebpf_admin_config_log_level", "debug"))
	require.NoError(t, flags.Set("ebpf_receive_event_chan_cap", "64"))
	a := ebpfconfig.New(flags)

	// Given a document that overlays another field of the same group.
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"admin_config":{"debug_mode":true}}}`)))

	// Then the flagged fields keep their flag values, not the compiled
	// defaults.
	want := ebpfconfig.Defaults()
	want.ReceiveEventChanCap = 64
	want.Admin.LogLevel = "debug"
	want.Admin.DebugMode = true
	assert.Equal(t, want, a.Config())
}

func TestLoadFromJSON_MalformedFieldSkipsRestOfGroup(t *testing.T) {
	doc := `{"ebpf":{
		"socket_probe_config": {"slow_request_threshold_ms": 1, "max_conn_trackers": "lots", "max_band_width_mb_per_sec": 2, "max_raw_record_per_sec": 3},
		"profile_probe_config": {"profile_sample_rate": 1.5, "profile_upload_duration": 60},
		"process_probe_config": {"enable_oom_detect": true}
	}}`

	a := ebpfconfig.New(nil)
	err := a.LoadFromJSONBytes([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket_probe_config.max_conn_trackers")
	assert.Contains(t, err.Error(), "profile_probe_config.profile_sample_rate")
	assert.ErrorIs(t, err, schema.ErrWrongType)

	cfg := a.Config()
	def := ebpfconfig.Defaults()

	assert.Equal(t, int32(1), cfg.SocketProbe.SlowRequestThresholdMs, "fields before the bad one apply")
	assert.Equal(t, def.SocketProbe.MaxConnTrackers, cfg.SocketProbe.MaxConnTrackers)
	assert.Equal(t, def.SocketProbe.MaxBandWidthMbPerSec, cfg.SocketProbe.MaxBandWidthMbPerSec, "fields after the bad one are skipped")
	assert.Equal(t, def.SocketProbe.MaxRawRecordPerSec, cfg.SocketProbe.MaxRawRecordPerSec)

	assert.Equal(t, def.ProfileProbe, cfg.ProfileProbe)
	assert.True(t, cfg.ProcessProbe.EnableOOMDetect, "later groups still load")
}

func TestLoadFromJSON_GroupNotAMapStopsLoad(t *testing.T) {
	doc := `{"ebpf":{
		"admin_config": {"log_level": "info"},
		"aggregation_config": {"agg_window_second": 60},
		"converage_config": "single",
		"sample_config": {"strategy": "never"},
		"process_probe_config": {"enable_oom_detect": true}
	}}`

	a := ebpfconfig.New(nil)
	err := a.LoadFromJSONBytes([]byte(doc))
	require.ErrorIs(t, err, ebpfconfig.ErrGroupNotMap)
	assert.Contains(t, err.Error(), "converage_config")

	cfg := a.Config()
	def := ebpfconfig.Defaults()
	assert.Equal(t, "info", cfg.Admin.LogLevel, "earlier groups are retained")
	assert.Equal(t, int32(60), cfg.Aggregation.AggWindowSecond)
	assert.Equal(t, def.Coverage, cfg.Coverage)
	assert.Equal(t, def.Sample, cfg.Sample, "later groups are skipped")
	assert.Equal(t, def.ProcessProbe, cfg.ProcessProbe)
}

func TestLoadFromJSON_SampleNestedConfigNotAMap(t *testing.T) {
	a := ebpfconfig.New(nil)
	err := a.LoadFromJSONBytes([]byte(`{"ebpf":{
		"sample_config": {"strategy": "adaptive", "config": 0.5},
		"process_probe_config": {"enable_oom_detect": true}
	}}`))
	require.ErrorIs(t, err, ebpfconfig.ErrGroupNotMap)
	assert.Contains(t, err.Error(), "sample_config.config")

	cfg := a.Config()
	assert.Equal(t, "adaptive", cfg.Sample.Strategy)
	assert.InDelta(t, 0.01, cfg.Sample.Rate, 1e-12)
	assert.True(t, cfg.ProcessProbe.EnableOOMDetect, "nested shape errors only skip their group")
}

func TestLoadFromJSON_MalformedChanCapStopsLoad(t *testing.T) {
	flags := ebpfconfig.NewFlags()
	require.NoError(t, flags.Set("ebpf_admin_config_log_level", "debug"))
	a := ebpfconfig.New(flags)
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"receive_event_chan_cap":8}}`)))

	err := a.LoadFromJSONBytes([]byte(`{"ebpf":{"receive_event_chan_cap":"big","admin_config":{"debug_mode":true}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receive_event_chan_cap")

	want := ebpfconfig.Defaults()
	want.Admin.LogLevel = "debug"
	assert.Equal(t, want, a.Config(), "no group is read after a malformed chan cap")
}

func TestLoadFromJSON_Idempotent(t *testing.T) {
	doc := []byte(`{"ebpf":{"admin_config":{"push_all_span":true},"socket_probe_config":{"max_conn_trackers":"x"}}}`)

	a := ebpfconfig.New(nil)
	errA := a.LoadFromJSONBytes(doc)
	b := ebpfconfig.New(nil)
	errB := b.LoadFromJSONBytes(doc)

	assert.Equal(t, a.Config(), b.Config())
	require.Error(t, errA)
	require.Error(t, errB)
	assert.Equal(t, errA.Error(), errB.Error())

	// Loading again into the same instance gives the same result.
	require.Error(t, a.LoadFromJSONBytes(doc))
	assert.Equal(t, b.Config(), a.Config())
}

func TestLoadFromJSON_EachLoadReplacesEverything(t *testing.T) {
	a := ebpfconfig.New(nil)
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"converage_config":{"strategy":"single"}}}`)))
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"process_probe_config":{"enable_oom_detect":true}}}`)))

	cfg := a.Config()
	assert.Equal(t, "combine", cfg.Coverage.Strategy, "no carry-over from the previous load")
	assert.True(t, cfg.ProcessProbe.EnableOOMDetect)

	a.LoadFromFlags()
	assert.Equal(t, ebpfconfig.Defaults(), a.Config())
}

func TestLoadFromJSONBytes_InvalidJSON(t *testing.T) {
	a := ebpfconfig.New(nil)
	require.NoError(t, a.LoadFromJSONBytes([]byte(`{"ebpf":{"converage_config":{"strategy":"single"}}}`)))

	require.Error(t, a.LoadFromJSONBytes([]byte(`{"ebpf":`)))
	assert.Equal(t, ebpfconfig.Defaults(), a.Config())
}

func TestLoadFromJSON_YAMLDocument(t *testing.T) {
	root, err := schema.ParseYAML([]byte(`
ebpf:
  aggregation_config:
    agg_window_second: 45
  sample_config:
    config:
      rate: 0.2
`))
	require.NoError(t, err)

	a := ebpfconfig.New(nil)
	require.NoError(t, a.LoadFromJSON(root))
	assert.Equal(t, int32(45), a.Config().Aggregation.AggWindowSecond)
	assert.InDelta(t, 0.2, a.Config().Sample.Rate, 1e-12)
	assert.Equal(t, "fixedRate", a.Config().Sample.Strategy)
}
