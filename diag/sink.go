package diag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives findings.
type Sink interface {
	Report(ctx context.Context, id Identity, f Finding)
}

// Emit reports every finding to sink in order. A nil sink discards.
func Emit(ctx context.Context, sink Sink, id Identity, findings Findings) {
	if sink == nil {
		return
	}
	for _, f := range findings {
		sink.Report(ctx, id, f)
	}
}

// LogSink writes findings as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "diag")}
}

// Report logs warnings at WARN and fatal findings at ERROR.
func (s *LogSink) Report(ctx context.Context, id Identity, f Finding) {
	level := slog.LevelWarn
	if f.Severity == SeverityFatal {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, f.Message,
		"kind", f.KindName(),
		"path", f.Path,
		"rule", f.Rule,
		"plugin", id.Plugin,
		"config", id.ConfigName,
		"project", id.Project,
		"logstore", id.Logstore,
		"region", id.Region,
	)
}

// AlarmSink counts findings as Prometheus alarms.
type AlarmSink struct {
	alarms *prometheus.CounterVec
}

// NewAlarmSink registers the alarm counter with reg.
func NewAlarmSink(reg prometheus.Registerer) (*AlarmSink, error) {
	alarms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ebpfpolicy",
		Name:      "config_alarms_total",
		Help:      "Configuration findings raised while validating security options.",
	}, []string{"severity", "kind", "plugin"})

	if reg != nil {
		if err := reg.Register(alarms); err != nil {
			return nil, fmt.Errorf("register alarm counter: %w", err)
		}
	}
	return &AlarmSink{alarms: alarms}, nil
}

// Report increments the alarm counter for f.
func (s *AlarmSink) Report(_ context.Context, id Identity, f Finding) {
	s.alarms.WithLabelValues(f.Severity.String(), f.KindName(), id.Plugin).Inc()
}

// Collector exposes the underlying counter, mainly for tests.
func (s *AlarmSink) Collector() *prometheus.CounterVec {
	return s.alarms
}

// MultiSink fans a finding out to several sinks.
type MultiSink []Sink

// Report forwards f to every non-nil sink.
func (m MultiSink) Report(ctx context.Context, id Identity, f Finding) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, id, f)
		}
	}
}
