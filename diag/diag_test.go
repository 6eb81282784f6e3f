package diag_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/diag"
)

var errKind = errors.New("mandatory field")

func sampleFindings() diag.Findings {
	return diag.Findings{
		{Severity: diag.SeverityWarning, Kind: errors.New("optional field"), Path: "ProbeConfig[0].CallName", Rule: 0, Message: "param CallName is not of type list of string"},
		{Severity: diag.SeverityFatal, Kind: errKind, Path: "ProbeConfig[1].FilePathFilter[0].FilePath", Rule: 1, Message: "mandatory string param FilePath is missing"},
	}
}

func TestFindings_Partition(t *testing.T) {
	fs := sampleFindings()

	assert.Len(t, fs.Warnings(), 1)
	assert.Len(t, fs.Fatal(), 1)
	assert.True(t, fs.HasFatal())
	assert.False(t, fs.Warnings().HasFatal())
}

func TestFindings_Err(t *testing.T) {
	assert.NoError(t, sampleFindings().Warnings().Err())

	err := sampleFindings().Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, errKind)
	assert.Contains(t, err.Error(), "ProbeConfig[1].FilePathFilter[0].FilePath")
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := diag.NewLogSink(logger)

	id := diag.Identity{Plugin: "input_file_security", ConfigName: "pipeline-a", Project: "p", Logstore: "ls", Region: "r"}
	diag.Emit(context.Background(), sink, id, sampleFindings())

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "config=pipeline-a")
	assert.Contains(t, out, "plugin=input_file_security")
	assert.Contains(t, out, "rule=1")
}

func TestAlarmSink_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := diag.NewAlarmSink(reg)
	require.NoError(t, err)

	id := diag.Identity{Plugin: "input_file_security"}
	diag.Emit(context.Background(), sink, id, sampleFindings())
	diag.Emit(context.Background(), sink, id, sampleFindings())

	fatal := sink.Collector().WithLabelValues("fatal", "mandatory field", "input_file_security")
	assert.Equal(t, 2.0, testutil.ToFloat64(fatal))

	_, err = diag.NewAlarmSink(reg)
	require.Error(t, err, "second registration must collide")
}

func TestMultiSink_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	sink := diag.MultiSink{
		diag.NewLogSink(slog.New(slog.NewTextHandler(&a, nil))),
		nil,
		diag.NewLogSink(slog.New(slog.NewTextHandler(&b, nil))),
	}

	diag.Emit(context.Background(), sink, diag.Identity{}, sampleFindings())
	assert.NotEmpty(t, a.String())
	assert.NotEmpty(t, b.String())
}

func TestEmit_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		diag.Emit(context.Background(), nil, diag.Identity{}, sampleFindings())
	})
}
