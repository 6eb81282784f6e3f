package server_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server"
	"github.com/frobware/go-ebpfpolicy/store"
)

const pipelineFile = `{
  "project": "proj",
  "logstore": "sec",
  "region": "eu-west-1",
  "inputs": [
    {"Type": "input_file_security", "ConfigList": [{"CallName": ["security_file_permission"], "Filter": [{"FilePath": "/etc"}]}]},
    {"Type": "input_ebpf_observer"},
    {"Type": "input_network_security", "ConfigList": [{"Filter": {"DestPortList": [22]}}]}
  ]
}`

const pipelineYAML = `
inputs:
  - Type: input_process_security
    ConfigList:
      - Filter:
          NamespaceBlackFilter:
            - NamespaceType: Pid
              ValueList: ["4026531836"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newReloader(t *testing.T, f *testFixture, dir string) *server.Reloader {
	t.Helper()
	return server.NewReloader(f.Engine, server.ReloaderConfig{
		Dir:      dir,
		Mode:     security.ModeStrict,
		Debounce: 20 * time.Millisecond,
		Logger:   testLogger(),
	})
}

func TestReloaderSync_ActivatesSecurityInputs(t *testing.T) {
	// Given a directory with a JSON and a YAML pipeline document.
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "10-main.json", pipelineFile)
	writeFile(t, dir, "20-proc.yaml", pipelineYAML)
	writeFile(t, dir, "README.txt", "not a pipeline")
	writeFile(t, dir, ".hidden.json", "{")
	r := newReloader(t, f, dir)

	// When the directory is scanned.
	n, err := r.Sync(context.Background())
	require.NoError(t, err)

	// Then every security input is active.
	assert.Equal(t, 3, n)
	file := f.Registry.Policy(security.FilterTypeFile)
	require.NotNil(t, file)
	assert.Equal(t, "input_file_security", file.Identity.Plugin)
	assert.Equal(t, "10-main", file.Identity.ConfigName)
	assert.Equal(t, "proj", file.Identity.Project)
	assert.Equal(t, "sec", file.Identity.Logstore)
	assert.Equal(t, "eu-west-1", file.Identity.Region)

	assert.NotNil(t, f.Registry.Policy(security.FilterTypeNetwork))
	proc := f.Registry.Policy(security.FilterTypeProcess)
	require.NotNil(t, proc)
	assert.Equal(t, "20-proc", proc.Identity.ConfigName)

	// And the history names the input each came from.
	list, err := f.Store.List(context.Background(), store.ListOptions{FilterType: security.FilterTypeFile})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, filepath.Join(dir, "10-main.json")+"#inputs[0]", list[0].Source)
}

func TestReloaderSync_UnchangedInputsAreNotReactivated(t *testing.T) {
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "main.json", pipelineFile)
	r := newReloader(t, f, dir)
	ctx := context.Background()

	n, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	gen := f.Registry.Generation()

	n, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, gen, f.Registry.Generation())
}

func TestReloaderSync_RestartDoesNotReactivateUnchangedInputs(t *testing.T) {
	// Given inputs activated by an earlier reloader.
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "main.json", pipelineFile)
	ctx := context.Background()
	n, err := newReloader(t, f, dir).Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// When the daemon restarts: policies are restored and a new
	// reloader scans the same files.
	restarted := newTestFixture(t, func(cfg *server.EngineConfig) { cfg.Store = f.Store })
	_, err = restarted.Engine.Restore(ctx)
	require.NoError(t, err)
	gen := restarted.Registry.Generation()
	r := newReloader(t, restarted, dir)
	n, err = r.Sync(ctx)
	require.NoError(t, err)

	// Then nothing is activated again.
	assert.Zero(t, n)
	assert.Equal(t, gen, restarted.Registry.Generation())
	list, err := f.Store.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// And a changed file is still picked up.
	writeFile(t, dir, "main.json", `{"inputs":[{"Type":"input_network_security","ConfigList":[{"Filter":{"DestPortList":[8443]}}]}]}`)
	n, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint16{8443}, restarted.Registry.Policy(security.FilterTypeNetwork).Options.At(0).Network().DestPorts)
}

func TestReloaderSync_ModeChangeReactivatesInputs(t *testing.T) {
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "main.json", pipelineFile)
	ctx := context.Background()
	_, err := newReloader(t, f, dir).Sync(ctx)
	require.NoError(t, err)

	lenient := server.NewReloader(f.Engine, server.ReloaderConfig{
		Dir:    dir,
		Mode:   security.ModeLenient,
		Logger: testLogger(),
	})
	n, err := lenient.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReloaderSync_FailingInputKeepsPreviousPolicy(t *testing.T) {
	// Given an active FILE policy from the directory.
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "main.json", pipelineFile)
	r := newReloader(t, f, dir)
	ctx := context.Background()
	_, err := r.Sync(ctx)
	require.NoError(t, err)
	before := f.Registry.Policy(security.FilterTypeFile)

	// When the file input loses its mandatory Filter.
	writeFile(t, dir, "main.json", `{"inputs":[{"Type":"input_file_security","ConfigList":[{"CallName":[]}]}]}`)
	n, err := r.Sync(ctx)
	require.NoError(t, err)

	// Then the attempt is recorded but the previous policy stays.
	assert.Equal(t, 1, n)
	assert.Same(t, before, f.Registry.Policy(security.FilterTypeFile))
	list, err := f.Store.List(ctx, store.ListOptions{FilterType: security.FilterTypeFile, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Accepted)

	// And the same broken document is not retried.
	n, err = r.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReloaderSync_BadFilesAreSkipped(t *testing.T) {
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.json", "{")
	writeFile(t, dir, "b.json", `{"inputs":{}}`)
	writeFile(t, dir, "c.json", `{"inputs":[{"NoType":1}]}`)
	writeFile(t, dir, "d.json", `{"inputs":[{"Type":"input_network_security","ConfigList":[{"Filter":{}}]}]}`)
	r := newReloader(t, f, dir)

	n, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, f.Registry.Policy(security.FilterTypeNetwork))
}

func TestReloaderSync_FirstInputPerFilterTypeWins(t *testing.T) {
	f := newTestFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"inputs":[{"Type":"input_network_security","ConfigList":[{"Filter":{"DestPortList":[1]}}]}]}`)
	writeFile(t, dir, "b.json", `{"inputs":[{"Type":"input_network_security","ConfigList":[{"Filter":{"DestPortList":[2]}}]}]}`)
	r := newReloader(t, f, dir)

	n, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p := f.Registry.Policy(security.FilterTypeNetwork)
	require.NotNil(t, p)
	assert.Equal(t, "a", p.Identity.ConfigName)
	assert.Equal(t, []uint16{1}, p.Options.At(0).Network().DestPorts)
}

func TestReloaderSync_MissingDirectory(t *testing.T) {
	f := newTestFixture(t)
	r := newReloader(t, f, filepath.Join(t.TempDir(), "absent"))
	_, err := r.Sync(context.Background())
	assert.Error(t, err)
}

func TestReloaderRun_PicksUpChanges(t *testing.T) {
	// Given a running reloader over an empty directory with an app
	// config file alongside.
	f := newTestFixture(t)
	dir := t.TempDir()
	appConfig := writeFile(t, t.TempDir(), "app.json", `{"ebpf":{"receive_event_chan_cap":1}}`)
	r := server.NewReloader(f.Engine, server.ReloaderConfig{
		Dir:           dir,
		Mode:          security.ModeStrict,
		Debounce:      20 * time.Millisecond,
		AppConfigPath: appConfig,
		Logger:        testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// When a pipeline document appears.
	writeFile(t, dir, "main.json", pipelineFile)

	// Then its inputs become active.
	assert.Eventually(t, func() bool {
		return f.Registry.Policy(security.FilterTypeFile) != nil &&
			f.Registry.Policy(security.FilterTypeNetwork) != nil
	}, 5*time.Second, 10*time.Millisecond)

	// When the app config changes.
	writeFile(t, filepath.Dir(appConfig), "app.json", `{"ebpf":{"receive_event_chan_cap":2}}`)

	// Then the admin config is reloaded.
	assert.Eventually(t, func() bool {
		a := f.Registry.Admin()
		return a != nil && a.Config.ReceiveEventChanCap == 2
	}, 5*time.Second, 10*time.Millisecond)
}
