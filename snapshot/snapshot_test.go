package snapshot_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/snapshot"
)

func fileOptions(t *testing.T, path string) *security.SecurityOptions {
	t.Helper()
	opts, _, err := security.ParseSecurityOptions(security.FilterTypeFile,
		[]byte(`{"ConfigList":[{"Filter":[{"FilePath":"`+path+`"}]}]}`), security.ModeStrict)
	require.NoError(t, err)
	return opts
}

func TestRegistry_PublishAndRead(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := snapshot.NewRegistry(snapshot.WithClock(func() time.Time { return fixed }))

	assert.Nil(t, r.Policy(security.FilterTypeFile))
	assert.Nil(t, r.Admin())
	assert.Nil(t, r.Policy(security.FilterTypeUnknown))

	id := diag.Identity{Plugin: security.PluginFileSecurity, ConfigName: "p1"}
	p1 := r.Publish(id, security.ModeStrict, fileOptions(t, "/etc"))
	assert.Equal(t, uint64(1), p1.Generation)
	assert.Equal(t, fixed, p1.ActivatedAt)
	assert.Same(t, p1, r.Policy(security.FilterTypeFile))
	assert.Nil(t, r.Policy(security.FilterTypeNetwork))

	p2 := r.Publish(id, security.ModeStrict, fileOptions(t, "/var"))
	assert.Equal(t, uint64(2), p2.Generation)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Same(t, p2, r.Policy(security.FilterTypeFile), "publish replaces wholesale")

	a := r.PublishAdmin(ebpfconfig.Defaults())
	assert.Equal(t, uint64(3), a.Generation)
	assert.Same(t, a, r.Admin())
	assert.Equal(t, uint64(3), r.Generation())

	require.Len(t, r.Policies(), 1)
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := snapshot.NewRegistry()
	opts := []*security.SecurityOptions{fileOptions(t, "/a"), fileOptions(t, "/b")}
	r.Publish(diag.Identity{}, security.ModeStrict, opts[0])

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := r.Policy(security.FilterTypeFile)
				if p == nil || p.Options.Len() != 1 {
					t.Error("reader observed an incomplete snapshot")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		r.Publish(diag.Identity{}, security.ModeStrict, opts[i%2])
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, uint64(201), r.Generation())
}
