package server_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-ebpfpolicy/config"
	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/server"
	"github.com/frobware/go-ebpfpolicy/snapshot"
	"github.com/frobware/go-ebpfpolicy/store"
	"github.com/frobware/go-ebpfpolicy/store/sqlite"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set EBPFPOLICY_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("EBPFPOLICY_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	fileDoc = `{"ConfigList":[{"CallName":["security_file_permission"],"Filter":[{"FilePath":"/etc","FileName":"passwd"}]}]}`

	// Strict mode requires Filter.
	badFileDoc = `{"ConfigList":[{"CallName":["security_file_permission"]}]}`

	// Valid; namespace values that are not inode numbers are matched in
	// userspace.
	symbolicProcessDoc = `{"ConfigList":[{"Filter":{"NamespaceFilter":[{"NamespaceType":"Mnt","ValueList":["container-a","4026531841"]}]}}]}`

	// Valid; a host name cannot live in the LPM trie.
	hostnameNetworkDoc = `{"ConfigList":[{"Filter":{"DestAddrList":["db.internal","10.0.0.0/8"]}}]}`

	networkDoc = `{"ConfigList":[{"Filter":{"DestPortList":[443],"DestAddrList":["10.0.0.0/8"]}}]}`
)

// recordingSink collects reported findings.
type recordingSink struct {
	mu       sync.Mutex
	findings []diag.Finding
	ids      []diag.Identity
}

func (s *recordingSink) Report(_ context.Context, id diag.Identity, f diag.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	s.ids = append(s.ids, id)
}

func (s *recordingSink) Findings() diag.Findings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(diag.Findings(nil), s.findings...)
}

// testFixture provides access to all components for verification.
type testFixture struct {
	Engine   *server.Engine
	Registry *snapshot.Registry
	Store    store.Store
	Sink     *recordingSink
	Metrics  *server.Metrics
	Prom     *prometheus.Registry
	Dirs     config.RuntimeDirs
	t        *testing.T
}

// newTestFixture creates an engine over a real in-memory SQLite store
// and a lock file in a temporary directory. mutate adjusts the engine
// config before construction.
func newTestFixture(t *testing.T, mutate ...func(*server.EngineConfig)) *testFixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewInMemory(ctx, testLogger())
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { st.Close() })

	dirs, err := config.NewRuntimeDirs(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dirs.EnsureDirectories())

	prom := prometheus.NewRegistry()
	metrics, err := server.NewMetrics(prom)
	require.NoError(t, err)

	f := &testFixture{
		Registry: snapshot.NewRegistry(),
		Store:    st,
		Sink:     &recordingSink{},
		Metrics:  metrics,
		Prom:     prom,
		Dirs:     dirs,
		t:        t,
	}
	cfg := server.EngineConfig{
		Registry: f.Registry,
		Store:    st,
		Sink:     f.Sink,
		LockPath: dirs.Lock(),
		Metrics:  metrics,
		Logger:   testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.Engine, err = server.NewEngine(cfg)
	require.NoError(t, err)
	return f
}

// Conn starts the gRPC service on an in-memory listener and returns a
// connection to it.
func (f *testFixture) Conn() *grpc.ClientConn {
	f.t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := server.New(f.Engine, testLogger()).NewGRPCServer()
	go gs.Serve(lis)
	f.t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}
