package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-ebpfpolicy/config"
	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/server"
	"github.com/frobware/go-ebpfpolicy/server/api"
	"github.com/frobware/go-ebpfpolicy/snapshot"
	"github.com/frobware/go-ebpfpolicy/store"
	"github.com/frobware/go-ebpfpolicy/store/sqlite"
)

// ephemeralClient runs the policy service in-process over an in-memory
// listener and talks to it through the same gRPC path as a remote
// client, so the gRPC handlers stay the canonical implementation.
type ephemeralClient struct {
	*remoteClient

	store      store.Store
	grpcServer *grpc.Server
	wg         sync.WaitGroup
}

// newEphemeral opens the activation history under dirs, restores the
// last accepted policies and starts an in-process server.
func newEphemeral(ctx context.Context, dirs config.RuntimeDirs, cfg config.Config, logger *slog.Logger) (Client, error) {
	if err := dirs.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("setup runtime: %w", err)
	}
	st, err := sqlite.New(ctx, dirs.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	flags, err := cfg.Admin.ParsedFlags()
	if err != nil {
		st.Close()
		return nil, err
	}
	engine, err := server.NewEngine(server.EngineConfig{
		Registry:      snapshot.NewRegistry(),
		Store:         st,
		Sink:          diag.NewLogSink(logger),
		LockPath:      dirs.Lock(),
		HistoryKeep:   cfg.Policy.HistoryKeep,
		Flags:         flags,
		AppConfigPath: cfg.Admin.AppConfig,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if _, err := engine.Restore(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("restore policies: %w", err)
	}

	lis := bufconn.Listen(1 << 20)
	grpcServer := server.New(engine, logger).NewGRPCServer()
	e := &ephemeralClient{store: st, grpcServer: grpcServer}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("ephemeral server failed", "error", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///ephemeral",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		grpcServer.Stop()
		e.wg.Wait()
		st.Close()
		return nil, fmt.Errorf("connect to ephemeral server: %w", err)
	}
	e.remoteClient = &remoteClient{
		client: api.NewPolicyServiceClient(conn),
		conn:   conn,
		logger: logger,
	}
	return e, nil
}

// Close shuts down the ephemeral server and releases all resources.
func (e *ephemeralClient) Close() error {
	e.remoteClient.Close()
	e.grpcServer.GracefulStop()
	e.wg.Wait()
	return e.store.Close()
}
