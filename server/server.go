// Package server implements the ebpfpolicy daemon: the policy engine,
// its gRPC service and the policy directory reloader.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frobware/go-ebpfpolicy/config"
	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/snapshot"
	"github.com/frobware/go-ebpfpolicy/store/sqlite"
)

// RunConfig configures the daemon.
type RunConfig struct {
	Dirs         config.RuntimeDirs
	TCPAddress   string // Optional TCP address (e.g., ":50051") for remote access
	PprofAddress string // Optional address for pprof HTTP server (e.g., "localhost:2026")
	Logger       *slog.Logger
	Config       config.Config
}

// Run starts the daemon and blocks until ctx is cancelled or a listener
// fails.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	dbPath := dirs.DBPath()
	st, err := sqlite.New(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	alarms, err := diag.NewAlarmSink(reg)
	if err != nil {
		return err
	}
	metrics, err := NewMetrics(reg)
	if err != nil {
		return err
	}

	flags, err := cfg.Config.Admin.ParsedFlags()
	if err != nil {
		return err
	}

	engine, err := NewEngine(EngineConfig{
		Registry:      snapshot.NewRegistry(),
		Store:         st,
		Sink:          diag.MultiSink{diag.NewLogSink(logger), alarms},
		LockPath:      dirs.Lock(),
		HistoryKeep:   cfg.Config.Policy.HistoryKeep,
		Flags:         flags,
		AppConfigPath: cfg.Config.Admin.AppConfig,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// Republish the last accepted policies before the directory is
	// scanned, so a broken file at startup does not leave a gap.
	n, err := engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore policies: %w", err)
	}
	logger.Info("restored policies from history", "count", n)

	if _, err := engine.ReloadAdmin(ctx, nil, ""); err != nil {
		return fmt.Errorf("load admin config: %w", err)
	}

	if cfg.PprofAddress != "" {
		if err := serveHTTP(ctx, logger, "pprof", cfg.PprofAddress, http.DefaultServeMux); err != nil {
			return err
		}
	} else {
		logger.Info("pprof HTTP server disabled")
	}

	if addr := cfg.Config.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		if err := serveHTTP(ctx, logger, "metrics", addr, mux); err != nil {
			return err
		}
	}

	errChan := make(chan error, 1)
	if dir := cfg.Config.Policy.Dir; dir != "" {
		reloader := NewReloader(engine, ReloaderConfig{
			Dir:           dir,
			Mode:          cfg.Config.Policy.Mode,
			Debounce:      cfg.Config.Policy.Debounce(),
			AppConfigPath: cfg.Config.Admin.AppConfig,
			Logger:        logger,
		})
		go func() {
			if err := reloader.Run(ctx); err != nil {
				errChan <- fmt.Errorf("policy reloader: %w", err)
			}
		}()
	} else {
		logger.Info("policy directory reloader disabled")
	}

	srv := New(engine, logger)
	return srv.serve(ctx, dirs.SocketPath(), cfg.TCPAddress, errChan)
}

func serveHTTP(ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", name, addr, err)
	}
	hs := &http.Server{Handler: handler}
	logger.Info(name+" HTTP server listening", "address", ln.Addr().String())
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" HTTP server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	return nil
}

// serve starts the gRPC server on the given socket path and optionally
// on TCP. Errors sent on errChan by background workers stop it.
func (s *Server) serve(ctx context.Context, socketPath, tcpAddr string, errChan chan error) error {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := s.NewGRPCServer()

	serveErr := make(chan error, 2)
	go func() {
		s.logger.InfoContext(ctx, "ebpfpolicy gRPC server listening", "socket", socketPath)
		if err := grpcServer.Serve(unixListener); err != nil {
			serveErr <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}

		go func() {
			s.logger.InfoContext(ctx, "ebpfpolicy gRPC server listening", "tcp", tcpAddr)
			if err := grpcServer.Serve(tcpListener); err != nil {
				serveErr <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down gRPC server")
		grpcServer.GracefulStop()
		return nil
	case err := <-serveErr:
		grpcServer.Stop()
		return err
	case err := <-errChan:
		grpcServer.Stop()
		return err
	}
}
