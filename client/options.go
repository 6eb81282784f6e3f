package client

import (
	"context"
	"io"
	"log/slog"

	"github.com/frobware/go-ebpfpolicy/config"
)

// DefaultSocketPath returns the default Unix socket path for connecting to a daemon.
// This is derived from the default runtime directories.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures client behaviour.
type Option interface {
	applyDial(*dialOptions)
	applyOpen(*openOptions)
}

// dialOptions holds configuration for Dial.
type dialOptions struct {
	logger *slog.Logger
}

// openOptions holds configuration for Open.
type openOptions struct {
	logger *slog.Logger
	path   string
	config config.Config
}

// funcOption implements Option using functions.
type funcOption struct {
	dial func(*dialOptions)
	open func(*openOptions)
}

func (f *funcOption) applyDial(o *dialOptions) {
	if f.dial != nil {
		f.dial(o)
	}
}

func (f *funcOption) applyOpen(o *openOptions) {
	if f.open != nil {
		f.open(o)
	}
}

// WithLogger sets the logger for client operations.
// If not specified, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return &funcOption{
		dial: func(o *dialOptions) { o.logger = l },
		open: func(o *openOptions) { o.logger = l },
	}
}

// WithRuntimeDir sets the base runtime directory for Open.
// If not specified, defaults to /run/ebpfpolicy.
// This option has no effect on Dial.
func WithRuntimeDir(path string) Option {
	return &funcOption{
		open: func(o *openOptions) { o.path = path },
	}
}

// WithConfig sets the daemon configuration for Open. It supplies the
// history bound and the admin config sources.
// This option has no effect on Dial.
func WithConfig(cfg config.Config) Option {
	return &funcOption{
		open: func(o *openOptions) { o.config = cfg },
	}
}

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Dial connects to a daemon at the specified address.
// The address can be:
//   - "host:port" for TCP connections
//   - "unix:///path/to/socket" for Unix socket connections
//   - "/path/to/socket" for Unix socket connections (shorthand)
//
// The returned client must be closed when no longer needed.
func Dial(address string, opts ...Option) (Client, error) {
	o := &dialOptions{
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt.applyDial(o)
	}
	c, err := newRemote(address, o.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Open creates a client working directly on a state directory.
//
// Example:
//
//	// Use defaults (/run/ebpfpolicy, default config)
//	c, err := client.Open(ctx)
//
//	// Use custom runtime directory
//	c, err := client.Open(ctx, client.WithRuntimeDir("/tmp/ebpfpolicy"))
//
// The returned client must be closed when no longer needed.
func Open(ctx context.Context, opts ...Option) (Client, error) {
	o := &openOptions{
		logger: discardLogger(),
		config: config.DefaultConfig(),
	}
	for _, opt := range opts {
		opt.applyOpen(o)
	}

	dirs := config.DefaultRuntimeDirs()
	if o.path != "" {
		var err error
		if dirs, err = config.NewRuntimeDirs(o.path); err != nil {
			return nil, err
		}
	}

	return newEphemeral(ctx, dirs, o.config, o.logger)
}
