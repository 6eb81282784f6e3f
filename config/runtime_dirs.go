package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRuntimeBase is the production runtime root.
const DefaultRuntimeBase = "/run/ebpfpolicy"

// RuntimeDirs holds the daemon's runtime paths:
//
//	{base}/        - runtime root
//	{base}/.lock   - writer lock
//	{base}/db/     - activation history database
//	{base}-sock/   - gRPC socket directory
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
type RuntimeDirs struct {
	base string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeBase.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at base. The socket
// directory is {base}-sock so that it can be volume mounted on its own.
//
// Returns an error if base is empty or not an absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)

	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path.
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Sock returns the gRPC socket directory path.
func (d RuntimeDirs) Sock() string { return d.sock }

// Lock returns the writer lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// SocketPath returns the full path to the gRPC socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "ebpfpolicy.sock")
}

// DBPath returns the full path to the activation history database.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "history.db")
}

// EnsureDirectories creates the runtime root, database and socket
// directories. Call this at startup to fail fast on permission issues.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
