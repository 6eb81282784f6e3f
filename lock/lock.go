// Package lock provides a cross-process writer lock using flock(2). It
// serialises everything that publishes a policy snapshot or appends to
// the activation history: the daemon's gRPC handlers, the policy
// directory reloader, and offline CLI activations against the same
// state directory.
//
// Mutating operations take a WriterScope, which can only be obtained
// by running under Run. Holding the token is proof that the lock is held.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryRun when another holder has the lock.
var ErrLocked = errors.New("writer lock is held by another process")

// WriterScope represents the dynamic region in which the writer lock
// is held. It cannot be implemented outside this package.
type WriterScope interface {
	// Path is the lock file path.
	Path() string

	// AcquiredAt is when the lock was taken.
	AcquiredAt() time.Time

	writerScopeMarker()
}

type writerScope struct {
	f          *os.File
	acquiredAt time.Time
}

func (*writerScope) writerScopeMarker() {}

func (s *writerScope) Path() string {
	return s.f.Name()
}

func (s *writerScope) AcquiredAt() time.Time {
	return s.acquiredAt
}

// Run acquires the writer lock, executes fn, then releases. It polls
// with LOCK_EX|LOCK_NB and exponential backoff until ctx is done.
func Run(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := acquireWriter(ctx, lockPath, true)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f, acquiredAt: time.Now()})
}

// TryRun is Run without waiting: it returns ErrLocked if the lock is
// already held.
func TryRun(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := acquireWriter(ctx, lockPath, false)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f, acquiredAt: time.Now()})
}

func acquireWriter(ctx context.Context, path string, wait bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !wait {
			f.Close()
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
