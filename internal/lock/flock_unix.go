//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
)

// Flock is the native Adapter backed by flock(2) on a file in Dir. The
// kernel drops the lock when the holder exits, so an expired grant only
// matters for the reported ExpiresAt.
type Flock struct {
	Dir string
}

func (Flock) Name() string { return "flock" }

func (f Flock) path(resource string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, resource)
	return filepath.Join(f.Dir, name+".flock")
}

func (f Flock) Request(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, failure.Fatal(failure.LockUnavailable, "flock mkdir", err)
	}
	file, err := os.OpenFile(f.path(req.Resource), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, failure.Fatal(failure.LockUnavailable, "flock open", err)
		}
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	// Record the holder for humans inspecting the file.
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(req.OwnerID+"\n"), 0)

	return &flockHandle{
		file:    file,
		leaseID: uuid.NewString(),
		expires: time.Now().Add(req.TTL),
	}, nil
}

type flockHandle struct {
	mu      sync.Mutex
	file    *os.File
	leaseID string
	expires time.Time
}

func (h *flockHandle) LeaseID() string     { return h.leaseID }
func (h *flockHandle) FencingToken() int64 { return 0 }

func (h *flockHandle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expires
}

func (h *flockHandle) Renew(ctx context.Context, ttl time.Duration) (time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return time.Time{}, ErrLeaseLost
	}
	h.expires = time.Now().Add(ttl)
	return h.expires, nil
}

func (h *flockHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	err := h.file.Close()
	h.file = nil
	return err
}
