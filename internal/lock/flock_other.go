//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package lock

import "context"

// Flock is unavailable on this platform; Request always reports
// ErrUnsupported so the manager falls back to the lease record.
type Flock struct {
	Dir string
}

func (Flock) Name() string { return "flock" }

func (Flock) Request(context.Context, Request) (Handle, error) { return nil, ErrUnsupported }
