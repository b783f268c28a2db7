package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

// Deps are the ambient collaborators threaded into every component.
type Deps struct {
	Sink    obs.Sink
	Logger  *obs.Logger
	Metrics *obs.Metrics
}

// OpenNativeLock builds the configured native lock adapter. close is never
// nil. The sqlite primitive also returns its lease service so callers can
// run the expiration monitor over the same database.
func (c Config) OpenNativeLock(ctx context.Context, deps Deps) (lock.Adapter, *storage.DB, func() error, error) {
	noop := func() error { return nil }
	switch c.Lock.Native {
	case NativeNone:
		return lock.Unsupported{}, nil, noop, nil
	case NativeFlock:
		return lock.Flock{Dir: filepath.Join(c.Storage.Root, "locks")}, nil, noop, nil
	case NativeSQLite:
		path := c.LeaseDBPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, nil, err
		}
		db, err := storage.Open(ctx, storage.Config{
			Path:         path,
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 20,
			MaxIdleConns: 20,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("lease db open: %w", err)
		}
		svc := lock.NewLeaseService(db, deps.Logger, deps.Metrics)
		return lock.SQLiteAdapter{Service: svc}, db, db.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("config: unknown native lock %q", c.Lock.Native)
}

func (c Config) LockManager(store storage.Adapter, native lock.Adapter, deps Deps) *lock.Manager {
	return lock.NewManager(lock.Options{
		Resource:  c.Lock.Resource,
		TTL:       c.Lock.TTL,
		Mode:      lock.Mode(c.Lock.Strategy),
		Native:    native,
		Store:     store,
		Layout:    c.Layout(),
		Retry:     c.Lock.Retry.Policy(),
		Heartbeat: c.Lock.Heartbeat,
		Sink:      deps.Sink,
		Logger:    deps.Logger,
	})
}

// EngineOptions assembles autosave.Options. A nil locker lets the engine
// build its own fallback-capable manager.
func (c Config) EngineOptions(store storage.Adapter, locker autosave.Locker, provider autosave.Provider, deps Deps) (autosave.Options, error) {
	codec, err := history.CodecByName(c.History.Codec)
	if err != nil {
		return autosave.Options{}, err
	}
	return autosave.Options{
		Store:    store,
		Layout:   c.Layout(),
		Provider: provider,
		Locker:   locker,
		Limits:   c.Limits(),
		Codec:    codec,
		Debounce: c.Autosave.Debounce,
		Idle:     c.Autosave.Idle,
		Retry:    c.Autosave.Retry.Policy(),
		Sink:     deps.Sink,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
	}, nil
}
