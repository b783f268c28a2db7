package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

// FenceLog plays the downstream system guarded by fencing tokens. Every
// native acquire must carry a token at least as large as the last one seen.
type FenceLog struct {
	mu        sync.Mutex
	lastToken int64
	accepted  int64
	rejected  int64
}

func (f *FenceLog) Observe(token int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if token < f.lastToken {
		f.rejected++
		return false
	}
	f.lastToken = token
	f.accepted++
	return true
}

func (f *FenceLog) Stats() (accepted, rejected, last int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted, f.rejected, f.lastToken
}

type counters struct {
	dirty     int64
	flushOK   int64
	retries   int64
	skipped   int64
	acquired  int64
	readOnly  int64
	injected  int64
	stopped   int64
	lockError int64
}

// board is the document each engine keeps editing.
type board struct {
	Writer string   `json:"writer"`
	Rev    int64    `json:"rev"`
	Scenes []string `json:"scenes"`
}

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML config file")
		root     = flag.String("root", "", "storage root (default: a fresh temp dir)")
		engines  = flag.Int("engines", 8, "number of concurrent engines sharing the root")
		duration = flag.Duration("duration", 10*time.Second, "edit phase duration")
		native   = flag.String("native", config.NativeSQLite, "native lock: flock|sqlite|none")
		ttl      = flag.Duration("ttl", 800*time.Millisecond, "lease ttl")
		edit     = flag.Duration("edit", 15*time.Millisecond, "mean time between edits per engine")
		failRate = flag.Float64("failrate", 0.02, "probability that an edit arms a one-shot write fault on current")
		codec    = flag.String("codec", history.CodecZstd, "history codec: none|zstd|lz4")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *root == "" {
		dir, err := os.MkdirTemp("", "autosaveload-")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		*root = dir
	}
	cfg.Storage.Root = *root
	cfg.Lock.Native = *native
	cfg.Lock.TTL = *ttl
	cfg.History.Codec = *codec
	cfg.Autosave.Debounce = 20 * time.Millisecond
	cfg.Autosave.Idle = 40 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Storage.Driver == config.DriverMemory {
		fmt.Fprintln(os.Stderr, "memory storage is per process; pick a shared driver")
		os.Exit(2)
	}

	var (
		c     counters
		fence FenceLog
	)
	sink := obs.SinkFunc(func(e obs.Event) {
		switch {
		case e.Source == "engine" && e.Type == autosave.EventDirty:
			atomic.AddInt64(&c.dirty, 1)
		case e.Source == "engine" && e.Type == autosave.EventFlushSucceeded:
			atomic.AddInt64(&c.flushOK, 1)
		case e.Source == "engine" && e.Type == autosave.EventRetryScheduled:
			atomic.AddInt64(&c.retries, 1)
		case e.Source == "engine" && e.Type == autosave.EventFlushSkipped:
			atomic.AddInt64(&c.skipped, 1)
		case e.Source == "lock" && e.Type == lock.EventAcquired:
			atomic.AddInt64(&c.acquired, 1)
			if token, ok := e.Fields["token"].(int64); ok && token > 0 {
				fence.Observe(token)
			}
		case e.Source == "lock" && e.Type == lock.EventReadOnlyEntered:
			atomic.AddInt64(&c.readOnly, 1)
		case e.Source == "lock" && e.Type == lock.EventError:
			atomic.AddInt64(&c.lockError, 1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	g := new(errgroup.Group)
	for i := 0; i < *engines; i++ {
		i := i
		g.Go(func() error {
			return runEngine(ctx, cfg, fmt.Sprintf("e-%d", i), sink, *edit, *failRate, &c)
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)

	accepted, rejected, last := fence.Stats()
	violations := verifyLedger(context.Background(), cfg)

	fmt.Println("=== Autosave Contention Test ===")
	fmt.Printf("duration: %s, engines: %d, root: %s, native: %s\n", elapsed, *engines, cfg.Storage.Root, cfg.Lock.Native)
	fmt.Printf("dirty_marks:     %d\n", c.dirty)
	fmt.Printf("flush_success:   %d\n", c.flushOK)
	fmt.Printf("flush_skipped:   %d\n", c.skipped)
	fmt.Printf("retries:         %d\n", c.retries)
	fmt.Printf("faults_injected: %d\n", c.injected)
	fmt.Printf("lock_acquired:   %d\n", c.acquired)
	fmt.Printf("lock_errors:     %d\n", c.lockError)
	fmt.Printf("readonly:        %d\n", c.readOnly)
	fmt.Printf("engines_stopped: %d\n", c.stopped)
	fmt.Printf("fence_accepted:  %d\n", accepted)
	fmt.Printf("fence_rejected:  %d\n", rejected)
	fmt.Printf("last_token:      %d\n", last)
	for _, v := range violations {
		fmt.Printf("VIOLATION: %s\n", v)
	}
	if runErr != nil {
		fmt.Printf("error: %v\n", runErr)
	}
	if runErr != nil || rejected > 0 || len(violations) > 0 {
		os.Exit(1)
	}
}

func runEngine(ctx context.Context, cfg config.Config, id string, sink obs.Sink, edit time.Duration, failRate float64, c *counters) (err error) {
	store, closeStore, err := cfg.OpenStorage(context.Background())
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	defer func() {
		if cerr := closeStore(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	faulty := storage.NewFaulty(store)

	deps := config.Deps{Sink: sink}
	native, _, closeNative, err := cfg.OpenNativeLock(context.Background(), deps)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	defer func() {
		if cerr := closeNative(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var (
		mu  sync.Mutex
		doc = board{Writer: id}
	)
	provider := func(context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		return doc, nil
	}

	opts, err := cfg.EngineOptions(faulty, cfg.LockManager(faulty, native, deps), provider, deps)
	if err != nil {
		return err
	}
	e, err := autosave.Start(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for ctx.Err() == nil {
		if e.Snapshot().Stopped() {
			atomic.AddInt64(&c.stopped, 1)
			break
		}
		mu.Lock()
		doc.Rev++
		doc.Scenes = append(doc.Scenes[:0:0], fmt.Sprintf("scene-%d", doc.Rev))
		mu.Unlock()

		if rng.Float64() < failRate {
			atomic.AddInt64(&c.injected, 1)
			faulty.AddFault(storage.Fault{Op: storage.OpWrite, Match: "current", Err: storage.ErrInjected, Times: 1})
		}
		e.MarkDirty(64)

		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(rng.Int63n(int64(2*edit) + 1))):
		}
	}

	faulty.Heal()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*cfg.Lock.TTL)
	defer cancel()
	var errs []error
	if !e.Snapshot().Stopped() {
		if ferr := e.FlushNow(flushCtx); ferr != nil {
			errs = append(errs, fmt.Errorf("%s: final flush: %w", id, ferr))
		}
	}
	if derr := e.Dispose(flushCtx); derr != nil {
		errs = append(errs, fmt.Errorf("%s: dispose: %w", id, derr))
	}
	return errors.Join(errs...)
}

// verifyLedger checks the shared files after every engine is gone: the index
// loads, generations increase, every entry reads back as JSON and current
// is a board written by one of the engines.
func verifyLedger(ctx context.Context, cfg config.Config) []string {
	var out []string
	store, closeStore, err := cfg.OpenStorage(ctx)
	if err != nil {
		return []string{err.Error()}
	}
	defer closeStore()

	codec, err := history.CodecByName(cfg.History.Codec)
	if err != nil {
		return []string{err.Error()}
	}
	w := writer.New(store, cfg.Layout(), nil)
	h := history.NewManager(store, w, history.Options{Layout: cfg.Layout(), Limits: cfg.Limits(), Codec: codec})

	entries, err := h.List(ctx)
	if err != nil {
		return []string{fmt.Sprintf("index: %v", err)}
	}
	if len(entries) > cfg.Autosave.MaxGenerations {
		out = append(out, fmt.Sprintf("%d entries exceed max generations %d", len(entries), cfg.Autosave.MaxGenerations))
	}
	var total uint64
	for i, e := range entries {
		total += e.Bytes
		if i > 0 && e.Generation <= entries[i-1].Generation {
			out = append(out, fmt.Sprintf("generation %d after %d", e.Generation, entries[i-1].Generation))
		}
		raw, _, err := h.Read(ctx, e.Timestamp)
		if err != nil {
			out = append(out, fmt.Sprintf("entry %d: %v", e.Generation, err))
			continue
		}
		if !json.Valid(raw) {
			out = append(out, fmt.Sprintf("entry %d: not JSON", e.Generation))
		}
	}
	if total > cfg.Autosave.MaxBytes {
		out = append(out, fmt.Sprintf("%d retained bytes exceed %d", total, cfg.Autosave.MaxBytes))
	}

	raw, err := w.ReadCurrent(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		out = append(out, "current missing")
	case err != nil:
		out = append(out, fmt.Sprintf("current: %v", err))
	default:
		var b board
		if err := json.Unmarshal(raw, &b); err != nil || b.Writer == "" {
			out = append(out, "current is not a board")
		}
	}
	return out
}
