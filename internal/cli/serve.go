package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/RNA4219/Conimgponic-sub000/internal/api"
	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
	"github.com/RNA4219/Conimgponic-sub000/internal/config"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
)

type serveOptions struct {
	Document string
	Addr     string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Autosave a working document and serve the autosave API",
		Long: `Watch a working storyboard document and autosave it: every change marks
the engine dirty, and the engine flushes after the debounce and idle
windows. The HTTP API exposes status, flushNow, history and restore, plus
/metrics and a websocket event stream at /v1/events.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				cfg.Server.Addr = opts.Addr
			}
			if opts.Document == "" {
				return fmt.Errorf("--document is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.Document, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.Document, "document", "d", "", "working document to autosave (JSON)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config and AUTOSAVE_ADDR)")

	return cmd
}

// documentProvider reads the working document. A missing file means there
// is nothing to save; a file that is not JSON yet (mid-write by the editor)
// is a retryable provider error.
func documentProvider(path string) autosave.Provider {
	return func(ctx context.Context) (any, error) {
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%s is not valid JSON", path)
		}
		return json.RawMessage(raw), nil
	}
}

// watchDocument marks h dirty whenever path is written, created or
// replaced by rename. The parent directory is watched so editors that save
// by rename are still seen. It returns when ctx is done.
func watchDocument(ctx context.Context, path string, h autosave.Handle, logger *obs.Logger, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			var size uint64
			if fi, err := os.Stat(abs); err == nil {
				size = uint64(fi.Size())
			}
			h.MarkDirty(size)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn(map[string]interface{}{
				"op":    "watch_document",
				"path":  abs,
				"error": err.Error(),
			})
		}
	}
}

func runServe(ctx context.Context, cfg config.Config, docPath string, logOut io.Writer) (err error) {
	logger := newLogger(cfg, logOut)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)
	hub := api.NewHub(256, logger)
	deps := config.Deps{
		Sink: obs.Multi(
			obs.NewRateLimited(obs.LogSink{Logger: logger}, 20, 50),
			obs.MetricsSink{Metrics: metrics},
			hub,
		),
		Logger:  logger,
		Metrics: metrics,
	}

	store, closeStore, err := cfg.OpenStorage(ctx)
	if err != nil {
		return fmt.Errorf("storage open: %w", err)
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	native, leaseDB, closeNative, err := cfg.OpenNativeLock(ctx, deps)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeNative()) }()

	locker := cfg.LockManager(store, native, deps)
	opts, err := cfg.EngineOptions(store, locker, documentProvider(docPath), deps)
	if err != nil {
		return err
	}
	h, err := autosave.New(ctx, cfg.Enablement(), opts)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(h, hub, logger).Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if leaseDB != nil {
		mon := lock.NewExpirationMonitor(leaseDB, lock.MonitorOptions{
			Sink:    deps.Sink,
			Logger:  logger,
			Metrics: metrics,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.Run(runCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watchDocument(runCtx, docPath, h, logger, nil); err != nil {
			logger.Error(map[string]interface{}{"op": "watch_document", "error": err.Error()})
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(map[string]interface{}{
			"op":       "serve",
			"addr":     cfg.Server.Addr,
			"storage":  cfg.Storage.Driver,
			"document": docPath,
			"phase":    string(h.Snapshot().Phase),
		})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(map[string]interface{}{"op": "serve", "error": err.Error()})
			cancel()
		}
	}()

	<-runCtx.Done()
	logger.Info(map[string]interface{}{"op": "shutdown"})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", serr))
	}
	// Dispose waits for a flush that already holds the lease.
	if derr := h.Dispose(shutdownCtx); derr != nil {
		err = multierr.Append(err, fmt.Errorf("dispose: %w", derr))
	}

	wg.Wait()
	logger.Info(map[string]interface{}{"op": "stopped"})
	return err
}
