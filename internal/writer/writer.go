// Package writer commits payloads with write-temp-then-rename so a reader
// only ever sees the previous or the next complete file.
package writer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

const TmpSuffix = ".tmp"

// IsTemp reports whether name is an uncommitted temporary file.
func IsTemp(name string) bool { return strings.HasSuffix(name, TmpSuffix) }

type Writer struct {
	store  storage.Adapter
	layout storage.Layout
	logger *obs.Logger
}

func New(store storage.Adapter, layout storage.Layout, logger *obs.Logger) *Writer {
	return &Writer{store: store, layout: layout, logger: logger}
}

// WriteCurrent replaces the current document with payload.
func (w *Writer) WriteCurrent(ctx context.Context, payload []byte) error {
	return w.WriteFile(ctx, w.layout.Current(), payload)
}

// ReadCurrent returns the committed current document.
func (w *Writer) ReadCurrent(ctx context.Context) ([]byte, error) {
	return w.store.Read(ctx, w.layout.Current())
}

// WriteFile writes data to target+".tmp" and renames it over target.
// Failures are write-failed; the temporary file is removed on a best-effort
// basis.
func (w *Writer) WriteFile(ctx context.Context, target string, data []byte) (err error) {
	start := time.Now()
	tmp := target + TmpSuffix
	defer func() {
		if w.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "atomic_write",
			"target":     target,
			"bytes":      len(data),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			w.logger.Error(fields)
		} else {
			w.logger.Debug(fields)
		}
	}()

	if err := w.store.Write(ctx, tmp, data); err != nil {
		w.discard(ctx, tmp)
		return failure.Wrap(failure.WriteFailed, "write "+tmp, err)
	}
	if err := w.store.Rename(ctx, tmp, target); err != nil {
		w.discard(ctx, tmp)
		return failure.Wrap(failure.WriteFailed, "rename "+tmp, err)
	}
	return nil
}

func (w *Writer) discard(ctx context.Context, tmp string) {
	if err := w.store.Delete(ctx, tmp); err != nil && !errors.Is(err, storage.ErrNotFound) && w.logger != nil {
		w.logger.Warn(map[string]interface{}{
			"op":    "atomic_write_cleanup",
			"path":  tmp,
			"error": err.Error(),
		})
	}
}
