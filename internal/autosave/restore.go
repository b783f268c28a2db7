package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

// ErrNothingToRestore means neither a current document nor a history entry
// exists.
var ErrNothingToRestore = errors.New("autosave: nothing to restore")

// RestorePrompt describes what a restore could bring back.
type RestorePrompt struct {
	HasCurrent   bool           `json:"hasCurrent"`
	CurrentBytes int            `json:"currentBytes,omitempty"`
	Latest       *history.Entry `json:"latest,omitempty"`
}

// The restore surface only reads. Its failures are returned to the caller
// and never change the engine's phase.

func (e *Engine) ListHistory(ctx context.Context) ([]history.Entry, error) {
	return e.history.List(ctx)
}

// RestorePrompt returns the newest restorable candidates, or nil if there
// are none.
func (e *Engine) RestorePrompt(ctx context.Context) (*RestorePrompt, error) {
	var p RestorePrompt
	cur, err := e.RestoreFromCurrent(ctx)
	switch {
	case err == nil:
		p.HasCurrent = true
		p.CurrentBytes = len(cur)
	case !errors.Is(err, ErrNothingToRestore):
		return nil, err
	}

	latest, err := e.history.Latest(ctx)
	if err != nil {
		return nil, err
	}
	p.Latest = latest
	if !p.HasCurrent && p.Latest == nil {
		return nil, nil
	}
	return &p, nil
}

// RestoreFromCurrent returns the committed current document.
func (e *Engine) RestoreFromCurrent(ctx context.Context) ([]byte, error) {
	raw, err := e.writer.ReadCurrent(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNothingToRestore
	}
	if err != nil {
		return nil, failure.Wrap(failure.WriteFailed, "read current", err)
	}
	if !json.Valid(raw) {
		return nil, failure.Fatal(failure.DataCorrupted, "parse current",
			fmt.Errorf("%s is not valid JSON", e.opts.Layout.Current()))
	}
	return raw, nil
}

// RestoreFrom returns the history snapshot recorded at ts.
func (e *Engine) RestoreFrom(ctx context.Context, ts time.Time) ([]byte, error) {
	doc, _, err := e.history.Read(ctx, ts)
	return doc, err
}
