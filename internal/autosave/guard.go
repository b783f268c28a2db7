package autosave

import (
	"context"
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
)

// Handle is what New returns: a running *Engine, or an inert handle when
// the enablement snapshot blocks autosave.
type Handle interface {
	Snapshot() StatusSnapshot
	MarkDirty(estimatedBytes uint64)
	FlushNow(ctx context.Context) error
	Dispose(ctx context.Context) error

	ListHistory(ctx context.Context) ([]history.Entry, error)
	RestorePrompt(ctx context.Context) (*RestorePrompt, error)
	RestoreFromCurrent(ctx context.Context) ([]byte, error)
	RestoreFrom(ctx context.Context, ts time.Time) ([]byte, error)
}

// New evaluates the guard once. A blocked snapshot yields an inert handle
// after emitting a single "blocked" event; nothing else is touched.
func New(ctx context.Context, enable EnablementSnapshot, opts Options) (Handle, error) {
	if reason := enable.BlockReason(); reason != "" {
		if opts.Sink != nil {
			now := time.Now
			if opts.Now != nil {
				now = opts.Now
			}
			opts.Sink.Emit(obs.Event{
				Time:     now(),
				Source:   "engine",
				Type:     EventBlocked,
				Severity: obs.SeverityDebug,
				Fields: map[string]interface{}{
					"reason": reason,
					"source": string(enable.FlagSource),
				},
			})
		}
		return inert{reason: reason}, nil
	}
	e, err := Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

var _ Handle = (*Engine)(nil)

// inert is the disabled handle. Every method returns at once.
type inert struct {
	reason string
}

func (inert) Snapshot() StatusSnapshot { return StatusSnapshot{Phase: PhaseDisabled} }

func (inert) MarkDirty(uint64) {}

func (inert) FlushNow(context.Context) error { return nil }

func (inert) Dispose(context.Context) error { return nil }

func (inert) ListHistory(context.Context) ([]history.Entry, error) { return nil, nil }

func (inert) RestorePrompt(context.Context) (*RestorePrompt, error) { return nil, nil }

func (i inert) RestoreFromCurrent(context.Context) ([]byte, error) {
	return nil, failure.New(failure.Disabled, "restore: "+i.reason)
}

func (i inert) RestoreFrom(context.Context, time.Time) ([]byte, error) {
	return nil, failure.New(failure.Disabled, "restore: "+i.reason)
}
