package autosave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

func TestRestoreSurface(t *testing.T) {
	f := newFixture(t)
	e := f.start(t)
	ctx := context.Background()

	prompt, err := e.RestorePrompt(ctx)
	require.NoError(t, err)
	assert.Nil(t, prompt, "nothing persisted yet")
	_, err = e.RestoreFromCurrent(ctx)
	assert.ErrorIs(t, err, ErrNothingToRestore)

	require.NoError(t, e.FlushNow(ctx))
	require.NoError(t, e.FlushNow(ctx))

	prompt, err = e.RestorePrompt(ctx)
	require.NoError(t, err)
	require.NotNil(t, prompt)
	assert.True(t, prompt.HasCurrent)
	require.NotNil(t, prompt.Latest)
	assert.Equal(t, uint32(2), prompt.Latest.Generation)

	cur, err := e.RestoreFromCurrent(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"storyboard","rev":2}`, string(cur))

	entries, err := e.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	old, err := e.RestoreFrom(ctx, entries[0].Timestamp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"storyboard","rev":1}`, string(old))

	_, err = e.RestoreFrom(ctx, entries[0].Timestamp.Add(-1))
	assert.ErrorIs(t, err, history.ErrNoSnapshot)
}

func TestRestoreCorruptionDoesNotDisable(t *testing.T) {
	f := newFixture(t)
	e := f.start(t)
	ctx := context.Background()
	layout := storage.DefaultLayout()

	require.NoError(t, e.FlushNow(ctx))
	entries, err := e.ListHistory(ctx)
	require.NoError(t, err)

	require.NoError(t, f.store.Write(ctx, layout.Current(), []byte(`{"title":`)))
	_, err = e.RestoreFromCurrent(ctx)
	assert.True(t, failure.Is(err, failure.DataCorrupted))
	assert.False(t, failure.IsRetryable(err))
	_, err = e.RestorePrompt(ctx)
	assert.True(t, failure.Is(err, failure.DataCorrupted))

	require.NoError(t, f.store.Delete(ctx, layout.History(entries[0].File)))
	_, err = e.RestoreFrom(ctx, entries[0].Timestamp)
	assert.True(t, failure.Is(err, failure.DataCorrupted), "an index entry without its file is corruption")

	require.NoError(t, f.store.Write(ctx, layout.Index(), []byte(`[]`)))
	_, err = e.ListHistory(ctx)
	assert.True(t, failure.Is(err, failure.DataCorrupted))

	s := e.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Nil(t, s.LastError)
}

func TestStartPrunesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	layout := storage.DefaultLayout()
	require.NoError(t, f.store.Write(ctx, layout.History("20250101T000000-000000000Z.json"), []byte(`{}`)))
	require.NoError(t, f.store.Write(ctx, layout.History("20250101T000001-000000000Z.json.tmp"), []byte(`{`)))

	f.start(t)

	names, err := f.store.List(ctx, layout.HistoryDir())
	require.NoError(t, err)
	assert.Empty(t, names)

	var pruned bool
	for _, ev := range f.rec.Events() {
		if ev.Type == EventWarning && ev.Fields["reason"] == "orphans-pruned" {
			pruned = true
		}
	}
	assert.True(t, pruned)
}

func warnings(rec *obs.Recorder, reason string) int {
	n := 0
	for _, ev := range rec.Events() {
		if ev.Source == "engine" && ev.Type == EventWarning && ev.Fields["reason"] == reason {
			n++
		}
	}
	return n
}

func TestStartSkipsPruneWhileAnotherEngineFlushes(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	shared := storage.NewMemory()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := func() time.Time { return fixed }
	sl := &sleeps{}

	// Writer blocks after its snapshot is on disk and before the index names it.
	gs := &gatedStore{Adapter: shared, suffix: "index.json.tmp", entered: make(chan struct{}, 1), gate: make(chan struct{})}
	busy, err := Start(ctx, Options{
		Store:    gs,
		Provider: func(context.Context) (any, error) { return doc{Title: "writer", Rev: 1}, nil },
		Now:      now,
		Sleep:    sl.Sleep,
		Sink:     &obs.Recorder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Dispose(context.Background()) })

	flushed := make(chan error, 1)
	go func() { flushed <- busy.FlushNow(ctx) }()
	<-gs.entered

	names, err := shared.List(ctx, layout.HistoryDir())
	require.NoError(t, err)
	require.Len(t, names, 1)
	pending := names[0]

	rec := &obs.Recorder{}
	fresh, err := Start(ctx, Options{
		Store:    shared,
		Provider: func(context.Context) (any, error) { return nil, nil },
		Now:      now,
		Sleep:    sl.Sleep,
		Sink:     rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Dispose(context.Background()) })

	assert.Equal(t, 1, warnings(rec, "prune-skipped"))
	assert.Zero(t, warnings(rec, "orphans-pruned"))
	_, err = shared.Read(ctx, layout.History(pending))
	require.NoError(t, err, "the uncommitted snapshot survives")

	close(gs.gate)
	require.NoError(t, <-flushed)

	entries, err := fresh.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pending, entries[0].File)
	got, err := fresh.RestoreFrom(ctx, entries[0].Timestamp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"writer","rev":1}`, string(got))
}

func TestStartPrunesUnderLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	layout := storage.DefaultLayout()
	require.NoError(t, f.store.Write(ctx, layout.History("20250101T000000-000000000Z.json"), []byte(`{}`)))

	f.start(t)

	acquires, active, _, releases := f.locker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)
	assert.Zero(t, active)
	assert.Equal(t, 1, warnings(f.rec, "orphans-pruned"))
}

func TestStartWithoutOrphansTakesNoLease(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	acquires, _, _, _ := f.locker.counts()
	assert.Zero(t, acquires)
	assert.Zero(t, warnings(f.rec, "prune-skipped"))
}
