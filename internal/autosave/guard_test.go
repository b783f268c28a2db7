package autosave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
)

func TestGuardShortCircuits(t *testing.T) {
	cases := []struct {
		name   string
		enable EnablementSnapshot
		reason string
	}{
		{"flag off", EnablementSnapshot{FlagValue: false, FlagSource: SourceEnv}, ReasonFlagDisabled},
		{"options off", EnablementSnapshot{FlagValue: true, FlagSource: SourceWorkspace, OptionsDisabled: true}, ReasonOptionsDisabled},
		{"both off", EnablementSnapshot{FlagValue: false, FlagSource: SourceDefault, OptionsDisabled: true}, ReasonOptionsDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			h, err := New(ctx, tc.enable, f.opts)
			require.NoError(t, err)
			_, isEngine := h.(*Engine)
			assert.False(t, isEngine)

			h.MarkDirty(1024)
			require.NoError(t, h.FlushNow(ctx))
			require.NoError(t, h.Dispose(ctx))
			assert.Equal(t, StatusSnapshot{Phase: PhaseDisabled}, h.Snapshot())

			entries, err := h.ListHistory(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
			prompt, err := h.RestorePrompt(ctx)
			require.NoError(t, err)
			assert.Nil(t, prompt)
			_, err = h.RestoreFromCurrent(ctx)
			assert.True(t, failure.Is(err, failure.Disabled))
			_, err = h.RestoreFrom(ctx, time.Now())
			assert.True(t, failure.Is(err, failure.Disabled))

			assert.Zero(t, f.store.TotalCalls(), "no storage calls")
			acquires, _, _, _ := f.locker.counts()
			assert.Zero(t, acquires, "no lock calls")
			assert.Empty(t, f.sleeps.Delays())

			events := f.rec.Events()
			require.Len(t, events, 1, "exactly one blocked event")
			assert.Equal(t, EventBlocked, events[0].Type)
			assert.Equal(t, tc.reason, events[0].Fields["reason"])
		})
	}
}

func TestGuardAllowsEnabledEngine(t *testing.T) {
	f := newFixture(t)
	h, err := New(context.Background(), EnablementSnapshot{FlagValue: true, FlagSource: SourceEnv}, f.opts)
	require.NoError(t, err)
	e, ok := h.(*Engine)
	require.True(t, ok)
	t.Cleanup(func() { _ = e.Dispose(context.Background()) })

	assert.Equal(t, PhaseIdle, e.Snapshot().Phase)
	assert.Zero(t, f.rec.Count("engine", EventBlocked))
}

func TestStartRejectsMissingCollaborators(t *testing.T) {
	_, err := Start(context.Background(), Options{})
	assert.Error(t, err)

	f := newFixture(t)
	f.opts.Provider = nil
	_, err = New(context.Background(), EnablementSnapshot{FlagValue: true}, f.opts)
	assert.Error(t, err)
}

func TestEnablementSnapshot(t *testing.T) {
	assert.True(t, EnablementSnapshot{FlagValue: true}.Enabled())
	assert.False(t, EnablementSnapshot{FlagValue: true, OptionsDisabled: true}.Enabled())
	assert.False(t, EnablementSnapshot{}.Enabled())
	assert.Empty(t, EnablementSnapshot{FlagValue: true}.BlockReason())
	assert.True(t, SourceLocalStore.Valid())
	assert.False(t, FlagSource("cookie").Valid())
}
