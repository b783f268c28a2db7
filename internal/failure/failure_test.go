package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeRetryableDefaults(t *testing.T) {
	assert.True(t, LockUnavailable.Retryable())
	assert.True(t, WriteFailed.Retryable())
	assert.False(t, DataCorrupted.Retryable())
	assert.False(t, HistoryOverflow.Retryable())
	assert.False(t, Disabled.Retryable())
}

func TestWrapKeepsExistingClassification(t *testing.T) {
	inner := Fatal(LockUnavailable, "renew", errors.New("lease record vanished"))
	wrapped := Wrap(WriteFailed, "write current", fmt.Errorf("outer: %w", inner))

	assert.Equal(t, LockUnavailable, CodeOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(WriteFailed, "x", nil))
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("flush: %w", Wrap(WriteFailed, "rename", errors.New("EIO")))

	require.True(t, errors.Is(err, New(WriteFailed, "")))
	assert.False(t, errors.Is(err, New(DataCorrupted, "")))
	assert.True(t, Is(err, WriteFailed))
	assert.True(t, IsRetryable(err))
}

func TestUnclassifiedIsNotRetryable(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := &Error{Code: HistoryOverflow, Op: "rotate", Err: errors.New("entry of 60 bytes exceeds 50")}
	assert.Equal(t, "history-overflow: rotate: entry of 60 bytes exceeds 50", err.Error())
	assert.Equal(t, "disabled", New(Disabled, "").Error())
}
