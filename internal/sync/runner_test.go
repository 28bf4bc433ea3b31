package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/indexsync/internal/index"
)

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDuration(base, tt.failures), "failures=%d", tt.failures)
	}

	assert.Zero(t, backoffDuration(0, 3))
}

func TestSafeRun(t *testing.T) {
	t.Parallel()

	require.NoError(t, safeRun("ok", func() error { return nil }))

	sentinel := errors.New("plain failure")
	require.ErrorIs(t, safeRun("fail", func() error { return sentinel }), sentinel)

	err := safeRun("tick", func() error { panic("kaboom") })
	require.Error(t, err)
	assert.Equal(t, "panic in tick: kaboom", err.Error())
}

func TestTimeSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, timeSleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, timeSleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, timeSleep(ctx, 0), context.Canceled)
	require.NoError(t, timeSleep(context.Background(), 0))
}

func TestFlightGuard(t *testing.T) {
	t.Parallel()

	var g flightGuard

	running, current := g.snapshot()
	assert.False(t, running)
	assert.Empty(t, current)

	require.True(t, g.tryAcquire(index.SyncFull))
	assert.False(t, g.tryAcquire(index.SyncIncremental))
	assert.False(t, g.tryAcquire(index.SyncFull))

	running, current = g.snapshot()
	assert.True(t, running)
	assert.Equal(t, index.SyncFull, current)

	g.release()
	assert.True(t, g.tryAcquire(index.SyncCleanup))
}

func TestOutcomeKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "inserted", OutcomeInserted.String())
	assert.Equal(t, "updated", OutcomeUpdated.String())
	assert.Equal(t, "unchanged", OutcomeUnchanged.String())
	assert.Equal(t, "removed", OutcomeRemoved.String())
	assert.Equal(t, "errored", OutcomeErrored.String())
	assert.Equal(t, "unknown", OutcomeKind(42).String())
}
