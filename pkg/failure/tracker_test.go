package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTracker_CrashRetryThenEscalate reproduces scenario S4: a session
// crashes repeatedly on the same stage, retries with exponential backoff,
// then escalates once the threshold is reached.
func TestTracker_CrashRetryThenEscalate(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 3)
	require.NoError(t, err)

	now := time.Now().UTC()

	d1, err := tr.Record("stage-a", "session crashed unexpectedly", now, 0)
	require.NoError(t, err)
	assert.Equal(t, KindCrash, d1.Kind)
	assert.True(t, d1.ShouldRetry)
	assert.False(t, d1.Escalate)
	assert.Equal(t, 30*time.Second, d1.RetryAfter)

	d2, err := tr.Record("stage-a", "session crashed unexpectedly", now, 0)
	require.NoError(t, err)
	assert.True(t, d2.ShouldRetry)
	assert.Equal(t, 60*time.Second, d2.RetryAfter)

	d3, err := tr.Record("stage-a", "session crashed unexpectedly", now, 0)
	require.NoError(t, err)
	assert.True(t, d3.Escalate)

	state, err := tr.Load("stage-a")
	require.NoError(t, err)
	assert.True(t, state.Escalated)
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.Len(t, state.Records, 3)
}

func TestTracker_BackoffCapsAtMax(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 100)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, tr.backoff(10))
}

func TestTracker_NonRetryableEscalatesImmediately(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 3)
	require.NoError(t, err)

	d, err := tr.Record("stage-b", "build failed: compilation error", time.Now().UTC(), 0)
	require.NoError(t, err)
	assert.Equal(t, KindBuildFailure, d.Kind)
	assert.False(t, d.ShouldRetry)
	assert.True(t, d.Escalate)
}

// TestTracker_StageMaxRetriesEscalatesBeforeGlobalThreshold reproduces a
// stage configured with a tighter retry cap than the tracker-wide
// escalation threshold: it must escalate at its own cap, not ride along to
// the global default.
func TestTracker_StageMaxRetriesEscalatesBeforeGlobalThreshold(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 3)
	require.NoError(t, err)

	now := time.Now().UTC()

	d1, err := tr.Record("stage-e", "session crashed unexpectedly", now, 1)
	require.NoError(t, err)
	assert.True(t, d1.Escalate)
	assert.False(t, d1.ShouldRetry)

	state, err := tr.Load("stage-e")
	require.NoError(t, err)
	assert.True(t, state.Escalated)
	assert.Equal(t, 1, state.ConsecutiveFailures)
}

func TestTracker_RecordsCapAtTen(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 1000)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i := 0; i < 15; i++ {
		_, err := tr.Record("stage-c", "session crashed", now, 0)
		require.NoError(t, err)
	}
	state, err := tr.Load("stage-c")
	require.NoError(t, err)
	assert.Len(t, state.Records, maxRecordedFailures)
	assert.Equal(t, 15, state.ConsecutiveFailures)
}

func TestTracker_Reset(t *testing.T) {
	tr, err := NewTracker(t.TempDir(), 30, 300, 3)
	require.NoError(t, err)

	_, err = tr.Record("stage-d", "session crashed", time.Now().UTC(), 0)
	require.NoError(t, err)
	require.NoError(t, tr.Reset("stage-d"))

	state, err := tr.Load("stage-d")
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Empty(t, state.Records)
}
