package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cosmix/loom/pkg/monitor"
	"github.com/cosmix/loom/pkg/types"
)

func TestProjectStatus(t *testing.T) {
	assert.Equal(t, types.NodeCompleted, projectStatus(&types.Stage{Status: types.StatusCompleted, Merged: true}))
	assert.Equal(t, types.NodeExecuting, projectStatus(&types.Stage{Status: types.StatusCompleted, Merged: false}))
	assert.Equal(t, types.NodeBlocked, projectStatus(&types.Stage{Status: types.StatusBlocked}))
	assert.Equal(t, types.NodeBlocked, projectStatus(&types.Stage{Status: types.StatusCompletedWithFailures}))
	assert.Equal(t, types.NodeExecuting, projectStatus(&types.Stage{Status: types.StatusExecuting}))
	assert.Equal(t, types.NodeReady, projectStatus(&types.Stage{Status: types.StatusQueued}))
	assert.Equal(t, types.NodePending, projectStatus(&types.Stage{Status: types.StatusWaitingForDeps}))
	assert.Equal(t, types.NodeCompleted, projectStatus(&types.Stage{Status: types.StatusSkipped}))

	// Statuses genuinely waiting on a human/agent must never project to
	// NodePending, or recomputeReady would silently re-promote them once
	// their dependencies are satisfied.
	for _, s := range []types.StageStatus{
		types.StatusNeedsHandoff, types.StatusWaitingForInput,
		types.StatusMergeConflict, types.StatusMergeBlocked,
	} {
		assert.Equal(t, types.NodeExecuting, projectStatus(&types.Stage{Status: s}), "status %s", s)
	}
}

func TestHasUnresolvedFailure(t *testing.T) {
	assert.False(t, hasUnresolvedFailure(nil))
	assert.False(t, hasUnresolvedFailure([]*types.Stage{{Status: types.StatusQueued}}))
	assert.True(t, hasUnresolvedFailure([]*types.Stage{{Status: types.StatusQueued}, {Status: types.StatusBlocked}}))
}

func TestAnyExecuting(t *testing.T) {
	assert.False(t, anyExecuting(nil))
	assert.False(t, anyExecuting([]*types.Stage{{Status: types.StatusCompleted, Merged: true}}))
	for _, s := range []types.StageStatus{
		types.StatusExecuting, types.StatusNeedsHandoff, types.StatusWaitingForInput,
		types.StatusMergeConflict, types.StatusMergeBlocked,
	} {
		assert.True(t, anyExecuting([]*types.Stage{{Status: s}}), "status %s", s)
	}
}

func TestAllTerminal(t *testing.T) {
	assert.True(t, allTerminal(nil))
	assert.True(t, allTerminal([]*types.Stage{{Status: types.StatusCompleted}, {Status: types.StatusBlocked}}))
	assert.False(t, allTerminal([]*types.Stage{{Status: types.StatusCompleted}, {Status: types.StatusQueued}}))
}

func TestLoadTaskDefinition(t *testing.T) {
	work := t.TempDir()
	o := &Orchestrator{workDir: work, log: zerolog.Nop()}

	def, err := o.loadTaskDefinition("stage-a", "task-1")
	require.NoError(t, err)
	assert.Nil(t, def, "no task-state mirror for the stage yet")

	stateDir := filepath.Join(work, "task-state")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	ts := types.TaskState{
		StageID: "stage-a",
		Tasks: []types.TaskDefinition{
			{ID: "task-1", Verification: []types.VerificationRule{{Kind: types.VerifyFileExists, Path: "out.txt"}}},
		},
	}
	data, err := yaml.Marshal(ts)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "stage-a.yaml"), data, 0o644))

	def, err = o.loadTaskDefinition("stage-a", "task-1")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "task-1", def.ID)
	require.Len(t, def.Verification, 1)
	assert.Equal(t, types.VerifyFileExists, def.Verification[0].Kind)

	def, err = o.loadTaskDefinition("stage-a", "task-missing")
	require.NoError(t, err)
	assert.Nil(t, def)
}

func TestVerifyCheckpoint_NoTaskStateIsNoOp(t *testing.T) {
	o := &Orchestrator{workDir: t.TempDir(), log: zerolog.Nop()}
	o.verifyCheckpoint(&types.Stage{ID: "stage-a", Worktree: t.TempDir()}, monitor.Event{Detail: "task-1"})
}

func TestOpenSessionDB_RememberAndForget(t *testing.T) {
	db, err := OpenSessionDB(t.TempDir() + "/sessions.db")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.RememberPID("session-a", 12345))
	pid, err := db.PID("session-a")
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	require.NoError(t, db.Forget("session-a"))
	pid, err = db.PID("session-a")
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
}
