package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmix/loom/pkg/types"
)

// fakeResolver is a StageResolver test double mapping fixed session IDs to
// stage IDs, mirroring SessionDB.StageForSession without a real bbolt file.
type fakeResolver map[string]string

func (r fakeResolver) StageForSession(sessionID string) (string, error) {
	return r[sessionID], nil
}

func TestClassifyHeartbeat_NoHeartbeat(t *testing.T) {
	m := &Monitor{HeartbeatFreshness: 5 * time.Minute}
	assert.Equal(t, HeartbeatNoHeartbeat, m.ClassifyHeartbeat(nil, 0, time.Now()))
}

func TestClassifyHeartbeat_Healthy(t *testing.T) {
	m := &Monitor{HeartbeatFreshness: 5 * time.Minute}
	now := time.Now().UTC()
	hb := &types.Heartbeat{Timestamp: now.Add(-1 * time.Minute)}
	assert.Equal(t, HeartbeatHealthy, m.ClassifyHeartbeat(hb, 0, now))
}

func TestClassifyHeartbeat_HungWhenPIDAlive(t *testing.T) {
	m := &Monitor{HeartbeatFreshness: 5 * time.Minute}
	now := time.Now().UTC()
	hb := &types.Heartbeat{Timestamp: now.Add(-10 * time.Minute)}
	assert.Equal(t, HeartbeatHung, m.ClassifyHeartbeat(hb, os.Getpid(), now))
}

func TestClassifyHeartbeat_CrashedWhenPIDDead(t *testing.T) {
	m := &Monitor{HeartbeatFreshness: 5 * time.Minute}
	now := time.Now().UTC()
	hb := &types.Heartbeat{Timestamp: now.Add(-10 * time.Minute)}
	assert.Equal(t, HeartbeatCrashed, m.ClassifyHeartbeat(hb, 0, now))
}

func TestPollHeartbeats_EmitsHungAndCrashed(t *testing.T) {
	workDir := t.TempDir()
	hbDir := filepath.Join(workDir, "heartbeat")
	require.NoError(t, os.MkdirAll(hbDir, 0o755))

	now := time.Now().UTC()
	writeHeartbeat(t, hbDir, "stage-hung", types.Heartbeat{SessionID: "sess-hung", Timestamp: now.Add(-10 * time.Minute)})
	writeHeartbeat(t, hbDir, "stage-crashed", types.Heartbeat{SessionID: "sess-crashed", Timestamp: now.Add(-10 * time.Minute)})

	m := New(workDir, 5*time.Minute, nil)
	defer m.Close()
	m.RememberPID("sess-hung", os.Getpid())
	m.RememberPID("sess-crashed", 0)

	events := m.pollHeartbeats()
	require.Len(t, events, 2)

	var gotHung, gotCrashed bool
	for _, e := range events {
		switch e.StageID {
		case "stage-hung":
			gotHung = e.Kind == EventSessionHung
		case "stage-crashed":
			gotCrashed = e.Kind == EventSessionCrashed
		}
	}
	assert.True(t, gotHung)
	assert.True(t, gotCrashed)
}

func writeHeartbeat(t *testing.T, dir, stageID string, hb types.Heartbeat) {
	t.Helper()
	data, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stageID+".json"), data, 0o644))
}

func TestPollCheckpoints_OnlyEmitsOnce(t *testing.T) {
	workDir := t.TempDir()
	sessDir := filepath.Join(workDir, "checkpoints", "sess-1")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "task-1.yaml"), []byte("task_id: task-1\nstatus: completed\n"), 0o644))

	m := New(workDir, 5*time.Minute, fakeResolver{"sess-1": "stage-a"})
	defer m.Close()

	first := m.pollCheckpoints()
	require.Len(t, first, 1)
	assert.Equal(t, EventCheckpointAccepted, first[0].Kind)
	assert.Equal(t, "stage-a", first[0].StageID)

	second := m.pollCheckpoints()
	assert.Empty(t, second)
}

func TestPollCheckpoints_DropsUnresolvedSessionWithoutMarkingSeen(t *testing.T) {
	workDir := t.TempDir()
	sessDir := filepath.Join(workDir, "checkpoints", "sess-unknown")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "task-1.yaml"), []byte("task_id: task-1\nstatus: completed\n"), 0o644))

	m := New(workDir, 5*time.Minute, fakeResolver{})
	defer m.Close()

	assert.Empty(t, m.pollCheckpoints())

	m.Resolver = fakeResolver{"sess-unknown": "stage-a"}
	again := m.pollCheckpoints()
	require.Len(t, again, 1)
	assert.Equal(t, "stage-a", again[0].StageID)
}

func TestPollHookLog_TracksFileOffset(t *testing.T) {
	workDir := t.TempDir()
	hookPath := filepath.Join(workDir, "hooks.log")

	line1 := `{"type":"session-stop","session_id":"s1","stage_id":"a","reason":"crash"}` + "\n"
	require.NoError(t, os.WriteFile(hookPath, []byte(line1), 0o644))

	m := New(workDir, 5*time.Minute, nil)
	defer m.Close()

	events := m.pollHookLog()
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionCrashed, events[0].Kind)

	assert.Empty(t, m.pollHookLog())

	line2 := `{"type":"session-stop","session_id":"s2","stage_id":"b","reason":"context exhausted"}` + "\n"
	f, err := os.OpenFile(hookPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events = m.pollHookLog()
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionNeedsHandoff, events[0].Kind)
}
