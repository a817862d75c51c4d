package terminal

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmix/loom/pkg/types"
)

func TestDirectBackend_SpawnRequiresCommand(t *testing.T) {
	b := NewDirectBackend(nil, "")
	_, err := b.SpawnSession(context.Background(), SpawnRequest{StageID: "a", WorkingDir: t.TempDir()})
	require.Error(t, err)
	var serr *types.SessionSpawnError
	require.ErrorAs(t, err, &serr)
}

func TestDirectBackend_IsSessionAlive(t *testing.T) {
	b := NewDirectBackend(nil, "")
	assert.True(t, b.IsSessionAlive(&types.Session{PID: os.Getpid()}))
	assert.False(t, b.IsSessionAlive(&types.Session{PID: 0}))
}

func TestDirectBackend_SpawnAndKill(t *testing.T) {
	b := NewDirectBackend([]string{"sleep", "30"}, "")
	session, err := b.SpawnSession(context.Background(), SpawnRequest{
		SessionID:  "session-test",
		StageID:    "a",
		WorkingDir: t.TempDir(),
		WorkDir:    t.TempDir(),
		SignalPath: "/tmp/signal.md",
	})
	require.NoError(t, err)
	assert.True(t, b.IsSessionAlive(session))

	require.NoError(t, b.KillSession(context.Background(), session))
}
