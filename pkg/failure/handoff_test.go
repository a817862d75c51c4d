package failure

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteHandoff_ContextExhaustion reproduces scenario S5: a session
// reports context exhaustion and a handoff file is generated carrying its
// session id, stage id, goals, completed work, next steps, and context
// percentage.
func TestWriteHandoff_ContextExhaustion(t *testing.T) {
	workDir := t.TempDir()

	path, err := WriteHandoff(workDir, HandoffInput{
		SessionID:      "session-123",
		StageID:        "stage-a",
		Goals:          "Implement the thing",
		CompletedWork:  []string{"wrote parser", "wrote tests"},
		NextSteps:      []string{"wire into orchestrator"},
		ContextPercent: 0.92,
		At:             time.Now().UTC(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)

	assert.Contains(t, body, "session-123")
	assert.Contains(t, body, "stage-a")
	assert.Contains(t, body, "Implement the thing")
	assert.Contains(t, body, "wrote parser")
	assert.Contains(t, body, "wire into orchestrator")
	assert.Contains(t, body, "92%")
}

func TestWriteHandoff_SequenceNumbersIncrement(t *testing.T) {
	workDir := t.TempDir()
	in := HandoffInput{SessionID: "s1", StageID: "stage-a", At: time.Now().UTC()}

	p1, err := WriteHandoff(workDir, in)
	require.NoError(t, err)
	p2, err := WriteHandoff(workDir, in)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Contains(t, p1, "handoff-001.md")
	assert.Contains(t, p2, "handoff-002.md")
}
