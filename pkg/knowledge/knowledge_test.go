package knowledge

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cosmix/loom/pkg/types"
)

func TestNew_InitializesAllSections(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	summary, err := store.Summarize()
	require.NoError(t, err)
	require.Len(t, summary, len(AllSections))
}

func TestAppend_AddsBulletUnderHeader(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append(SectionPatterns, "Repository Layout", "use a single package per concern"))
	require.NoError(t, store.Append(SectionPatterns, "Repository Layout", "second pattern"))

	summary, err := store.Summarize()
	require.NoError(t, err)
	require.Contains(t, summary[SectionPatterns], "use a single package per concern")
}

func TestAnalyze_DetectsDuplicateHeaders(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, store.Append(SectionMistakes, "Flaky Tests", "entry one"))
	require.NoError(t, store.Append(SectionMistakes, "Flaky Tests", "entry two"))

	// Force a duplicate header by writing directly.
	path := store.path(SectionMistakes)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("\n## Flaky Tests\n\n- duplicate section\n")...), 0o644))

	reports, err := store.Analyze()
	require.NoError(t, err)

	var found bool
	for _, r := range reports {
		if r.Section == SectionMistakes {
			found = true
			require.NotEmpty(t, r.DuplicateHeaders)
		}
	}
	require.True(t, found)
}

func TestMemoryStore_AppendReadRoundTrip(t *testing.T) {
	m, err := NewMemoryStore(t.TempDir())
	require.NoError(t, err)

	entries := []types.MemoryEntry{
		{Kind: types.MemoryNote, Timestamp: time.Now().UTC().Truncate(time.Second), Content: "first"},
		{Kind: types.MemoryDecision, Timestamp: time.Now().UTC().Truncate(time.Second), Content: "second"},
	}
	for _, e := range entries {
		require.NoError(t, m.Append("session-1", e))
	}

	read, err := m.Read("session-1")
	require.NoError(t, err)
	require.Len(t, read, 2)
	require.Equal(t, "first", read[0].Content)
	require.Equal(t, "second", read[1].Content)
}

func TestMemoryStore_Promote(t *testing.T) {
	dir := t.TempDir()
	m, err := NewMemoryStore(dir)
	require.NoError(t, err)
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, m.Append("session-1", types.MemoryEntry{Kind: types.MemoryDecision, Timestamp: time.Now(), Content: "chose X over Y"}))
	require.NoError(t, m.Append("session-1", types.MemoryEntry{Kind: types.MemoryNote, Timestamp: time.Now(), Content: "noted Z"}))

	n, err := m.Promote("session-1", types.MemoryDecision, store, SectionConventions, "Decisions")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, err := m.Read("session-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, types.MemoryNote, remaining[0].Kind)

	summary, err := store.Summarize()
	require.NoError(t, err)
	require.NotEmpty(t, summary[SectionConventions])
}

func TestFactsStore_SetAndForStage(t *testing.T) {
	fs := NewFactsStore(t.TempDir())

	require.NoError(t, fs.Set("db-url", types.Fact{Value: "postgres://x", StageID: "a", Confidence: types.ConfidenceHigh, Timestamp: time.Now()}))
	require.NoError(t, fs.Set("local-detail", types.Fact{Value: "irrelevant elsewhere", StageID: "b", Confidence: types.ConfidenceLow, Timestamp: time.Now()}))

	facts, err := fs.ForStage("a")
	require.NoError(t, err)
	require.Len(t, facts, 1)

	facts, err = fs.ForStage("c")
	require.NoError(t, err)
	require.Len(t, facts, 1) // only the high-confidence fact from stage a
}
