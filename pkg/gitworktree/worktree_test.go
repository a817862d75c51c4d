package gitworktree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cosmix/loom/pkg/types"
)

func TestParseDiffStat(t *testing.T) {
	result := &MergeResult{}
	parseDiffStat(" src/a.go | 10 +++++-----\n 1 file changed, 6 insertions(+), 4 deletions(-)", result)
	assert.Equal(t, 1, result.FilesChanged)
	assert.Equal(t, 6, result.Insertions)
	assert.Equal(t, 4, result.Deletions)
}

func TestContainsLine(t *testing.T) {
	assert.True(t, containsLine(".work\n.worktrees\n", ".work"))
	assert.False(t, containsLine(".work\n", ".worktrees"))
}

func TestMergeState_ExplicitConflictWins(t *testing.T) {
	m := &Module{}
	stage := &types.Stage{MergeConflict: true, Merged: true, CompletedCommit: ""}
	assert.Equal(t, "conflict", m.MergeState(context.Background(), stage, "main"))
}

func TestMergeState_FallsBackToMergedFlag(t *testing.T) {
	m := &Module{}
	stage := &types.Stage{Merged: true}
	assert.Equal(t, "merged", m.MergeState(context.Background(), stage, "main"))
}

func TestMergeState_UnknownWithNoSignal(t *testing.T) {
	m := &Module{}
	stage := &types.Stage{}
	assert.Equal(t, "unknown", m.MergeState(context.Background(), stage, "main"))
}

func TestResolveBase_ZeroDeps(t *testing.T) {
	m := &Module{DefaultBaseBranch: "main"}
	base, mergedFrom, err := m.ResolveBase(context.Background(), &types.Stage{ID: "a"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "main", base)
	assert.Nil(t, mergedFrom)
}

func TestResolveBase_OneDep(t *testing.T) {
	m := &Module{DefaultBaseBranch: "main"}
	base, mergedFrom, err := m.ResolveBase(context.Background(), &types.Stage{ID: "b"}, []string{"loom/a"})
	assert.NoError(t, err)
	assert.Equal(t, "loom/a", base)
	assert.Equal(t, []string{"loom/a"}, mergedFrom)
}
