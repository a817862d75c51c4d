package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmix/loom/pkg/types"
)

func defs(pairs ...[2]string) []types.StageDefinition {
	// pairs of (id, comma-separated deps)
	var out []types.StageDefinition
	for _, p := range pairs {
		d := types.StageDefinition{ID: p[0], Name: p[0]}
		if p[1] != "" {
			d.Dependencies = splitCSV(p[1])
		}
		out = append(out, d)
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// TestSequentialPlan covers scenario S1: a -> b -> c.
func TestSequentialPlan(t *testing.T) {
	g, err := Build(defs([2]string{"a", ""}, [2]string{"b", "a"}, [2]string{"c", "b"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, g.ReadyStages())

	require.NoError(t, g.MarkExecuting("a"))
	unblocked, err := g.MarkCompleted("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, unblocked)
	assert.Equal(t, []string{"b"}, g.ReadyStages())

	require.NoError(t, g.MarkExecuting("b"))
	unblocked, err = g.MarkCompleted("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, unblocked)

	require.NoError(t, g.MarkExecuting("c"))
	_, err = g.MarkCompleted("c")
	require.NoError(t, err)

	assert.True(t, g.IsComplete())
}

// TestDiamondPlan covers scenario S2: root -> {left,right} -> join.
func TestDiamondPlan(t *testing.T) {
	g, err := Build(defs(
		[2]string{"root", ""},
		[2]string{"left", "root"},
		[2]string{"right", "root"},
		[2]string{"join", "left,right"},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"root"}, g.ReadyStages())

	require.NoError(t, g.MarkExecuting("root"))
	unblocked, err := g.MarkCompleted("root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"left", "right"}, unblocked)

	require.NoError(t, g.MarkExecuting("left"))
	_, err = g.MarkCompleted("left")
	require.NoError(t, err)
	assert.NotContains(t, g.ReadyStages(), "join")

	require.NoError(t, g.MarkExecuting("right"))
	unblocked, err = g.MarkCompleted("right")
	require.NoError(t, err)
	assert.Equal(t, []string{"join"}, unblocked)
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(defs([2]string{"a", "ghost"}))
	require.Error(t, err)
	var gerr *types.GraphError
	require.ErrorAs(t, err, &gerr)
}

func TestBuild_CycleDetected(t *testing.T) {
	_, err := Build(defs([2]string{"a", "c"}, [2]string{"b", "a"}, [2]string{"c", "b"}))
	require.Error(t, err)
	var gerr *types.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.NotEmpty(t, gerr.Cycle)
}

func TestMarkExecuting_RequiresReady(t *testing.T) {
	g, err := Build(defs([2]string{"a", ""}, [2]string{"b", "a"}))
	require.NoError(t, err)

	err = g.MarkExecuting("b")
	require.Error(t, err)
	var terr *types.InvalidTransition
	require.ErrorAs(t, err, &terr)
}

func TestTopologicalSort_VisitsEveryNodeOnce(t *testing.T) {
	g, err := Build(defs(
		[2]string{"root", ""},
		[2]string{"left", "root"},
		[2]string{"right", "root"},
		[2]string{"join", "left,right"},
	))
	require.NoError(t, err)

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["root"], pos["left"])
	assert.Less(t, pos["root"], pos["right"])
	assert.Less(t, pos["left"], pos["join"])
	assert.Less(t, pos["right"], pos["join"])
}

func TestRecomputeReady_Idempotent(t *testing.T) {
	g, err := Build(defs([2]string{"a", ""}, [2]string{"b", "a"}))
	require.NoError(t, err)

	first := g.ReadyStages()
	g.mu.Lock()
	g.recomputeReady()
	g.mu.Unlock()
	second := g.ReadyStages()
	assert.Equal(t, first, second)
}

func TestParallelGroup(t *testing.T) {
	d := defs([2]string{"a", ""}, [2]string{"b", ""})
	d[0].ParallelGroup = "wave1"
	d[1].ParallelGroup = "wave1"

	g, err := Build(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.ParallelGroup("wave1"))
}
