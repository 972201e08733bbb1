package batch

import (
	"testing"

	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildDAGRootsAndLeaves(t *testing.T) {
	fragments := []types.ChangeFragment{
		{ID: "f1"},
		{ID: "f2", DependencyHints: []string{"f1"}},
		{ID: "f3", DependencyHints: []string{"f2"}},
	}
	dag := buildDAG(fragments)

	assert.Equal(t, []string{"f1"}, dag.Roots)
	assert.Equal(t, []string{"f3"}, dag.Leaves)
	assert.Empty(t, dag.Cycles)
}

func TestDetectCyclesFindsSelfLoop(t *testing.T) {
	fragments := []types.ChangeFragment{
		{ID: "f1", DependencyHints: []string{"f1"}},
	}
	dag := buildDAG(fragments)
	assert.NotEmpty(t, dag.Cycles)
}

func TestReadyFrontierRespectsCompletion(t *testing.T) {
	fragments := []types.ChangeFragment{
		{ID: "f1"},
		{ID: "f2", DependencyHints: []string{"f1"}},
	}
	dag := buildDAG(fragments)

	assert.Equal(t, []string{"f1"}, readyFrontier(dag))

	dag.Nodes["f1"].Status = types.NodeDone
	assert.Equal(t, []string{"f2"}, readyFrontier(dag))
}
