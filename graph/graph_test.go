package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altbridge/convoke/unit"
)

func buildGraph(t *testing.T, descriptors ...unit.Descriptor) *Graph {
	t.Helper()
	g := New()
	for _, d := range descriptors {
		require.NoError(t, g.AddUnit(d))
	}
	return g
}

// batchIndexes maps each unit id to the index of the batch containing it.
func batchIndexes(t *testing.T, batches []Batch) map[string]int {
	t.Helper()
	indexes := make(map[string]int)
	for i, b := range batches {
		for _, id := range b.Units {
			_, seen := indexes[id]
			require.False(t, seen, "unit %s placed more than once", id)
			indexes[id] = i
		}
	}
	return indexes
}

func TestGraph_DiamondExample(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "A"},
		unit.Descriptor{ID: "B", DependsOn: []string{"A"}},
		unit.Descriptor{ID: "C", DependsOn: []string{"A"}},
		unit.Descriptor{ID: "D", DependsOn: []string{"B", "C"}},
	)
	require.NoError(t, g.Validate())

	batches, err := g.ComputeBatches()
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"A"}, batches[0].Units)
	assert.Equal(t, []string{"B", "C"}, batches[1].Units)
	assert.Equal(t, []string{"D"}, batches[2].Units)
}

func TestGraph_EveryEdgeRespectsBatchOrder(t *testing.T) {
	descriptors := []unit.Descriptor{
		{ID: "base"},
		{ID: "users", DependsOn: []string{"base"}},
		{ID: "packages", DependsOn: []string{"base"}},
		{ID: "services", DependsOn: []string{"packages"}},
		{ID: "firewall", DependsOn: []string{"packages", "users"}},
		{ID: "monitoring", DependsOn: []string{"services", "firewall"}},
		{ID: "standalone"},
	}
	g := buildGraph(t, descriptors...)
	require.NoError(t, g.Validate())

	batches, err := g.ComputeBatches()
	require.NoError(t, err)

	indexes := batchIndexes(t, batches)
	assert.Len(t, indexes, len(descriptors), "every unit placed exactly once")

	for _, d := range descriptors {
		for _, dep := range d.DependsOn {
			assert.Less(t, indexes[dep], indexes[d.ID],
				"edge %s -> %s must cross batch boundaries forward", dep, d.ID)
		}
	}
}

func TestGraph_ForceSequentialExtraction(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "parallel-1"},
		unit.Descriptor{ID: "parallel-2"},
		unit.Descriptor{ID: "exclusive-late", ForceSequential: true, Priority: 20},
		unit.Descriptor{ID: "exclusive-early", ForceSequential: true, Priority: 10},
		unit.Descriptor{ID: "exclusive-tie", ForceSequential: true, Priority: 10},
	)
	require.NoError(t, g.Validate())

	batches, err := g.ComputeBatches()
	require.NoError(t, err)

	// Three sequential singletons (priority asc, id asc) then one parallel batch.
	require.Len(t, batches, 4)
	assert.Equal(t, Batch{Units: []string{"exclusive-early"}, Sequential: true}, batches[0])
	assert.Equal(t, Batch{Units: []string{"exclusive-tie"}, Sequential: true}, batches[1])
	assert.Equal(t, Batch{Units: []string{"exclusive-late"}, Sequential: true}, batches[2])
	assert.Equal(t, Batch{Units: []string{"parallel-1", "parallel-2"}}, batches[3])
}

func TestGraph_UnknownDependency(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "app", DependsOn: []string{"database"}},
	)

	err := g.Validate()
	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "app", unknown.Unit)
	assert.Equal(t, "database", unknown.Dependency)
}

func TestGraph_CycleDetectionNamesPath(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "a", DependsOn: []string{"c"}},
		unit.Descriptor{ID: "b", DependsOn: []string{"a"}},
		unit.Descriptor{ID: "c", DependsOn: []string{"b"}},
	)

	err := g.Validate()
	var cycle *CircularDependencyError
	require.ErrorAs(t, err, &cycle)

	// The path must be a genuine cycle: first and last ids equal, and each
	// listed unit on the cycle.
	require.GreaterOrEqual(t, len(cycle.Cycle), 4)
	assert.Equal(t, cycle.Cycle[0], cycle.Cycle[len(cycle.Cycle)-1])
	for _, id := range cycle.Cycle {
		assert.Contains(t, []string{"a", "b", "c"}, id)
	}
}

func TestGraph_SelfDependencyIsACycle(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "ouroboros", DependsOn: []string{"ouroboros"}},
	)

	err := g.Validate()
	var cycle *CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"ouroboros", "ouroboros"}, cycle.Cycle)
}

func TestGraph_ComputeBatchesDefensiveCycleCheck(t *testing.T) {
	// ComputeBatches re-checks for cycles even if Validate was skipped.
	g := buildGraph(t,
		unit.Descriptor{ID: "x", DependsOn: []string{"y"}},
		unit.Descriptor{ID: "y", DependsOn: []string{"x"}},
		unit.Descriptor{ID: "z"},
	)

	_, err := g.ComputeBatches()
	var cycle *CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"x", "y"}, cycle.Cycle)
}

func TestGraph_DuplicateAndEmptyIDs(t *testing.T) {
	g := New()
	require.NoError(t, g.AddUnit(unit.Descriptor{ID: "once"}))
	assert.Error(t, g.AddUnit(unit.Descriptor{ID: "once"}))
	assert.Error(t, g.AddUnit(unit.Descriptor{}))
}

func TestGraph_EmptyGraph(t *testing.T) {
	g := New()
	require.NoError(t, g.Validate())

	batches, err := g.ComputeBatches()
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestGraph_SequentialDependencyChainsAcrossRounds(t *testing.T) {
	g := buildGraph(t,
		unit.Descriptor{ID: "disk", ForceSequential: true},
		unit.Descriptor{ID: "fs", DependsOn: []string{"disk"}, ForceSequential: true},
		unit.Descriptor{ID: "mount", DependsOn: []string{"fs"}},
	)
	require.NoError(t, g.Validate())

	batches, err := g.ComputeBatches()
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.True(t, batches[0].Sequential)
	assert.True(t, batches[1].Sequential)
	assert.False(t, batches[2].Sequential)

	indexes := batchIndexes(t, batches)
	assert.Less(t, indexes["disk"], indexes["fs"])
	assert.Less(t, indexes["fs"], indexes["mount"])
}
