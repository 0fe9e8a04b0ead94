package concurrency_test

import (
	"testing"

	"crabdb/pkg/concurrency"
)

func TestDeadlockGraph(t *testing.T) {
	t.Run("Empty", testGraphEmpty)
	t.Run("OneEdge", testGraphOneEdge)
	t.Run("SimpleCycle", testGraphSimpleCycle)
	t.Run("DuplicateEdgesNoCycle", testGraphDuplicateEdgesNoCycle)
	t.Run("RemovedEdgeBreaksCycle", testGraphRemovedEdgeBreaksCycle)
	t.Run("DeterministicDiscovery", testGraphDeterministicDiscovery)
}

func testGraphEmpty(t *testing.T) {
	g := concurrency.NewGraph()
	if _, found := g.DetectCycle(); found {
		t.Error("cycle detected in empty graph")
	}
}

func testGraphOneEdge(t *testing.T) {
	g := concurrency.NewGraph()
	g.AddEdge(1, 2)
	if _, found := g.DetectCycle(); found {
		t.Error("cycle detected in one edge graph")
	}
}

func testGraphSimpleCycle(t *testing.T) {
	g := concurrency.NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	cycle, found := g.DetectCycle()
	if !found {
		t.Fatal("failed to detect cycle")
	}
	if len(cycle) != 2 {
		t.Errorf("expected a 2-cycle, got %v", cycle)
	}
}

func testGraphDuplicateEdgesNoCycle(t *testing.T) {
	g := concurrency.NewGraph()
	g.AddEdge(1, 2)
	g.AddEdge(1, 2)
	if _, found := g.DetectCycle(); found {
		t.Error("cycle detected in DAG with duplicate edges")
	}
}

func testGraphRemovedEdgeBreaksCycle(t *testing.T) {
	g := concurrency.NewGraph()
	// Two waits produce the same edge; removing one leaves the cycle.
	g.AddEdge(1, 2)
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	g.RemoveEdge(1, 2)
	if _, found := g.DetectCycle(); !found {
		t.Fatal("cycle should survive removal of one duplicate edge")
	}
	g.RemoveEdge(1, 2)
	if _, found := g.DetectCycle(); found {
		t.Error("cycle detected after all forward edges removed")
	}
}

// testGraphDeterministicDiscovery checks that with two disjoint cycles the
// search from the smallest transaction id finds the same cycle every time.
func testGraphDeterministicDiscovery(t *testing.T) {
	g := concurrency.NewGraph()
	g.AddEdge(3, 4)
	g.AddEdge(4, 3)
	g.AddEdge(1, 2)
	g.AddEdge(2, 1)
	for n := 0; n < 10; n++ {
		cycle, found := g.DetectCycle()
		if !found {
			t.Fatal("failed to detect cycle")
		}
		for _, id := range cycle {
			if id != 1 && id != 2 {
				t.Fatalf("expected the cycle containing txns 1 and 2 to be found first, got %v", cycle)
			}
		}
	}
}
