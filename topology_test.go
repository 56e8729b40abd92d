package relay

import "testing"

func TestTopologyShortestPath(t *testing.T) {
	topo := NewTopology()
	topo.AddLink("a", "b")
	topo.AddLink("b", "c")
	topo.AddLink("a", "c") // direct shortcut, should win over a-b-c

	path := topo.ShortestPath("a", "c")
	if len(path) != 2 || path[0] != "a" || path[1] != "c" {
		t.Fatalf("ShortestPath(a, c) = %v, want [a c]", path)
	}
}

func TestTopologyShortestPathUnknownNode(t *testing.T) {
	topo := NewTopology()
	topo.AddLink("a", "b")
	if path := topo.ShortestPath("a", "z"); path != nil {
		t.Fatalf("expected nil path for an unknown destination, got %v", path)
	}
}

func TestBuildDumbbellConnectsLeavesThroughCores(t *testing.T) {
	d := BuildDumbbell("core-left", "core-right", 2, 2, "leaf-%d")

	if len(d.LeftLeaves) != 2 || len(d.RightLeaves) != 2 {
		t.Fatalf("leaf counts = %d/%d, want 2/2", len(d.LeftLeaves), len(d.RightLeaves))
	}

	path := d.ShortestPath(d.LeftLeaves[0], d.RightLeaves[0])
	want := []string{d.LeftLeaves[0], "core-left", "core-right", d.RightLeaves[0]}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}
