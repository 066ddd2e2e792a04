/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relation

import (
	"errors"
	"testing"
)

func dagGraph() *Graph[string] {
	g := New[string](Descriptor{Name: "dep", Scope: TaskScope, Strong: true, Cycle: DAG})
	for _, v := range []ID{1, 2, 3, 4} {
		g.AddVertex(v)
	}
	return g
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := dagGraph()
	if err := g.AddEdge(1, 2, "a"); err != nil {
		t.Fatalf("AddEdge(1,2): %v", err)
	}
	if err := g.AddEdge(2, 3, "b"); err != nil {
		t.Fatalf("AddEdge(2,3): %v", err)
	}
	err := g.AddEdge(3, 1, "c")
	var cycleErr *CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("AddEdge(3,1) = %v, want *CycleDetectedError", err)
	}
}

func TestAddEdgeSelfLoopAllowedEvenInDAG(t *testing.T) {
	g := dagGraph()
	if err := g.AddEdge(1, 1, "self"); err != nil {
		t.Fatalf("AddEdge(1,1): %v", err)
	}
}

func TestAddEdgeUnknownVertex(t *testing.T) {
	g := dagGraph()
	if err := g.AddEdge(1, 99, "x"); err == nil {
		t.Fatal("AddEdge with unregistered vertex should fail")
	}
}

func TestAddEdgeMergeInfo(t *testing.T) {
	merged := false
	g := New[string](Descriptor{
		Name: "sig", Scope: EventScope, Cycle: Free,
		MergeInfo: func(old, new any) any {
			merged = true
			return old.(string) + "+" + new.(string)
		},
	})
	g.AddVertex(1)
	g.AddVertex(2)
	if err := g.AddEdge(1, 2, "a"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(1, 2, "b"); err != nil {
		t.Fatal(err)
	}
	if !merged {
		t.Fatal("MergeInfo was not invoked on duplicate AddEdge")
	}
	info, ok := g.EdgeInfo(1, 2)
	if !ok || info != "a+b" {
		t.Fatalf("EdgeInfo = %q, %v, want \"a+b\", true", info, ok)
	}
}

func TestChildrenParentsNeighbours(t *testing.T) {
	g := dagGraph()
	mustAdd(t, g, 1, 2)
	mustAdd(t, g, 1, 3)
	mustAdd(t, g, 4, 1)

	if got := g.Children(1); len(got) != 2 {
		t.Fatalf("Children(1) = %v, want 2 entries", got)
	}
	if got := g.Parents(1); len(got) != 1 || got[0] != 4 {
		t.Fatalf("Parents(1) = %v, want [4]", got)
	}
	if got := g.Neighbours(1); len(got) != 3 {
		t.Fatalf("Neighbours(1) = %v, want 3 entries", got)
	}
}

func TestReachesAndReachableFrom(t *testing.T) {
	g := dagGraph()
	mustAdd(t, g, 1, 2)
	mustAdd(t, g, 2, 3)

	if !g.Reaches(1, 3) {
		t.Fatal("Reaches(1,3) = false, want true")
	}
	if g.Reaches(3, 1) {
		t.Fatal("Reaches(3,1) = true, want false")
	}
	rf := g.ReachableFrom(1)
	if len(rf) != 2 {
		t.Fatalf("ReachableFrom(1) = %v, want [2 3]", rf)
	}
}

func TestRemoveVertexDropsIncidentEdges(t *testing.T) {
	g := dagGraph()
	mustAdd(t, g, 1, 2)
	mustAdd(t, g, 2, 3)

	g.RemoveVertex(2)

	if g.HasVertex(2) {
		t.Fatal("vertex 2 should be gone")
	}
	if g.HasEdge(1, 2) || g.HasEdge(2, 3) {
		t.Fatal("edges incident to removed vertex should be gone")
	}
}

func TestRemoveEdgeIsNoOpIfAbsent(t *testing.T) {
	g := dagGraph()
	g.RemoveEdge(1, 2) // must not panic
}

func TestAllEdgesAndAllVertices(t *testing.T) {
	g := dagGraph()
	mustAdd(t, g, 1, 2)
	mustAdd(t, g, 2, 3)

	if got := len(g.AllVertices()); got != 4 {
		t.Fatalf("AllVertices has %d entries, want 4", got)
	}
	if got := len(g.AllEdges()); got != 2 {
		t.Fatalf("AllEdges has %d entries, want 2", got)
	}
}

func mustAdd(t *testing.T, g *Graph[string], a, b ID) {
	t.Helper()
	if err := g.AddEdge(a, b, ""); err != nil {
		t.Fatalf("AddEdge(%d,%d): %v", a, b, err)
	}
}
