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

// Package planviz renders a plan.Snapshot as Graphviz dot: one node per
// task (and per free event), one edge per relation, for an operator
// debugging a stuck plan.
package planviz

import (
	"fmt"
	"io"
	"sort"

	"github.com/robycore/roby/pkg/plan"
)

// Option configures rendering.
type Option func(*renderState)

// WithRelations restricts rendering to the named relations; by default
// every relation in the snapshot is drawn.
func WithRelations(names ...string) Option {
	return func(rs *renderState) {
		rs.relations = map[string]bool{}
		for _, n := range names {
			rs.relations[n] = true
		}
	}
}

type renderState struct {
	relations map[string]bool
}

// stateColor color-codes nodes by lifecycle phase rather than labelling
// it in text alone.
func stateColor(s plan.State) string {
	switch s {
	case plan.StatePending:
		return "lightgray"
	case plan.StateStarting:
		return "lightyellow"
	case plan.StateRunning:
		return "palegreen"
	case plan.StateFinishing:
		return "orange"
	case plan.StateFinished:
		return "gray"
	default:
		return "white"
	}
}

// Write renders snap as a Graphviz dot digraph to w.
func Write(w io.Writer, snap plan.Snapshot, opts ...Option) error {
	rs := &renderState{}
	for _, o := range opts {
		o(rs)
	}

	fmt.Fprintf(w, "digraph plan {\n")
	fmt.Fprintf(w, "  rankdir=LR;\n")
	fmt.Fprintf(w, "  label=\"plan @ cycle %d\";\n", snap.Cycle)

	tasks := append([]plan.TaskSnapshot{}, snap.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	for _, t := range tasks {
		marks := ""
		if t.Mission {
			marks += " [mission]"
		}
		if t.Permanent {
			marks += " [permanent]"
		}
		fmt.Fprintf(w, "  task_%d [label=%q, style=filled, fillcolor=%q, shape=box];\n",
			t.ID, fmt.Sprintf("%s\\n#%d %s%s", t.Model, t.ID, t.State, marks), stateColor(t.State))
	}

	events := append([]plan.EventSnapshot{}, snap.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	for _, e := range events {
		if e.HasOwner {
			continue // task-bound events are drawn as part of their task box, not a separate node
		}
		label := fmt.Sprintf("free event\\n#%d", e.ID)
		color := "white"
		if e.Unreachable {
			color = "tomato"
		} else if e.Emitted {
			color = "palegreen"
		}
		fmt.Fprintf(w, "  event_%d [label=%q, style=filled, fillcolor=%q, shape=ellipse];\n", e.ID, label, color)
	}

	edges := append([]plan.RelationEdgeSnapshot{}, snap.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Relation != edges[j].Relation {
			return edges[i].Relation < edges[j].Relation
		}
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	owner := map[plan.ID]plan.ID{}
	for _, e := range events {
		if e.HasOwner {
			owner[e.ID] = e.Owner
		}
	}
	nodeName := func(id plan.ID) (string, bool) {
		if ownerID, ok := owner[id]; ok {
			return fmt.Sprintf("task_%d", ownerID), true
		}
		for _, t := range tasks {
			if t.ID == id {
				return fmt.Sprintf("task_%d", id), true
			}
		}
		for _, e := range events {
			if e.ID == id {
				return fmt.Sprintf("event_%d", id), true
			}
		}
		return "", false
	}
	for _, e := range edges {
		if rs.relations != nil && !rs.relations[e.Relation] {
			continue
		}
		from, ok1 := nodeName(e.From)
		to, ok2 := nodeName(e.To)
		if !ok1 || !ok2 {
			continue
		}
		fmt.Fprintf(w, "  %s -> %s [label=%q];\n", from, to, e.Relation)
	}

	fmt.Fprintf(w, "}\n")
	return nil
}
