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

package plan

// TaskSnapshot is an immutable view of one task's identity and lifecycle
// state at the moment Plan.Snapshot was called.
type TaskSnapshot struct {
	ID        ID
	Model     string
	State     State
	Abstract  bool
	Arguments map[string]any
	Mission   bool
	Permanent bool
}

// EventSnapshot is an immutable view of one event generator.
type EventSnapshot struct {
	ID          ID
	Owner       ID // zero value (no valid ID 0) if free
	HasOwner    bool
	Symbol      Symbol
	Emitted     bool
	Unreachable bool
	EmitCount   int
}

// RelationEdgeSnapshot is one edge of one relation graph.
type RelationEdgeSnapshot struct {
	Relation string
	From, To ID
}

// Snapshot is an immutable, serializable view of an entire plan, fit for
// the event log and for test assertions that a sequence of operations
// left the plan in an expected shape.
// It never shares mutable state with the live Plan: every field is a
// value copy.
type Snapshot struct {
	Cycle  uint64
	Tasks  []TaskSnapshot
	Events []EventSnapshot
	Edges  []RelationEdgeSnapshot
}

// Snapshot captures the plan's current state.
func (p *Plan) Snapshot() Snapshot {
	snap := Snapshot{Cycle: p.cycle}

	for _, t := range p.tasks {
		args := make(map[string]any, len(t.arguments))
		for k, v := range t.arguments {
			args[k] = v
		}
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:        t.id,
			Model:     t.model.Name,
			State:     t.state,
			Abstract:  t.abstract,
			Arguments: args,
			Mission:   p.missions[t.id],
			Permanent: p.permanents[t.id],
		})
	}

	for _, g := range p.events {
		es := EventSnapshot{
			ID:          g.id,
			Symbol:      g.symbol,
			Emitted:     g.emitted,
			Unreachable: g.unreachable,
			EmitCount:   len(g.history),
		}
		if g.owner != nil {
			es.Owner = g.owner.id
			es.HasOwner = true
		}
		snap.Events = append(snap.Events, es)
	}

	for name, rel := range p.taskRelations {
		for _, e := range rel.AllEdges() {
			snap.Edges = append(snap.Edges, RelationEdgeSnapshot{Relation: name, From: e.From, To: e.To})
		}
	}
	for name, rel := range p.eventRelations {
		for _, e := range rel.AllEdges() {
			snap.Edges = append(snap.Edges, RelationEdgeSnapshot{Relation: name, From: e.From, To: e.To})
		}
	}

	return snap
}
