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

// Package plan implements the Roby plan data model: tasks, event
// generators, the per-relation graphs that connect them, transactions, the
// garbage collector, and the error-propagation layer that turns localized
// failures into Dependency-routed exceptions. The propagation kernel that
// drives a Plan's cycle loop lives in package kernel and talks to a Plan
// purely through the Engine interface defined here, so this package never
// imports it.
package plan

import (
	"fmt"

	"github.com/robycore/roby/pkg/relation"
)

// Plan owns a set of tasks and free events, the relation graphs over them,
// and the mission/permanent marks that keep objects alive across garbage
// collection. A Plan is not safe for concurrent use: it has a single
// writer, the execution engine (or the test driving it), and worker
// goroutines reach it only through the engine's queues.
type Plan struct {
	ids idSource

	tasks  map[ID]*Task
	events map[ID]*EventGenerator

	taskRelations  map[string]*relation.Graph[any]
	eventRelations map[string]*relation.Graph[any]

	missions   map[ID]bool
	permanents map[ID]bool

	byModel map[string]map[ID]bool
	byState map[State]map[ID]bool

	// childFailureFlagged remembers which Dependency edges CheckStructure
	// has already raised a ChildFailed exception for, so a still-present
	// edge to a finished-but-not-yet-finalized child doesn't re-raise every
	// subsequent cycle.
	childFailureFlagged map[childFailureKey]bool

	cycle uint64

	// globalHandlers are consulted once an exception has escaped every
	// Dependency ancestor unhandled, as the plan's last line of defense
	// before the exception surfaces to the application.
	globalHandlers []ExceptionHandler

	// engine is nil for a plain (non-executable) Plan; set by
	// kernel.New(plan) to produce an ExecutablePlan
	engine Engine

	root *Task // lazily created dedicated holder for free-event exceptions
}

// New returns an empty, non-executable Plan. Its events cannot be
// called/emitted until it is bound to an engine (see package kernel).
func New() *Plan {
	p := &Plan{
		tasks:          map[ID]*Task{},
		events:         map[ID]*EventGenerator{},
		taskRelations:  map[string]*relation.Graph[any]{},
		eventRelations: map[string]*relation.Graph[any]{},
		missions:       map[ID]bool{},
		permanents:     map[ID]bool{},
		byModel:        map[string]map[ID]bool{},
		byState:        map[State]map[ID]bool{},
	}
	for name, d := range standardDescriptors() {
		g := relation.New[any](d)
		if d.Scope == relation.TaskScope {
			p.taskRelations[name] = g
		} else {
			p.eventRelations[name] = g
		}
	}
	return p
}

// BindEngine attaches e as the plan's execution engine, turning it into an
// ExecutablePlan It must be called at most once.
func (p *Plan) BindEngine(e Engine) { p.engine = e }

// Engine returns the plan's bound engine, or nil.
func (p *Plan) Engine() Engine { return p.engine }

// Cycle returns the current cycle index.
func (p *Plan) Cycle() uint64 { return p.cycle }

// AdvanceCycle increments the cycle counter. Only the kernel calls this.
func (p *Plan) AdvanceCycle() { p.cycle++ }

func (p *Plan) taskRelation(name string) *relation.Graph[any]  { return p.taskRelations[name] }
func (p *Plan) eventRelation(name string) *relation.Graph[any] { return p.eventRelations[name] }

// TaskRelation exposes one task-scoped relation graph by name, for callers
// that need direct graph access (the GC, exception propagation, graphviz
// rendering).
func (p *Plan) TaskRelation(name string) *relation.Graph[any] { return p.taskRelations[name] }

// EventRelation exposes one event-scoped relation graph by name.
func (p *Plan) EventRelation(name string) *relation.Graph[any] { return p.eventRelations[name] }

// newGenerator allocates and registers a fresh, unbound-to-plan-structures
// generator. owner/sym are empty for free generators.
func (p *Plan) newGenerator(kind Kind, owner *Task, sym Symbol) *EventGenerator {
	g := &EventGenerator{
		plan:   p,
		id:     p.ids.alloc(),
		kind:   kind,
		owner:  owner,
		symbol: sym,
	}
	p.events[g.id] = g
	for _, rel := range p.eventRelations {
		rel.AddVertex(g.id)
	}
	return g
}

// NewFreeEvent creates and adds a new free (unbound) event generator.
// controllable generators are given cmd; others pass a nil cmd.
func (p *Plan) NewFreeEvent(controllable bool, cmd CommandFunc) *EventGenerator {
	g := p.newGenerator(KindFree, nil, "")
	g.controllable = controllable
	g.command = cmd
	return g
}

// NewTask instantiates model with the given arguments, adds it to the
// plan, and returns it. Arguments not present in args are left unset
// (subject to FullyInstantiated()).
func (p *Plan) NewTask(model *Model, args map[string]any) (*Task, error) {
	t := &Task{
		plan:        p,
		id:          p.ids.alloc(),
		model:       model,
		boundEvents: map[Symbol]*EventGenerator{},
		arguments:   map[string]any{},
		abstract:    model.Abstract(),
		state:       StatePending,
	}
	for argName, v := range args {
		t.SetArg(argName, v)
	}
	for _, spec := range model.arguments {
		if _, ok := t.arguments[spec.Name]; ok {
			continue
		}
		if spec.HasDflt {
			t.SetArg(spec.Name, spec.Default)
		}
	}
	for _, es := range model.events {
		g := p.newGenerator(KindTaskBound, t, es.Symbol)
		g.controllable = es.Symbol == model.start || es.Terminal
		if g.controllable {
			g.command = defaultEventCommand
		}
		t.boundEvents[es.Symbol] = g
	}
	p.tasks[t.id] = t
	for _, rel := range p.taskRelations {
		rel.AddVertex(t.id)
	}
	p.indexAdd(t)
	for _, f := range model.onConstruct {
		f(t)
	}
	p.wireTerminalClosure(t)
	return t, nil
}

// wireTerminalClosure forwards every terminal event that is not the
// model's stop event into stop, satisfying the invariant that stop
// transitively receives every terminal emission.
func (p *Plan) wireTerminalClosure(t *Task) {
	stop := t.StopEvent()
	if stop == nil {
		return
	}
	for sym, g := range t.boundEvents {
		if sym == t.model.stop || !t.model.IsTerminal(sym) {
			continue
		}
		_ = g.ForwardTo(stop)
	}
}

// Event looks up a generator by ID.
func (p *Plan) Event(id ID) *EventGenerator { return p.events[id] }

// Task looks up a task by ID.
func (p *Plan) Task(id ID) *Task { return p.tasks[id] }

// Tasks returns every non-finalized task in the plan, in unspecified
// order.
func (p *Plan) Tasks() []*Task {
	ret := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		ret = append(ret, t)
	}
	return ret
}

// Events returns every non-finalized free and task-bound generator.
func (p *Plan) Events() []*EventGenerator {
	ret := make([]*EventGenerator, 0, len(p.events))
	for _, e := range p.events {
		ret = append(ret, e)
	}
	return ret
}

// Add is idempotent: adding an already-added task/event is a no-op. Tasks
// and events are added to the plan implicitly by NewTask/NewFreeEvent, so
// Add exists mainly for objects built by a transaction commit (see
// transaction.go).
func (p *Plan) Add(obj any) {
	switch v := obj.(type) {
	case *Task:
		if _, ok := p.tasks[v.id]; ok {
			return
		}
		p.tasks[v.id] = v
		for _, rel := range p.taskRelations {
			rel.AddVertex(v.id)
		}
		p.indexAdd(v)
		for _, g := range v.boundEvents {
			p.Add(g)
		}
	case *EventGenerator:
		if _, ok := p.events[v.id]; ok {
			return
		}
		p.events[v.id] = v
		for _, rel := range p.eventRelations {
			rel.AddVertex(v.id)
		}
	}
}

// AddMission marks t as a mission: useful until explicitly unmarked.
func (p *Plan) AddMission(t *Task) { p.missions[t.id] = true }

// RemoveMission clears t's mission mark.
func (p *Plan) RemoveMission(t *Task) { delete(p.missions, t.id) }

// IsMission reports whether t is currently a mission.
func (p *Plan) IsMission(t *Task) bool { return p.missions[t.id] }

// Missions returns every current mission task.
func (p *Plan) Missions() []*Task {
	var ret []*Task
	for id := range p.missions {
		if t := p.tasks[id]; t != nil {
			ret = append(ret, t)
		}
	}
	return ret
}

// objectID is implemented by *Task and *EventGenerator.
type objectID interface{ ID() ID }

// AddPermanent marks obj (a *Task or *EventGenerator) permanent.
func (p *Plan) AddPermanent(obj objectID) { p.permanents[obj.ID()] = true }

// RemovePermanent clears obj's permanent mark.
func (p *Plan) RemovePermanent(obj objectID) { delete(p.permanents, obj.ID()) }

// IsPermanent reports whether obj is marked permanent.
func (p *Plan) IsPermanent(obj objectID) bool { return p.permanents[obj.ID()] }

// indexAdd maintains the model and state indexes for t.
func (p *Plan) indexAdd(t *Task) {
	if p.byModel[t.model.Name] == nil {
		p.byModel[t.model.Name] = map[ID]bool{}
	}
	p.byModel[t.model.Name][t.id] = true
	p.reindexState(t, t.state)
}

func (p *Plan) reindexState(t *Task, newState State) {
	for _, set := range p.byState {
		delete(set, t.id)
	}
	if p.byState[newState] == nil {
		p.byState[newState] = map[ID]bool{}
	}
	p.byState[newState][t.id] = true
}

// syncStateIndex must be called by the kernel after any operation that may
// have changed a task's state (Call/Emit already call onEventCalled /
// onEventEmitted synchronously, so this is invoked right after).
func (p *Plan) syncStateIndex(t *Task) { p.reindexState(t, t.state) }

// TasksByModel returns every task whose model name equals name, in O(1)
// amortized per candidate via the model index.
func (p *Plan) TasksByModel(name string) []*Task {
	var ret []*Task
	for id := range p.byModel[name] {
		ret = append(ret, p.tasks[id])
	}
	return ret
}

// TasksByState returns every task in the given state via the state index.
func (p *Plan) TasksByState(s State) []*Task {
	var ret []*Task
	for id := range p.byState[s] {
		if t := p.tasks[id]; t != nil {
			ret = append(ret, t)
		}
	}
	return ret
}

// AddDependency adds a Dependency edge: parent needs child.
func (p *Plan) AddDependency(parent, child *Task, info DependencyInfo) error {
	return p.taskRelation(RelDependency).AddEdge(parent.id, child.id, info)
}

// rootHolder returns (creating if needed) a dedicated, permanent task that
// stands in for free events when a localized error must be normalized to a
// task.
func (p *Plan) rootHolder() *Task {
	if p.root != nil {
		return p.root
	}
	m, err := NewModel("RootHolder", []EventSpec{
		{Symbol: "start", Terminal: false},
		{Symbol: "stop", Terminal: true},
	}, "start", "stop", nil, false)
	if err != nil {
		panic(err)
	}
	t, _ := p.NewTask(m, nil)
	t.state = StateRunning
	p.syncStateIndex(t)
	p.AddPermanent(t)
	p.root = t
	return t
}

// hasReachableForwardingSource reports whether target has a live (not
// unreachable) Forwarding parent other than exclude.
func (p *Plan) hasReachableForwardingSource(target *EventGenerator, exclude ID) bool {
	fwd := p.eventRelation(RelForwarding)
	for _, parentID := range fwd.Parents(target.id) {
		if parentID == exclude {
			continue
		}
		if parent := p.Event(parentID); parent != nil && !parent.unreachable {
			return true
		}
	}
	return false
}

// ReplaceTask rewrites every strong edge incident to old, in every
// relation, onto new -- using each relation's MergeInfo -- and drops weak
// edges. Missions and permanents are carried over.
func (p *Plan) ReplaceTask(old, repl *Task) error {
	for relName, rel := range p.taskRelations {
		d := rel.Descriptor()
		if !d.Strong {
			rel.RemoveVertex(old.id)
			rel.AddVertex(old.id) // weak edges incident to old are dropped, not rewired
			continue
		}
		for _, parentID := range rel.Parents(old.id) {
			info, _ := rel.EdgeInfo(parentID, old.id)
			if err := rel.AddEdge(parentID, repl.id, info); err != nil {
				return fmt.Errorf("ReplaceTask: relation %s: %w", relName, err)
			}
		}
		for _, childID := range rel.Children(old.id) {
			info, _ := rel.EdgeInfo(old.id, childID)
			if err := rel.AddEdge(repl.id, childID, info); err != nil {
				return fmt.Errorf("ReplaceTask: relation %s: %w", relName, err)
			}
		}
		rel.RemoveVertex(old.id)
		rel.AddVertex(old.id) // old keeps existing as a vertex; only its edges drop
	}
	if p.missions[old.id] {
		delete(p.missions, old.id)
		p.missions[repl.id] = true
	}
	if p.permanents[old.id] {
		delete(p.permanents, old.id)
		p.permanents[repl.id] = true
	}
	return nil
}

// finalizeTask removes t (and its bound generators) from the plan's
// arena. Only the garbage collector calls this during normal operation.
func (p *Plan) finalizeTask(t *Task) {
	if t.finalized {
		return
	}
	t.finalized = true
	for _, rel := range p.taskRelations {
		rel.RemoveVertex(t.id)
	}
	for _, set := range p.byState {
		delete(set, t.id)
	}
	if m := p.byModel[t.model.Name]; m != nil {
		delete(m, t.id)
	}
	delete(p.missions, t.id)
	delete(p.permanents, t.id)
	delete(p.tasks, t.id)
	for key := range p.childFailureFlagged {
		if key.parent == t.id || key.child == t.id {
			delete(p.childFailureFlagged, key)
		}
	}
	for _, g := range t.boundEvents {
		p.finalizeEvent(g)
	}
}

func (p *Plan) finalizeEvent(g *EventGenerator) {
	if g.finalized {
		return
	}
	g.finalized = true
	for _, rel := range p.eventRelations {
		rel.RemoveVertex(g.id)
	}
	delete(p.permanents, g.id)
	delete(p.events, g.id)
}
