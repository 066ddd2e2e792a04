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

// PlannedBy records that planner planned the task identified by planned:
// an edge from planner to planned. The relation is weak (see
// standardDescriptors), so ReplaceTask never rewires it -- replacing a
// placeholder task detaches its planner rather than handing the planner
// off to the replacement.
func (p *Plan) PlannedBy(planner, planned *Task) error {
	return p.taskRelation(RelPlannedBy).AddEdge(planner.id, planned.id, nil)
}

// GC implements the plan's garbage collector. A task is useful if it is a
// mission, is permanent, is reachable from a useful task
// along a strong task relation, is the planner of a useful task, or is
// currently finishing (stopping tasks are kept alive until their stop
// event fires so their cleanup always runs to completion). Everything
// else is garbage: a garbage task that has never been started, or one
// that has already finished, is finalized outright (finished tasks are
// held for one extra cycle first, so handlers and event-log readers that
// run at the end of the cycle a task finished in still see it); a garbage
// task that is starting or running is stopped first and only finalized
// once it reaches StateFinished. A finishing task is never garbage.
type GC struct {
	plan *Plan

	finishedSince map[ID]uint64
	finalizing    map[ID]bool
}

// NewGC returns a collector bound to p.
func NewGC(p *Plan) *GC {
	return &GC{plan: p, finishedSince: map[ID]uint64{}, finalizing: map[ID]bool{}}
}

// computeUseful returns the set of task IDs currently useful.
func (p *Plan) computeUseful() map[ID]bool {
	useful := map[ID]bool{}
	var queue []ID

	mark := func(id ID) {
		if !useful[id] {
			useful[id] = true
			queue = append(queue, id)
		}
	}
	for id := range p.missions {
		if _, ok := p.tasks[id]; ok {
			mark(id)
		}
	}
	for id := range p.permanents {
		if _, ok := p.tasks[id]; ok {
			mark(id)
		}
	}
	for _, t := range p.tasks {
		if t.state == StateFinishing {
			mark(t.id)
		}
	}

	plannedBy := p.taskRelation(RelPlannedBy)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, rel := range p.taskRelations {
			if !rel.Descriptor().Strong {
				continue
			}
			for _, child := range rel.Children(cur) {
				mark(child)
			}
		}
		for _, planner := range plannedBy.Parents(cur) {
			mark(planner)
		}
	}
	return useful
}

// UsefulTaskIDs returns the set of tasks the garbage collector would keep
// this cycle. The kernel's scheduling phase uses the same set to decide
// which pending tasks are worth starting at all: starting a task the GC
// would immediately stop again is wasted work.
func (p *Plan) UsefulTaskIDs() map[ID]bool { return p.computeUseful() }

// Result summarizes one GC pass.
type Result struct {
	Finalized       []ID
	FinalizedEvents []ID
	Stopped         []ID
}

// Run executes one garbage-collection pass at the given cycle. It never
// blocks: stopping a running task only issues its stop command (via the
// plan's engine), it does not wait for the stop to actually emit.
func (gc *GC) Run(cycle uint64) (Result, error) {
	p := gc.plan
	useful := p.computeUseful()
	var res Result

	for _, t := range p.Tasks() {
		if t.finalized {
			continue
		}
		if useful[t.id] {
			delete(gc.finishedSince, t.id)
			continue
		}
		switch t.state {
		case StatePending:
			p.finalizeTask(t)
			res.Finalized = append(res.Finalized, t.id)
		case StateFinished:
			since, seen := gc.finishedSince[t.id]
			if !seen {
				gc.finishedSince[t.id] = cycle
				continue
			}
			if cycle > since {
				p.finalizeTask(t)
				delete(gc.finishedSince, t.id)
				res.Finalized = append(res.Finalized, t.id)
			}
		default:
			if gc.finalizing[t.id] {
				continue
			}
			stop := t.StopEvent()
			if stop == nil {
				// No stop event declared: the model has no orderly
				// shutdown path, so the task is dropped from GC's
				// consideration until it reaches StateFinished on its
				// own (e.g. via a non-stop terminal event forwarded
				// elsewhere).
				continue
			}
			if err := stop.Call(nil); err != nil {
				return res, err
			}
			gc.finalizing[t.id] = true
			t.finalizing = true
			res.Stopped = append(res.Stopped, t.id)
		}
	}

	// Free events: an unreachable one can never emit again, so unless it
	// is marked permanent there is nothing left to observe and it is
	// finalized. Task-bound generators are finalized with their task, and
	// a still-reachable free event is kept regardless of neighbours.
	for _, g := range p.Events() {
		if g.Owner() != nil || g.finalized {
			continue
		}
		if !g.Unreachable() || p.permanents[g.id] {
			continue
		}
		p.finalizeEvent(g)
		res.FinalizedEvents = append(res.FinalizedEvents, g.id)
	}
	return res, nil
}
