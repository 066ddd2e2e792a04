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

import (
	"fmt"

	"github.com/robycore/roby/pkg/roerr"
)

// ChildFailure is one violation found by CheckStructure: child reached a
// terminal event outside the Dependency edge's declared success set.
type ChildFailure struct {
	Parent *Task
	Child  *Task
	Err    error
}

// childFailureKey identifies one Dependency edge, so CheckStructure raises
// ChildFailed for it at most once.
type childFailureKey struct{ parent, child ID }

// CheckStructure runs the plan's built-in structure checks, one per
// relation that defines an invariant over its edges.
// The only structure check the core registers is the Dependency relation's
// ChildFailed condition: a child that reached one of its terminal events
// without that event being in the dependency's declared success set.
func (p *Plan) CheckStructure() []ChildFailure {
	var out []ChildFailure
	dep := p.taskRelation(RelDependency)
	for _, e := range dep.AllEdges() {
		parent := p.tasks[e.From]
		child := p.tasks[e.To]
		if parent == nil || child == nil {
			continue
		}
		key := childFailureKey{e.From, e.To}
		if p.childFailureFlagged[key] {
			continue
		}
		sym, ok := child.emittedTerminalSymbol()
		if !ok {
			continue
		}
		info, _ := e.Info.(DependencyInfo)
		if containsSymbol(info.SuccessEvent, sym) {
			continue
		}
		if len(info.FailureEvent) > 0 && !containsSymbol(info.FailureEvent, sym) {
			// Declared failure set exists and doesn't name this symbol:
			// the model considers it neither success nor failure (e.g. a
			// benign alternate terminal), so no ChildFailed is raised.
			continue
		}
		if p.childFailureFlagged == nil {
			p.childFailureFlagged = map[childFailureKey]bool{}
		}
		p.childFailureFlagged[key] = true
		err := roerr.New(roerr.KindChildFailed, child,
			fmt.Sprintf("child reached %q, which is not in the dependency's success set", sym))
		out = append(out, ChildFailure{Parent: parent, Child: child, Err: err})
	}
	return out
}

func containsSymbol(list []Symbol, sym Symbol) bool {
	for _, s := range list {
		if s == sym {
			return true
		}
	}
	return false
}

// emittedTerminalSymbol returns the terminal event symbol this task
// reached, if any -- preferring a non-stop terminal (the one a command
// actually called) over stop itself, since stop is usually only reached by
// forwarding from it.
func (t *Task) emittedTerminalSymbol() (Symbol, bool) {
	for sym, g := range t.boundEvents {
		if sym == t.model.stop {
			continue
		}
		if t.model.IsTerminal(sym) && g.Emitted() {
			return sym, true
		}
	}
	if stop := t.StopEvent(); stop != nil && stop.Emitted() {
		return t.model.stop, true
	}
	return "", false
}
