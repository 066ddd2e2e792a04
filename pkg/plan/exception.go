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

import "github.com/robycore/roby/pkg/roerr"

// ExceptionOutcome summarizes one Raise call's walk of the Dependency
// graph.
type ExceptionOutcome struct {
	// Handled is true if at least one task on the propagation frontier
	// returned Handled, stopping that path.
	Handled bool
	// FatalAt lists every task whose handler verdict was Fatal; each of
	// these had its fault reaction event called.
	FatalAt []*Task
	// UnhandledAt lists every task the exception reached without being
	// handled, including the origin if it has no handlers at all. If this
	// is non-empty and Handled is false along every path, the exception
	// escalated all the way to the plan.
	UnhandledAt []*Task
}

// ExceptionMatcher filters which exceptions a handler observes. Matchers
// compose with MatchAll/MatchAny.
type ExceptionMatcher func(err error) bool

// MatchKind matches localized errors of the given kind.
func MatchKind(kind roerr.Kind) ExceptionMatcher {
	return func(err error) bool {
		k, ok := roerr.KindOf(err)
		return ok && k == kind
	}
}

// MatchFailurePoint matches localized errors whose failure point satisfies
// pred.
func MatchFailurePoint(pred func(roerr.FailurePoint) bool) ExceptionMatcher {
	return func(err error) bool {
		le, ok := err.(*roerr.LocalizedError)
		return ok && le.Point != nil && pred(le.Point)
	}
}

// MatchAll matches when every matcher does.
func MatchAll(ms ...ExceptionMatcher) ExceptionMatcher {
	return func(err error) bool {
		for _, m := range ms {
			if !m(err) {
				return false
			}
		}
		return true
	}
}

// MatchAny matches when at least one matcher does.
func MatchAny(ms ...ExceptionMatcher) ExceptionMatcher {
	return func(err error) bool {
		for _, m := range ms {
			if m(err) {
				return true
			}
		}
		return false
	}
}

// OnExceptionMatching registers a handler that only sees exceptions m
// matches; everything else passes through as Unhandled.
func (t *Task) OnExceptionMatching(m ExceptionMatcher, h ExceptionHandler) {
	t.OnException(func(err error) HandlerResult {
		if !m(err) {
			return Unhandled
		}
		return h(err)
	})
}

// OnException registers a plan-global exception handler, consulted once a
// localized error has escaped every Dependency ancestor unhandled.
func (p *Plan) OnException(h ExceptionHandler) {
	p.globalHandlers = append(p.globalHandlers, h)
}

// Raise propagates a localized error starting at origin (or the plan's
// root holder, for errors with no owning task) along the Dependency
// graph's Parents edges, invoking each reached task's exception handlers
// in registration order. A Handled verdict stops propagation along that
// path; Unhandled continues it to the task's own Dependency parents;
// Fatal stops propagation along that path and forces the task to stop via
// its fault reaction event.
func (p *Plan) Raise(err error, origin *Task) ExceptionOutcome {
	if origin == nil {
		origin = p.rootHolder()
	}
	dep := p.taskRelation(RelDependency)
	visited := map[ID]bool{origin.id: true}
	queue := []*Task{origin}
	var outcome ExceptionOutcome

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		verdict := Unhandled
		for _, h := range cur.exceptionHandlers {
			switch h(err) {
			case Handled:
				verdict = Handled
			case Fatal:
				if verdict != Handled {
					verdict = Fatal
				}
			}
			if verdict == Handled {
				break
			}
		}

		switch verdict {
		case Handled:
			outcome.Handled = true
			continue
		case Fatal:
			outcome.FatalAt = append(outcome.FatalAt, cur)
			cur.forceStop(err)
			continue
		default:
			outcome.UnhandledAt = append(outcome.UnhandledAt, cur)
		}

		for _, parentID := range dep.Parents(cur.id) {
			if visited[parentID] {
				continue
			}
			visited[parentID] = true
			if parent := p.Task(parentID); parent != nil {
				queue = append(queue, parent)
			}
		}
	}

	if len(outcome.UnhandledAt) > 0 && !outcome.Handled {
		for _, h := range p.globalHandlers {
			if h(err) == Handled {
				outcome.Handled = true
				break
			}
		}
	}
	if p.engine != nil && len(outcome.UnhandledAt) > 0 && !outcome.Handled {
		p.engine.Logf("exception escalated to plan: %v (reached %d task(s) unhandled)", err, len(outcome.UnhandledAt))
	}
	return outcome
}

// RaiseChildFailed is the common entry point a kernel uses when a task's
// ChildFailed condition fires: a Dependency child finished through a
// terminal event outside its declared success events. It wraps err as
// roerr.KindChildFailed (unless it already is one) before walking the
// graph starting at the failing child's Dependency parents.
func (p *Plan) RaiseChildFailed(child *Task, err error) ExceptionOutcome {
	if k, ok := roerr.KindOf(err); !ok || k != roerr.KindChildFailed {
		err = roerr.Wrap(roerr.KindChildFailed, child, err)
	}
	dep := p.taskRelation(RelDependency)
	visited := map[ID]bool{child.id: true}
	var outcome ExceptionOutcome
	for _, parentID := range dep.Parents(child.id) {
		if visited[parentID] {
			continue
		}
		visited[parentID] = true
		if parent := p.Task(parentID); parent != nil {
			sub := p.Raise(err, parent)
			outcome.Handled = outcome.Handled || sub.Handled
			outcome.FatalAt = append(outcome.FatalAt, sub.FatalAt...)
			outcome.UnhandledAt = append(outcome.UnhandledAt, sub.UnhandledAt...)
		}
	}
	return outcome
}
