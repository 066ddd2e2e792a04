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

// Query is a composable task matcher. Each With* method
// narrows the candidate set and returns the receiver so calls chain; Each
// executes the query against p, starting from the model/state indexes when
// a predicate lets it, and falling back to a full scan otherwise.
type Query struct {
	model      string
	hasModel   bool
	states     map[State]bool
	args       map[string]any
	withParent *Task
	withChild  *Task
	mission    *bool
	permanent  *bool
}

// NewQuery returns an empty query matching every task in the plan.
func NewQuery() *Query { return &Query{} }

// WithModel restricts the query to tasks whose model name equals name.
func (q *Query) WithModel(name string) *Query {
	q.model, q.hasModel = name, true
	return q
}

// WithState restricts the query to tasks in one of the given states.
func (q *Query) WithState(states ...State) *Query {
	if q.states == nil {
		q.states = map[State]bool{}
	}
	for _, s := range states {
		q.states[s] = true
	}
	return q
}

// WithArg restricts the query to tasks whose argument name is bound and
// equal to value (compared with ==; only valid for comparable argument
// types).
func (q *Query) WithArg(name string, value any) *Query {
	if q.args == nil {
		q.args = map[string]any{}
	}
	q.args[name] = value
	return q
}

// WithParent restricts the query to tasks that are a Dependency-child of
// parent.
func (q *Query) WithParent(parent *Task) *Query {
	q.withParent = parent
	return q
}

// WithChild restricts the query to tasks that are a Dependency-parent of
// child.
func (q *Query) WithChild(child *Task) *Query {
	q.withChild = child
	return q
}

// Missions restricts the query to mission tasks (or non-missions, if
// mission is false).
func (q *Query) Missions(mission bool) *Query {
	q.mission = &mission
	return q
}

// Permanent restricts the query to permanent tasks (or non-permanents, if
// permanent is false).
func (q *Query) Permanent(permanent bool) *Query {
	q.permanent = &permanent
	return q
}

// candidates returns the cheapest index-backed starting set the query can
// use, or nil to mean "scan every task".
func (q *Query) candidates(p *Plan) []*Task {
	switch {
	case q.hasModel:
		return p.TasksByModel(q.model)
	case len(q.states) == 1:
		for s := range q.states {
			return p.TasksByState(s)
		}
	case q.withParent != nil:
		rel := p.taskRelation(RelDependency)
		var ret []*Task
		for _, id := range rel.Children(q.withParent.id) {
			if t := p.tasks[id]; t != nil {
				ret = append(ret, t)
			}
		}
		return ret
	case q.withChild != nil:
		rel := p.taskRelation(RelDependency)
		var ret []*Task
		for _, id := range rel.Parents(q.withChild.id) {
			if t := p.tasks[id]; t != nil {
				ret = append(ret, t)
			}
		}
		return ret
	}
	return nil
}

func (q *Query) matches(p *Plan, t *Task) bool {
	if q.hasModel && t.model.Name != q.model {
		return false
	}
	if len(q.states) > 0 && !q.states[t.state] {
		return false
	}
	for name, v := range q.args {
		bound, ok := t.Arg(name)
		if !ok || bound != v {
			return false
		}
	}
	if q.withParent != nil {
		if !p.taskRelation(RelDependency).HasEdge(q.withParent.id, t.id) {
			return false
		}
	}
	if q.withChild != nil {
		if !p.taskRelation(RelDependency).HasEdge(t.id, q.withChild.id) {
			return false
		}
	}
	if q.mission != nil && p.IsMission(t) != *q.mission {
		return false
	}
	if q.permanent != nil && p.IsPermanent(t) != *q.permanent {
		return false
	}
	return true
}

// Each runs the query against p and returns every matching task.
func (q *Query) Each(p *Plan) []*Task {
	candidates := q.candidates(p)
	if candidates == nil {
		candidates = p.Tasks()
	}
	var ret []*Task
	for _, t := range candidates {
		if q.matches(p, t) {
			ret = append(ret, t)
		}
	}
	return ret
}

// One runs the query and returns its single match, or (nil, false) if the
// result set is not exactly one task.
func (q *Query) One(p *Plan) (*Task, bool) {
	got := q.Each(p)
	if len(got) != 1 {
		return nil, false
	}
	return got[0], true
}
