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

	"github.com/robycore/roby/pkg/relation"
)

// pendingEdge is one edge change a transaction will apply to the
// underlying plan on Commit.
type pendingEdge struct {
	relation string
	from, to ID
	info     any
	remove   bool
}

// Transaction batches task/event creation and relation edits against an
// underlying Plan so that either all of it takes effect, atomically, on
// Commit, or none of it does on Discard. Objects created inside an open
// transaction (NewTask, NewFreeEvent) are not
// visible in the underlying plan until Commit; edits to edges already
// present in the underlying plan are staged, not applied, until Commit.
//
// A Transaction works directly against real *Task/*EventGenerator values
// rather than proxying every plan object it touches, and only defers edge
// mutation: committing an edge add/remove is what's genuinely
// order-sensitive, while task/event field mutation (SetArg, On, ...) has
// no atomicity requirement the plan itself doesn't already provide --
// nothing else in the plan can observe a hidden object's fields before
// Commit makes it reachable.
type Transaction struct {
	plan *Plan

	newTasks  []*Task
	newEvents []*EventGenerator
	edits     []pendingEdge

	committed bool
	discarded bool
}

// Begin opens a transaction against p.
func Begin(p *Plan) *Transaction { return &Transaction{plan: p} }

// InTransaction runs fn against a fresh transaction, committing if fn
// returns nil and discarding if it returns an error.
func (p *Plan) InTransaction(fn func(*Transaction) error) error {
	tx := Begin(p)
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func (tx *Transaction) checkOpen() error {
	if tx.committed {
		return fmt.Errorf("transaction: already committed")
	}
	if tx.discarded {
		return fmt.Errorf("transaction: already discarded")
	}
	return nil
}

// NewTask instantiates model inside the transaction. The task is a real
// *Task backed by the underlying plan's ID space and relation graphs (so
// edges among transaction-local objects and committed objects compose
// immediately), but it is not returned by Plan.Tasks()/Plan queries until
// Commit.
func (tx *Transaction) NewTask(model *Model, args map[string]any) (*Task, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	t, err := tx.plan.NewTask(model, args)
	if err != nil {
		return nil, err
	}
	tx.hideTask(t)
	tx.newTasks = append(tx.newTasks, t)
	return t, nil
}

// hideTask removes a just-created task (and its bound generators) from the
// plan's public indexes until Commit, while leaving the relation-graph
// vertices in place so AddEdge between it and other transaction-local
// objects works. Plan.Add re-registers the bound generators on Commit.
func (tx *Transaction) hideTask(t *Task) {
	delete(tx.plan.tasks, t.id)
	if m := tx.plan.byModel[t.model.Name]; m != nil {
		delete(m, t.id)
	}
	for _, set := range tx.plan.byState {
		delete(set, t.id)
	}
	for _, g := range t.boundEvents {
		delete(tx.plan.events, g.id)
	}
}

// NewFreeEvent creates a free generator inside the transaction, hidden
// from the plan until Commit.
func (tx *Transaction) NewFreeEvent(controllable bool, cmd CommandFunc) (*EventGenerator, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	g := tx.plan.NewFreeEvent(controllable, cmd)
	delete(tx.plan.events, g.id)
	tx.newEvents = append(tx.newEvents, g)
	return g, nil
}

// AddEdge stages a relation edge addition, applied on Commit.
func (tx *Transaction) AddEdge(relationName string, from, to ID, info any) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.edits = append(tx.edits, pendingEdge{relation: relationName, from: from, to: to, info: info})
	return nil
}

// RemoveEdge stages a relation edge removal, applied on Commit.
func (tx *Transaction) RemoveEdge(relationName string, from, to ID) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.edits = append(tx.edits, pendingEdge{relation: relationName, from: from, to: to, remove: true})
	return nil
}

func (tx *Transaction) relationFor(name string) *relation.Graph[any] {
	if rel := tx.plan.taskRelations[name]; rel != nil {
		return rel
	}
	return tx.plan.eventRelations[name]
}

// Commit applies every staged edge edit and publishes every
// transaction-created task/event into the underlying plan. Additions are
// applied before removals. Commit can only fail on an invalid staged edge
// -- e.g. one that would close a cycle in a DAG relation against a plan
// that changed since the edit was staged -- and on failure the transaction
// discards itself: its locals never become visible, though edges applied
// earlier in the same Commit remain (a best-effort atomicity across edge
// edits, not a full snapshot/rollback log).
func (tx *Transaction) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	for _, e := range tx.edits {
		if e.remove {
			continue
		}
		rel := tx.relationFor(e.relation)
		if rel == nil {
			tx.Discard()
			return fmt.Errorf("transaction: unknown relation %q", e.relation)
		}
		if err := rel.AddEdge(e.from, e.to, e.info); err != nil {
			tx.Discard()
			return err
		}
	}
	for _, e := range tx.edits {
		if !e.remove {
			continue
		}
		if rel := tx.relationFor(e.relation); rel != nil {
			rel.RemoveEdge(e.from, e.to)
		}
	}
	for _, t := range tx.newTasks {
		tx.plan.Add(t)
	}
	for _, g := range tx.newEvents {
		tx.plan.Add(g)
	}
	tx.committed = true
	return nil
}

// Discard drops every staged edit and every transaction-created task/event
// without ever having made them visible in the plan.
func (tx *Transaction) Discard() {
	if tx.committed || tx.discarded {
		return
	}
	for _, t := range tx.newTasks {
		tx.plan.finalizeTask(t)
	}
	for _, g := range tx.newEvents {
		tx.plan.finalizeEvent(g)
	}
	tx.discarded = true
}
