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

package plan_test

import (
	"testing"

	"github.com/robycore/roby/internal/robytest"
	"github.com/robycore/roby/pkg/plan"
)

func TestTransactionHidesObjectsUntilCommit(t *testing.T) {
	p := plan.New()
	tx := plan.Begin(p)
	task, err := tx.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Tasks()) != 0 {
		t.Fatal("task created inside an open transaction should not be visible in the plan yet")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(p.Tasks()) != 1 || p.Tasks()[0] != task {
		t.Fatal("Commit should publish the transaction's task into the plan")
	}
}

func TestTransactionDiscardDropsObjects(t *testing.T) {
	p := plan.New()
	tx := plan.Begin(p)
	if _, err := tx.NewTask(robytest.SimpleModel("Widget"), nil); err != nil {
		t.Fatal(err)
	}
	tx.Discard()
	if len(p.Tasks()) != 0 {
		t.Fatal("Discard should leave the plan untouched")
	}
}

func TestTransactionEdgeAcrossLocalAndCommittedObjects(t *testing.T) {
	p := plan.New()
	parent, err := p.NewTask(robytest.SimpleModel("Parent"), nil)
	if err != nil {
		t.Fatal(err)
	}

	tx := plan.Begin(p)
	child, err := tx.NewTask(robytest.SimpleModel("Child"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.AddEdge(plan.RelDependency, parent.ID(), child.ID(), plan.DependencyInfo{}); err != nil {
		t.Fatal(err)
	}
	if p.TaskRelation(plan.RelDependency).HasEdge(parent.ID(), child.ID()) {
		t.Fatal("a staged edge should not be visible before Commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if !p.TaskRelation(plan.RelDependency).HasEdge(parent.ID(), child.ID()) {
		t.Fatal("Commit should apply the staged edge")
	}
}

func TestTransactionRemoveEdgeStaged(t *testing.T) {
	p := plan.New()
	parent, err := p.NewTask(robytest.SimpleModel("Parent"), nil)
	if err != nil {
		t.Fatal(err)
	}
	child, err := p.NewTask(robytest.SimpleModel("Child"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddDependency(parent, child, plan.DependencyInfo{}); err != nil {
		t.Fatal(err)
	}

	tx := plan.Begin(p)
	if err := tx.RemoveEdge(plan.RelDependency, parent.ID(), child.ID()); err != nil {
		t.Fatal(err)
	}
	if !p.TaskRelation(plan.RelDependency).HasEdge(parent.ID(), child.ID()) {
		t.Fatal("edge should still exist before Commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if p.TaskRelation(plan.RelDependency).HasEdge(parent.ID(), child.ID()) {
		t.Fatal("Commit should apply the staged removal")
	}
}

func TestTransactionCommitTwiceFails(t *testing.T) {
	p := plan.New()
	tx := plan.Begin(p)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("committing twice should fail")
	}
}
