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
	"context"
	"testing"

	"github.com/robycore/roby/internal/robytest"
	"github.com/robycore/roby/pkg/plan"
)

func TestGCFinalizesUnreferencedPendingTaskImmediately(t *testing.T) {
	p := plan.New()
	task, err := p.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	gc := plan.NewGC(p)
	res, err := gc.Run(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Finalized) != 1 || res.Finalized[0] != task.ID() {
		t.Fatalf("GC result = %+v, want task finalized immediately", res)
	}
}

func TestGCKeepsMissionTaskAlive(t *testing.T) {
	p := plan.New()
	task, err := p.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	p.AddMission(task)
	gc := plan.NewGC(p)
	res, err := gc.Run(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Finalized) != 0 {
		t.Fatalf("GC should not finalize a mission task, got %+v", res)
	}
}

func TestGCStopsThenFinalizesAfterTwoCycles(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(task)
	ctx := context.Background()

	if err := task.StartEvent().Call(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateRunning {
		t.Fatalf("state = %s, want running", task.State())
	}

	h.Plan.RemoveMission(task)

	// cycle 1: GC issues stop since the task is now useless but running.
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateFinished {
		t.Fatalf("state after GC-issued stop = %s, want finished", task.State())
	}
	if task.Finalized() {
		t.Fatal("a just-finished task should be held for one extra cycle before finalizing")
	}

	// cycle 2: the stop emitted after cycle 1's GC pass, so this is the
	// first pass to see the task finished and it records finishedSince;
	// finalization happens once the current cycle is strictly later.
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if task.Finalized() {
		t.Fatal("finalization should not happen in the same cycle finishedSince was recorded")
	}

	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if !task.Finalized() {
		t.Fatal("task should be finalized by the third GC pass after going useless")
	}
}

func TestGCFinalizesUnreachableFreeEvent(t *testing.T) {
	p := plan.New()
	doomed := p.NewFreeEvent(false, nil)
	kept := p.NewFreeEvent(false, nil)
	pinned := p.NewFreeEvent(false, nil)
	p.AddPermanent(pinned)

	doomed.MarkUnreachable("sensor went away")
	pinned.MarkUnreachable("sensor went away")

	gc := plan.NewGC(p)
	res, err := gc.Run(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FinalizedEvents) != 1 || res.FinalizedEvents[0] != doomed.ID() {
		t.Fatalf("FinalizedEvents = %v, want exactly the unreachable non-permanent event", res.FinalizedEvents)
	}
	if !doomed.Finalized() {
		t.Fatal("unreachable free event should be finalized")
	}
	if kept.Finalized() {
		t.Fatal("a still-reachable free event should be kept")
	}
	if pinned.Finalized() {
		t.Fatal("a permanent free event should be kept even once unreachable")
	}
}

func TestGCPlannedByKeepsPlannerAliveWhileEdgeExists(t *testing.T) {
	p := plan.New()
	planner, err := p.NewTask(robytest.SimpleModel("Planner"), nil)
	if err != nil {
		t.Fatal(err)
	}
	planned, err := p.NewTask(robytest.SimpleModel("Planned"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.PlannedBy(planner, planned); err != nil {
		t.Fatal(err)
	}
	p.AddMission(planned)

	gc := plan.NewGC(p)
	res, err := gc.Run(0)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range res.Finalized {
		if id == planner.ID() {
			t.Fatal("planner of a useful task should not be finalized")
		}
	}
}
