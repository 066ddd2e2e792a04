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

package kernel_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/robycore/roby/internal/robytest"
	"github.com/robycore/roby/pkg/eventlog"
	"github.com/robycore/roby/pkg/kernel"
	"github.com/robycore/roby/pkg/plan"
	"github.com/robycore/roby/pkg/roerr"
)

// funcSource adapts a closure to kernel.Source; the closure may be set
// after the engine has been constructed.
type funcSource struct {
	gather func(ctx context.Context) ([]kernel.ExternalEvent, error)
}

func (s *funcSource) Gather(ctx context.Context) ([]kernel.ExternalEvent, error) {
	if s.gather == nil {
		return nil, nil
	}
	return s.gather(ctx)
}

// TestGoForwardAccumulatesPosition drives a mission task whose poll event
// bumps a position by its speed argument once per cycle: after thirty
// polled cycles the position has integrated to speed*30, and stopping the
// task leaves exactly one stop emission behind.
func TestGoForwardAccumulatesPosition(t *testing.T) {
	src := &funcSource{}
	h := robytest.NewHarness(kernel.WithSource(src))
	ctx := context.Background()

	model, err := plan.NewModel("GoForward",
		[]plan.EventSpec{{Symbol: "start"}, {Symbol: "stop", Terminal: true}},
		"start", "stop",
		[]plan.ArgumentSpec{{Name: "speed", Required: true}}, false)
	if err != nil {
		t.Fatal(err)
	}
	task, err := h.Plan.NewTask(model, map[string]any{"speed": 0.1})
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(task)

	pos := 0.0
	poll := h.Plan.NewFreeEvent(true, func(_ context.Context, gen *plan.EventGenerator, payload plan.EventContext) error {
		speed, _ := task.Arg("speed")
		pos += speed.(float64)
		return gen.Emit(payload)
	})
	src.gather = func(context.Context) ([]kernel.ExternalEvent, error) {
		if task.State() != plan.StateRunning {
			return nil, nil
		}
		return []kernel.ExternalEvent{{Gen: poll}}, nil
	}

	// Cycle 0 starts the mission; cycles 1..30 each poll once.
	for i := 0; i < 31; i++ {
		if _, err := h.Engine.Step(ctx); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if math.Abs(pos-3.0) > 1e-9 {
		t.Fatalf("pos after 30 polled cycles = %v, want 3.0", pos)
	}

	if err := task.StopEvent().Call(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(task.StopEvent().History()); got != 1 {
		t.Fatalf("stop history has %d emissions, want exactly 1", got)
	}
	if task.State() == plan.StateRunning {
		t.Fatal("task should no longer be running after stop")
	}
}

// TestPlannedMoveReplacement covers the planning pattern: an abstract
// mission placeholder is planned by a planner task; on the planner's
// success the placeholder is replaced by a concrete task, the placeholder
// and the planner get garbage collected, and the concrete task starts.
func TestPlannedMoveReplacement(t *testing.T) {
	h := robytest.NewHarness()
	ctx := context.Background()

	abstractModel, err := plan.NewModel("MoveTo",
		[]plan.EventSpec{{Symbol: "start"}, {Symbol: "stop", Terminal: true}},
		"start", "stop",
		[]plan.ArgumentSpec{{Name: "goal", Required: true}}, true)
	if err != nil {
		t.Fatal(err)
	}
	placeholder, err := h.Plan.NewTask(abstractModel, map[string]any{"goal": "10,20"})
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(placeholder)

	planner, err := h.Plan.NewTask(robytest.SimpleModel("Planner"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Plan.PlannedBy(planner, placeholder); err != nil {
		t.Fatal(err)
	}
	if err := planner.StartEvent().SetCommand(func(_ context.Context, gen *plan.EventGenerator, payload plan.EventContext) error {
		if err := gen.Emit(payload); err != nil {
			return err
		}
		return planner.StopEvent().Call(payload)
	}); err != nil {
		t.Fatal(err)
	}

	var concrete *plan.Task
	plannerStop, err := planner.Event("stop")
	if err != nil {
		t.Fatal(err)
	}
	plannerStop.On(func(plan.Emission) {
		goal, _ := placeholder.Arg("goal")
		concreteModel := robytest.SimpleModel("MoveToConcrete")
		c, err := h.Plan.NewTask(concreteModel, map[string]any{"goal": goal})
		if err != nil {
			t.Errorf("building concrete task: %v", err)
			return
		}
		if err := h.Plan.ReplaceTask(placeholder, c); err != nil {
			t.Errorf("ReplaceTask: %v", err)
			return
		}
		concrete = c
	})

	for i := 0; i < 4; i++ {
		if _, err := h.Engine.Step(ctx); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}

	if concrete == nil {
		t.Fatal("planner never produced the concrete task")
	}
	if !placeholder.Finalized() {
		t.Fatal("the abstract placeholder should have been garbage collected after replacement")
	}
	if !planner.Finalized() {
		t.Fatal("the planner should have been garbage collected once its product replaced the placeholder")
	}
	if concrete.State() != plan.StateRunning {
		t.Fatalf("concrete task state = %s, want running", concrete.State())
	}
	if !h.Plan.IsMission(concrete) {
		t.Fatal("the mission mark should have been carried onto the concrete task")
	}
	if parents := h.Plan.TaskRelation(plan.RelDependency).Parents(placeholder.ID()); len(parents) != 0 {
		t.Fatalf("no dependency edge should point at the placeholder, got parents %v", parents)
	}
}

func TestShutdownSequenceDrainsPlan(t *testing.T) {
	h := robytest.NewHarness()
	ctx := context.Background()

	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(task)
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateRunning {
		t.Fatalf("task state = %s, want running before shutdown", task.State())
	}

	h.Engine.RequestQuit()
	for i := 0; i < 5 && !h.Engine.Stopped(); i++ {
		if _, err := h.Engine.Step(ctx); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if !h.Engine.Stopped() {
		t.Fatalf("engine not stopped after shutdown cycles; %d task(s) remain", len(h.Plan.Tasks()))
	}
}

func TestTimeoutRaisesTimedOut(t *testing.T) {
	h := robytest.NewHarness()
	ctx := context.Background()

	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget", "probe"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(task)
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}

	var seen []error
	task.OnException(func(err error) plan.HandlerResult {
		seen = append(seen, err)
		return plan.Handled
	})

	probe, err := task.Event("probe")
	if err != nil {
		t.Fatal(err)
	}
	probe.SetDeadline(h.Clock.Now().Add(time.Second))
	h.Clock.Step(2 * time.Second)

	report, err := h.Engine.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Exceptions != 1 {
		t.Fatalf("report.Exceptions = %d, want 1", report.Exceptions)
	}
	if len(seen) != 1 {
		t.Fatalf("handler saw %d exceptions, want 1", len(seen))
	}
	if kind, ok := roerr.KindOf(seen[0]); !ok || kind != roerr.KindTimedOut {
		t.Fatalf("exception kind = %v, %v, want KindTimedOut", kind, ok)
	}
}

// TestSpawnDeliversResultThroughGather checks the worker-thread contract:
// a spawned body's result never touches the plan from the pool goroutine,
// it surfaces as a Call drained at the next cycle's gather phase.
func TestSpawnDeliversResultThroughGather(t *testing.T) {
	pool := kernel.NewThreadPool(1)
	h := robytest.NewHarness(kernel.WithThreadPool(pool))
	ctx := context.Background()

	gen := h.Plan.NewFreeEvent(true, robytest.NoopCommand)
	h.Engine.Spawn(ctx, gen, func(context.Context) (plan.EventContext, error) {
		return "computed", nil
	})
	pool.Wait()

	if gen.Emitted() {
		t.Fatal("the worker result must not reach the plan before a cycle gathers it")
	}
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if !gen.Emitted() {
		t.Fatal("the gather phase should have turned the worker result into a call and emission")
	}
	last, ok := gen.LastEmission()
	if !ok || last.Context != "computed" {
		t.Fatalf("emission context = %v, %v, want the worker's return value", last.Context, ok)
	}
}

func TestEventLogRecordsCycleAndEmission(t *testing.T) {
	var recs []eventlog.Record
	h := robytest.NewHarness(kernel.WithEventLog(func(r eventlog.Record) { recs = append(recs, r) }))
	ctx := context.Background()

	g := h.Plan.NewFreeEvent(true, robytest.NoopCommand)
	if err := g.Call(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Engine.Step(ctx); err != nil {
		t.Fatal(err)
	}

	kinds := map[eventlog.Kind]int{}
	for _, r := range recs {
		kinds[r.Kind]++
	}
	if kinds[eventlog.KindCycleStart] != 1 || kinds[eventlog.KindCycleEnd] != 1 {
		t.Fatalf("cycle records = %+v, want one start and one end", kinds)
	}
	if kinds[eventlog.KindEventEmitted] != 1 {
		t.Fatalf("emission records = %d, want 1", kinds[eventlog.KindEventEmitted])
	}
	if recs[0].Kind != eventlog.KindCycleStart || recs[len(recs)-1].Kind != eventlog.KindCycleEnd {
		t.Fatal("cycle-start must be the first record of a cycle and cycle-end the last")
	}

	g2 := h.Plan.NewFreeEvent(false, nil)
	g2.MarkUnreachable("gone")
	last := recs[len(recs)-1]
	if last.Kind != eventlog.KindEventUnreachable || last.GeneratorID != uint64(g2.ID()) {
		t.Fatalf("last record = %+v, want event-unreachable for g2", last)
	}
}
