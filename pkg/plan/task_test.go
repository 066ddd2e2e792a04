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
	"errors"
	"strings"
	"testing"

	"github.com/robycore/roby/internal/robytest"
	"github.com/robycore/roby/pkg/plan"
)

func TestTaskLifecycleStates(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Plan.AddMission(task)
	if task.State() != plan.StatePending {
		t.Fatalf("initial state = %s, want pending", task.State())
	}

	if err := task.StartEvent().Call(nil); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateStarting {
		t.Fatalf("state after Call(start) = %s, want starting", task.State())
	}
	if _, err := h.Engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateRunning {
		t.Fatalf("state after start propagates = %s, want running", task.State())
	}

	if err := task.StopEvent().Call(nil); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateFinishing {
		t.Fatalf("state after Call(stop) = %s, want finishing", task.State())
	}
	if _, err := h.Engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if task.State() != plan.StateFinished {
		t.Fatalf("state after stop propagates = %s, want finished", task.State())
	}
}

func TestCallNonControllableEventRejected(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget", "mid"), nil)
	if err != nil {
		t.Fatal(err)
	}
	mid, err := task.Event("mid")
	if err != nil {
		t.Fatal(err)
	}
	if err := mid.Call(nil); err == nil {
		t.Fatal("calling a non-start, non-terminal event with no command should fail")
	}
}

func TestFullyInstantiated(t *testing.T) {
	events := []plan.EventSpec{{Symbol: "start", Terminal: false}, {Symbol: "stop", Terminal: true}}
	model, err := plan.NewModel("Args", events, "start", "stop", []plan.ArgumentSpec{
		{Name: "required", Required: true},
		{Name: "withDefault", HasDflt: true, Default: 7},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	p := plan.New()

	missing, err := p.NewTask(model, nil)
	if err != nil {
		t.Fatal(err)
	}
	if missing.FullyInstantiated() {
		t.Fatal("task missing a required argument should not be fully instantiated")
	}

	full, err := p.NewTask(model, map[string]any{"required": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !full.FullyInstantiated() {
		t.Fatal("task with required arg set and the rest defaulted should be fully instantiated")
	}
	if v, ok := full.Arg("withDefault"); !ok || v != 7 {
		t.Fatalf("Arg(withDefault) = %v, %v, want 7, true", v, ok)
	}
}

func TestDelayedArgumentResolvedAtStart(t *testing.T) {
	h := robytest.NewHarness()
	events := []plan.EventSpec{{Symbol: "start", Terminal: false}, {Symbol: "stop", Terminal: true}}
	model, err := plan.NewModel("Delayed", events, "start", "stop", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	task, err := h.Plan.NewTask(model, nil)
	if err != nil {
		t.Fatal(err)
	}
	resolved := false
	task.SetArg("lazy", plan.Delayed(func(t *plan.Task) (any, error) {
		resolved = true
		return "value", nil
	}))
	if resolved {
		t.Fatal("Delayed argument should not resolve before start")
	}
	if err := task.StartEvent().Call(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !resolved {
		t.Fatal("Delayed argument should resolve when start is called")
	}
	if v, ok := task.Arg("lazy"); !ok || v != "value" {
		t.Fatalf("Arg(lazy) = %v, %v, want \"value\", true", v, ok)
	}
}

func TestOnExceptionHandlerVerdicts(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	var seen []error
	task.OnException(func(err error) plan.HandlerResult {
		seen = append(seen, err)
		return plan.Handled
	})
	if len(seen) != 0 {
		t.Fatal("handler should not run until an exception is raised")
	}
	outcome := h.Plan.Raise(errors.New("boom"), task)
	if len(seen) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(seen))
	}
	if !outcome.Handled || len(outcome.UnhandledAt) != 0 {
		t.Fatalf("outcome = %+v, want Handled with nothing unhandled", outcome)
	}
}

func TestWhenFailedOrUnreachableFiresOnUnreachableStart(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	var reason any
	task.WhenFailedOrUnreachable(func(r any) { reason = r })
	task.StartEvent().MarkUnreachable("never scheduled")
	if reason != "never scheduled" {
		t.Fatalf("WhenFailedOrUnreachable reason = %v, want %q", reason, "never scheduled")
	}
}

func TestFailurePointIDIncludesModelName(t *testing.T) {
	h := robytest.NewHarness()
	task, err := h.Plan.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := task.FailurePointID(); !strings.Contains(got, "Widget") {
		t.Fatalf("FailurePointID = %q, want it to contain the model name %q", got, "Widget")
	}
}
