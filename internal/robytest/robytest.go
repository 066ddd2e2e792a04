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

// Package robytest builds small fixture plans, models, and engines for
// tests, so individual tests don't each hand-roll the same scaffolding.
// Nothing here is exported outside the module: it is test-only
// scaffolding, not part of the public API.
package robytest

import (
	"context"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/robycore/roby/pkg/kernel"
	"github.com/robycore/roby/pkg/plan"
)

// SimpleModel returns a task model with a "start" event and a terminal
// "stop" event -- the minimum shape most fixtures need. Extra non-terminal
// event symbols may be appended.
func SimpleModel(name string, extra ...string) *plan.Model {
	events := []plan.EventSpec{
		{Symbol: "start", Terminal: false},
		{Symbol: "stop", Terminal: true},
	}
	for _, sym := range extra {
		events = append(events, plan.EventSpec{Symbol: plan.Symbol(sym), Terminal: false})
	}
	m, err := plan.NewModel(name, events, "start", "stop", nil, false)
	if err != nil {
		panic(err)
	}
	return m
}

// ModelWithTerminals returns a task model whose terminal events are
// exactly terminals (each also declared as a plain event), "stop" always
// included, plus a non-terminal "start". Useful for Dependency/ChildFailed
// fixtures that need more than one way to finish.
func ModelWithTerminals(name string, terminals ...string) *plan.Model {
	events := []plan.EventSpec{{Symbol: "start", Terminal: false}}
	hasStop := false
	for _, sym := range terminals {
		events = append(events, plan.EventSpec{Symbol: plan.Symbol(sym), Terminal: true})
		if sym == "stop" {
			hasStop = true
		}
	}
	if !hasStop {
		events = append(events, plan.EventSpec{Symbol: "stop", Terminal: true})
	}
	m, err := plan.NewModel(name, events, "start", "stop", nil, false)
	if err != nil {
		panic(err)
	}
	return m
}

// Harness bundles a plan, a bound kernel engine, and a fake clock a test
// can advance deterministically.
type Harness struct {
	Plan   *plan.Plan
	Engine *kernel.Engine
	Clock  *clocktesting.FakeClock
}

// NewHarness returns a fresh executable plan bound to a kernel engine with
// a fake clock frozen at an arbitrary, fixed instant, and a short cycle
// period so Run-based tests don't need to actually wait.
func NewHarness(opts ...kernel.Option) *Harness {
	fc := clocktesting.NewFakeClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	p := plan.New()
	all := append([]kernel.Option{
		kernel.WithClock(fc),
		kernel.WithCyclePeriod(time.Millisecond),
	}, opts...)
	e := kernel.New(p, all...)
	return &Harness{Plan: p, Engine: e, Clock: fc}
}

// Drain runs Step exactly maxCycles times (each call processes one full
// cycle), stopping early only on an error; it does not detect a quiet
// plan. A convenience for tests that don't want to hand-count cycles for a
// chain of forwardings/signals/achieve_with hops to settle.
func (h *Harness) Drain(ctx context.Context, maxCycles int) error {
	for i := 0; i < maxCycles; i++ {
		if _, err := h.Engine.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NoopCommand is a CommandFunc that just emits immediately with a nil
// payload, for fixtures that don't care about command behavior.
func NoopCommand(ctx context.Context, gen *plan.EventGenerator, payload plan.EventContext) error {
	return gen.Emit(payload)
}
