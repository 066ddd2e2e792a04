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

package kernel

import (
	"k8s.io/utils/clock"

	"github.com/robycore/roby/pkg/plan"
)

// Scheduler decides, once per cycle, which pending tasks are ready to have
// their start event called. It is pure
// policy: a Scheduler never mutates the plan, it only picks. Non-eligible
// start calls stay queued and are re-offered every cycle.
type Scheduler interface {
	// Eligible reports whether t's start event may be called this cycle.
	Eligible(p *plan.Plan, t *plan.Task) bool
}

// BasicScheduler starts any fully-instantiated, non-abstract pending task
// that is not waiting on an unfulfilled SchedulingConstraints parent and
// has no incoming unsatisfied Temporal constraint. Temporal deltas are
// ignored; only "the predecessor must have occurred at all" is enforced
// (TemporalScheduler adds the delta).
type BasicScheduler struct{}

// Eligible implements Scheduler.
func (BasicScheduler) Eligible(p *plan.Plan, t *plan.Task) bool {
	if t.Abstract() || !t.FullyInstantiated() {
		return false
	}
	start := t.StartEvent()
	if start == nil {
		return false
	}
	constraints := p.EventRelation(plan.RelSchedulingConstraint)
	for _, parentID := range constraints.Parents(start.ID()) {
		parent := p.Event(parentID)
		if parent == nil {
			continue
		}
		if !parent.Emitted() {
			return false
		}
	}
	temporal := p.EventRelation(plan.RelTemporal)
	for _, parentID := range temporal.Parents(start.ID()) {
		parent := p.Event(parentID)
		if parent == nil {
			continue
		}
		if !parent.Emitted() {
			return false
		}
	}
	return true
}

// TemporalScheduler additionally honours the Temporal relation's deltas:
// a task only starts once every Temporal predecessor of its start event
// has emitted at least Delta ago.
type TemporalScheduler struct {
	Clock clock.PassiveClock
}

// NewTemporalScheduler returns a scheduler that consults clk to evaluate
// Temporal deltas.
func NewTemporalScheduler(clk clock.PassiveClock) *TemporalScheduler {
	return &TemporalScheduler{Clock: clk}
}

// Eligible implements Scheduler.
func (s *TemporalScheduler) Eligible(p *plan.Plan, t *plan.Task) bool {
	if !(BasicScheduler{}).Eligible(p, t) {
		return false
	}
	start := t.StartEvent()
	if start == nil {
		return true
	}
	temporal := p.EventRelation(plan.RelTemporal)
	now := s.Clock.Now()
	for _, parentID := range temporal.Parents(start.ID()) {
		parent := p.Event(parentID)
		if parent == nil {
			continue
		}
		info, _ := temporal.EdgeInfo(parentID, start.ID())
		delta, _ := info.(plan.TemporalInfo)
		last, ok := parent.LastEmission()
		if !ok {
			return false
		}
		if now.Sub(last.At) < delta.Delta {
			return false
		}
	}
	return true
}
