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
	"context"
	"fmt"
	"time"

	"github.com/kr/pretty"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/robycore/roby/pkg/eventlog"
	"github.com/robycore/roby/pkg/plan"
	"github.com/robycore/roby/pkg/roerr"
)

// CycleReport summarizes one Step call: how many commands ran, how many
// ChildFailed/TimedOut exceptions the structure/timeout checks raised, and
// what the garbage collector did. It exists for tests and for the
// kernel's own "overly-long cycle" diagnostic, not as a public replay log
// (that is the event logger's job, package eventlog).
type CycleReport struct {
	Cycle      uint64
	Called     int
	Started    int
	Exceptions int
	GC         plan.Result
	Duration   time.Duration
	Overran    bool
}

// RequestQuit arranges for the shutdown sequence
// to begin at the top of the next Step: every current mission and
// permanent is unmarked, after which ordinary GC cycles drain the plan
// since nothing is useful anymore.
func (e *Engine) RequestQuit() {
	e.mu.Lock()
	e.quitRequested = true
	e.mu.Unlock()
}

// Quitting reports whether RequestQuit has been called.
func (e *Engine) Quitting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quitRequested
}

// Stopped reports whether the shutdown sequence has finished: a quit was
// requested and the plan holds no tasks left to finalize.
func (e *Engine) Stopped() bool {
	return e.Quitting() && len(e.plan.Tasks()) == 0
}

// Step runs exactly one execution cycle to completion: gather external
// events, start eligible pending tasks, propagate until the call queue is
// empty, run structure and timeout checks (feeding any violation into
// error propagation), garbage-collect, log, and advance the cycle
// counter.
func (e *Engine) Step(ctx context.Context) (CycleReport, error) {
	start := e.clock.Now()
	cycle := e.plan.Cycle()
	report := CycleReport{Cycle: cycle}
	if e.record != nil {
		e.record(eventlog.Record{Kind: eventlog.KindCycleStart, At: start, Cycle: cycle})
	}

	if e.Quitting() {
		for _, m := range e.plan.Missions() {
			e.plan.RemoveMission(m)
		}
		for _, t := range e.plan.Tasks() {
			if e.plan.IsPermanent(t) {
				e.plan.RemovePermanent(t)
			}
		}
	}

	e.gatherExternal(ctx)
	report.Started = e.schedulePending()

	called, err := e.drainPropagation(ctx)
	report.Called = called
	if err != nil {
		return report, err
	}

	for _, cf := range e.plan.CheckStructure() {
		outcome := e.plan.RaiseChildFailed(cf.Child, cf.Err)
		e.afterRaise(cf.Err, uint64(cf.Child.ID()), outcome)
		report.Exceptions++
		more, err := e.drainPropagation(ctx)
		report.Called += more
		if err != nil {
			return report, err
		}
	}

	if n := e.checkTimeouts(); n > 0 {
		report.Exceptions += n
		more, err := e.drainPropagation(ctx)
		report.Called += more
		if err != nil {
			return report, err
		}
	}

	gcResult, err := e.gc.Run(cycle)
	if err != nil {
		return report, err
	}
	report.GC = gcResult
	if e.record != nil {
		for _, id := range gcResult.Finalized {
			e.record(eventlog.Record{Kind: eventlog.KindTaskFinalized, At: e.clock.Now(), TaskID: uint64(id)})
		}
	}
	if len(gcResult.Stopped) > 0 {
		more, err := e.drainPropagation(ctx)
		report.Called += more
		if err != nil {
			return report, err
		}
	}

	report.Duration = e.clock.Now().Sub(start)
	if e.cycleTimeout > 0 && report.Duration > e.cycleTimeout {
		report.Overran = true
		e.logf("cycle %d overran its target period: %s > %s", cycle, report.Duration, e.cycleTimeout)
	}
	klog.V(2).Infof("cycle %d done: %s", cycle, pretty.Sprint(report))
	if e.metrics != nil {
		e.metrics.ObserveCycleDuration(report.Duration)
		e.metrics.AddFinalized(len(gcResult.Finalized))
	}
	if e.record != nil {
		e.record(eventlog.Record{
			Kind:  eventlog.KindCycleEnd,
			At:    e.clock.Now(),
			Cycle: cycle,
			Stats: fmt.Sprintf("called=%d started=%d exceptions=%d finalized=%d", report.Called, report.Started, report.Exceptions, len(gcResult.Finalized)),
		})
	}
	e.plan.AdvanceCycle()
	return report, nil
}

// schedulePending is the cycle's scheduling phase: every
// useful, pending, fully-instantiated task the active scheduler declares
// eligible has its start event called. Tasks the garbage collector would
// sweep anyway are never started.
func (e *Engine) schedulePending() int {
	useful := e.plan.UsefulTaskIDs()
	started := 0
	for _, t := range e.plan.TasksByState(plan.StatePending) {
		if t == nil || !useful[t.ID()] || t.Abstract() {
			continue
		}
		gen := t.StartEvent()
		if gen == nil || !gen.Controllable() || gen.Pending() || gen.Unreachable() || gen.Emitted() {
			continue
		}
		if !e.scheduler.Eligible(e.plan, t) {
			continue
		}
		if err := gen.Call(nil); err != nil {
			e.logf("scheduling %s: %v", t, err)
			continue
		}
		started++
	}
	return started
}

// isStartCall reports whether gen is a task's own start event, the only
// kind of queued call the scheduler gates.
func (e *Engine) isStartCall(gen *plan.EventGenerator) bool {
	owner := gen.Owner()
	if owner == nil {
		return false
	}
	return gen.Symbol() == owner.Model().StartSymbol()
}

// drainPropagation processes the call queue until every entry is either
// run or blocked on the scheduler, running each accepted command exactly
// once. Calls/emits requested by a running command are
// appended to the very same queue and are drained within this call, not
// deferred to the next cycle -- satisfying the "re-entrancy" rule that
// calls made while propagation is running join the current step.
func (e *Engine) drainPropagation(ctx context.Context) (int, error) {
	called := 0
	for {
		e.mu.Lock()
		idx := -1
		for i, qc := range e.callQueue {
			if e.isStartCall(qc.gen) && !e.scheduler.Eligible(e.plan, qc.gen.Owner()) {
				continue
			}
			idx = i
			break
		}
		if idx == -1 {
			e.mu.Unlock()
			return called, nil
		}
		qc := e.callQueue[idx]
		e.callQueue = append(e.callQueue[:idx:idx], e.callQueue[idx+1:]...)
		depth := len(e.callQueue)
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ObserveQueueDepth(depth)
		}

		if qc.gen.Finalized() {
			continue // task got collected while its call waited in the queue
		}

		called++
		if err := qc.gen.InvokeCommand(ctx, qc.payload); err != nil {
			e.logf("command %s: %v", qc.gen, err)
			outcome := e.plan.Raise(err, qc.gen.Owner())
			e.afterRaise(err, uint64(qc.gen.ID()), outcome)
		}
	}
}

// checkTimeouts raises a TimedOut localized error for every generator
// whose registered deadline has passed without it emitting.
func (e *Engine) checkTimeouts() int {
	now := e.clock.Now()
	n := 0
	for _, g := range e.plan.Events() {
		at, ok := g.Deadline()
		if !ok || g.Emitted() || g.Unreachable() {
			continue
		}
		if now.Before(at) {
			continue
		}
		g.ClearDeadline()
		err := roerr.New(roerr.KindTimedOut, g, fmt.Sprintf("deadline %s exceeded", at.Format(time.RFC3339)))
		outcome := e.plan.Raise(err, g.Owner())
		e.afterRaise(err, uint64(g.ID()), outcome)
		n++
	}
	return n
}

// afterRaise applies the kernel's plan-level exception policy to one
// Raise outcome: record it in the event log, surface it to the
// application's callback if it escaped every handler, and request
// shutdown when abort-on-exception is configured.
func (e *Engine) afterRaise(err error, failurePoint uint64, outcome plan.ExceptionOutcome) {
	status := "unhandled"
	switch {
	case outcome.Handled:
		status = "handled"
	case len(outcome.FatalAt) > 0:
		status = "fatal"
	}
	if e.record != nil {
		e.record(eventlog.Record{
			Kind:           eventlog.KindException,
			At:             e.clock.Now(),
			MatcherDig:     eventlog.Digest(digestString(err.Error())),
			FailurePointID: failurePoint,
			Status:         status,
		})
	}
	if outcome.Handled || len(outcome.UnhandledAt) == 0 {
		return
	}
	if e.exceptionCallback != nil {
		e.exceptionCallback(err, outcome)
	}
	if e.abortOnException {
		e.logf("aborting on plan-level exception: %v", err)
		e.RequestQuit()
	}
}

// Run drives Step on the engine's cyclePeriod until ctx is cancelled or the
// shutdown sequence completes. Callers that want ad-hoc control over
// cycle timing (tests, a GUI single-stepper) call Step directly instead.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := e.Step(ctx); err != nil {
				return err
			}
			if e.Stopped() {
				return nil
			}
		}
	}
}

// Shutdown requests a quit and polls Step on the engine's cycle period
// until the plan has been fully drained or ctx is cancelled: the shutdown
// sequence is nothing more than ordinary GC cycles running until the plan
// contains no tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.RequestQuit()
	return wait.PollUntilContextCancel(ctx, e.cyclePeriod, true, func(ctx context.Context) (bool, error) {
		if _, err := e.Step(ctx); err != nil {
			return false, err
		}
		return e.Stopped(), nil
	})
}
