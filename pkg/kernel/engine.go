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

// Package kernel implements the propagation kernel that drives a Plan's
// cycle loop: gathering external events, scheduling ready tasks,
// processing queued calls, running the garbage collector, and publishing
// diagnostics. It is the sole implementation of the plan.Engine interface,
// kept in its own package specifically so that package plan never needs to
// import it (see plan.Engine's doc comment).
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/robycore/roby/pkg/eventlog"
	"github.com/robycore/roby/pkg/plan"
	"github.com/robycore/roby/pkg/roerr"
)

// queuedCall is one command invocation waiting for the kernel's call
// queue to drain, whether it arrived via an explicit EventGenerator.Call
// or via Signal propagation from another emission.
type queuedCall struct {
	gen     *plan.EventGenerator
	payload plan.EventContext
}

// ExceptionCallback observes an exception that escalated all the way to
// the plan: no Dependency ancestor and no plan-global handler claimed it.
type ExceptionCallback func(err error, outcome plan.ExceptionOutcome)

// Engine is the kernel's plan.Engine implementation plus the cycle loop
// that drives it. The zero value is not usable; construct with New.
//
// Propagation itself runs on whichever goroutine calls Step (or Run) and
// is never concurrent. Worker goroutines never touch plan state: their
// only entry point is PostExternal, whose queue the gather phase drains on
// the kernel goroutine.
type Engine struct {
	plan      *plan.Plan
	scheduler Scheduler
	clock     clock.WithTicker
	gc        *plan.GC
	metrics   *Metrics
	threads   *ThreadPool
	sources   []Source

	cyclePeriod  time.Duration
	cycleTimeout time.Duration

	abortOnException  bool
	exceptionCallback ExceptionCallback

	// record receives one event-log record per loggable occurrence, or is
	// nil when no event log is attached. It must not block.
	record func(eventlog.Record)

	mu        sync.Mutex
	callQueue []queuedCall

	// pendingExternal holds worker-thread results until the next gather
	// phase turns them into Calls on the kernel goroutine.
	externalMu      sync.Mutex
	pendingExternal []ExternalEvent

	breakersMu sync.Mutex
	breakers   map[Source]*gobreaker.CircuitBreaker

	quitRequested bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithScheduler overrides the default BasicScheduler.
func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.scheduler = s } }

// WithClock overrides the default clock.RealClock{}, mainly for tests.
func WithClock(c clock.WithTicker) Option { return func(e *Engine) { e.clock = c } }

// WithCyclePeriod sets the target wall-clock period between cycles.
func WithCyclePeriod(d time.Duration) Option { return func(e *Engine) { e.cyclePeriod = d } }

// WithCycleTimeout bounds how long a single cycle may run before the
// kernel logs an overly-long-cycle diagnostic; it defaults to the cycle
// period.
func WithCycleTimeout(d time.Duration) Option { return func(e *Engine) { e.cycleTimeout = d } }

// WithMetrics attaches a Metrics recorder; by default metrics are a no-op.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithSource registers one external event source, gathered every cycle.
func WithSource(s Source) Option { return func(e *Engine) { e.sources = append(e.sources, s) } }

// WithThreadPool overrides the default-sized ThreadPool backing
// Engine.Spawn.
func WithThreadPool(tp *ThreadPool) Option { return func(e *Engine) { e.threads = tp } }

// WithEventLog attaches a record sink for the binary event log. sink is
// invoked on the kernel goroutine and must not block; a typical
// implementation does a non-blocking send onto the channel drained by
// eventlog.Sink.
func WithEventLog(sink func(eventlog.Record)) Option {
	return func(e *Engine) { e.record = sink }
}

// WithAbortOnException makes a plan-level exception (one no handler
// claimed) request engine shutdown instead of only being logged.
func WithAbortOnException(abort bool) Option {
	return func(e *Engine) { e.abortOnException = abort }
}

// WithExceptionCallback registers cb to observe plan-level exceptions.
func WithExceptionCallback(cb ExceptionCallback) Option {
	return func(e *Engine) { e.exceptionCallback = cb }
}

// New binds a fresh Engine to p and returns it. p must not already have an
// engine bound.
func New(p *plan.Plan, opts ...Option) *Engine {
	e := &Engine{
		plan:        p,
		scheduler:   BasicScheduler{},
		clock:       clock.RealClock{},
		cyclePeriod: 100 * time.Millisecond,
		metrics:     NewMetrics(nil),
	}
	for _, o := range opts {
		o(e)
	}
	if e.threads == nil {
		e.threads = NewThreadPool(4)
	}
	if e.cycleTimeout == 0 {
		e.cycleTimeout = e.cyclePeriod
	}
	e.gc = plan.NewGC(p)
	p.BindEngine(e)
	return e
}

// RequestCall implements plan.Engine. It never runs cmd itself; the call
// waits in the kernel's queue until a cycle processes it.
func (e *Engine) RequestCall(gen *plan.EventGenerator, payload plan.EventContext) error {
	e.enqueue(queuedCall{gen: gen, payload: payload})
	return nil
}

func (e *Engine) enqueue(qc queuedCall) {
	e.mu.Lock()
	e.callQueue = append(e.callQueue, qc)
	depth := len(e.callQueue)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ObserveQueueDepth(depth)
	}
}

// Emit implements plan.Engine. It is always synchronous and runs on the
// kernel goroutine: record the emission, run its handlers, walk Forwarding
// edges depth-first (each forwarded event emits before this call returns),
// and enqueue Signal targets onto the call queue. Signals share Call's
// queued, FIFO-at-drain-time semantics rather than firing inline, since a
// signalled command is arbitrary user code that shouldn't run from inside
// another event's emission. No lock is held while handlers run, so a
// handler is free to Call or Emit further generators; those re-entrant
// requests join the current propagation step.
func (e *Engine) Emit(gen *plan.EventGenerator, payload plan.EventContext, sources []plan.EmissionSource) error {
	return e.emit(gen, payload, sources)
}

func (e *Engine) emit(gen *plan.EventGenerator, payload plan.EventContext, sources []plan.EmissionSource) error {
	if err := gen.EmitCheck(); err != nil {
		return err
	}
	now := e.clock.Now()
	gen.Deliver(e.plan.Cycle(), now, payload, sources)
	e.recordEmission(gen, payload, sources, now)

	idx := len(gen.History()) - 1
	forwarding := e.plan.EventRelation(plan.RelForwarding)
	for _, childID := range forwarding.Children(gen.ID()) {
		child := e.plan.Event(childID)
		if child == nil {
			continue
		}
		if err := e.emit(child, payload, []plan.EmissionSource{{Generator: gen.ID(), Index: idx}}); err != nil {
			e.logf("forwarding %s -> %s: %v", gen, child, err)
		}
	}

	signal := e.plan.EventRelation(plan.RelSignal)
	for _, childID := range signal.Children(gen.ID()) {
		child := e.plan.Event(childID)
		if child == nil || !child.Controllable() {
			continue
		}
		e.enqueue(queuedCall{gen: child, payload: payload})
	}
	return nil
}

func (e *Engine) recordEmission(gen *plan.EventGenerator, payload plan.EventContext, sources []plan.EmissionSource, at time.Time) {
	if e.record == nil {
		return
	}
	srcIDs := make([]uint64, len(sources))
	for i, s := range sources {
		srcIDs[i] = uint64(s.Generator)
	}
	e.record(eventlog.Record{
		Kind:        eventlog.KindEventEmitted,
		At:          at,
		GeneratorID: uint64(gen.ID()),
		ContextDig:  eventlog.Digest(digestString(fmt.Sprintf("%v", payload))),
		Sources:     srcIDs,
	})
}

// EventUnreachable implements plan.Engine: log the transition and append
// an event-unreachable record.
func (e *Engine) EventUnreachable(gen *plan.EventGenerator, reason any) {
	klog.V(2).Infof("generator %s became unreachable: %v", gen, reason)
	if e.record == nil {
		return
	}
	e.record(eventlog.Record{
		Kind:        eventlog.KindEventUnreachable,
		At:          e.clock.Now(),
		GeneratorID: uint64(gen.ID()),
		ReasonDig:   eventlog.Digest(digestString(fmt.Sprintf("%v", reason))),
	})
}

// digestString adapts an arbitrary formatted value to eventlog.Digest's
// fmt.Stringer input.
type digestString string

func (s digestString) String() string { return string(s) }

// CurrentCycle implements plan.Engine.
func (e *Engine) CurrentCycle() uint64 { return e.plan.Cycle() }

// Now implements plan.Engine.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Logf implements plan.Engine.
func (e *Engine) Logf(format string, args ...any) { e.logf(format, args...) }

func (e *Engine) logf(format string, args ...any) {
	klog.InfofDepth(2, format, args...)
}

// PostExternal queues ev for the next cycle's gather phase. It is the one
// entry point safe to use from outside the kernel goroutine: a worker
// thread never touches plan state directly, it hands its result here and
// the kernel turns it into a Call at step 1 of the next cycle.
func (e *Engine) PostExternal(ev ExternalEvent) {
	e.externalMu.Lock()
	e.pendingExternal = append(e.pendingExternal, ev)
	e.externalMu.Unlock()
}

// Spawn runs fn on the engine's thread pool and delivers its result by
// posting a call against gen onto the external-event queue once fn
// completes -- the worker-thread pattern behind ThreadTask bodies. fn must
// not touch the plan; it communicates back only through its return value,
// which the kernel picks up at the next cycle's gather phase.
func (e *Engine) Spawn(ctx context.Context, gen *plan.EventGenerator, fn func(ctx context.Context) (plan.EventContext, error)) {
	e.threads.Go(func() {
		payload, err := fn(ctx)
		if err != nil {
			e.logf("thread task for %s failed: %v", gen, err)
			if gen.Owner() == nil {
				return
			}
			if errEv, lookupErr := gen.Owner().Event(errorEventFor(gen)); lookupErr == nil {
				e.PostExternal(ExternalEvent{Gen: errEv, Payload: roerr.Wrap(roerr.KindCommandFailed, gen, err)})
			}
			return
		}
		e.PostExternal(ExternalEvent{Gen: gen, Payload: payload})
	})
}

// errorEventFor names the conventional failure-reporting event symbol for
// a ThreadTask's owning generator's task: "<symbol>_failed" if declared,
// else the model's stop.
func errorEventFor(gen *plan.EventGenerator) plan.Symbol {
	if gen.Owner() == nil {
		return ""
	}
	candidate := plan.Symbol(string(gen.Symbol()) + "_failed")
	if gen.Owner().Model().HasEvent(candidate) {
		return candidate
	}
	return gen.Owner().Model().StopSymbol()
}
