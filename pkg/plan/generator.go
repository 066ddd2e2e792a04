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
	"context"
	"fmt"
	"time"

	"github.com/robycore/roby/pkg/roerr"
)

// Kind distinguishes the handful of generator shapes the kernel dispatches
// on. Transforms like Filter are thin compositions built on top of Free
// generators rather than separate structs, so this enumeration only needs
// to name what changes emission semantics: whether the generator has an
// owning task, and whether it is a derived boolean combination of other
// generators.
type Kind int

const (
	KindFree Kind = iota
	KindTaskBound
	KindAnd
	KindOr
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "Free"
	case KindTaskBound:
		return "TaskBound"
	case KindAnd:
		return "And"
	case KindOr:
		return "Or"
	default:
		return "Unknown"
	}
}

// Emission is one observed occurrence of a generator firing.
type Emission struct {
	Cycle   uint64
	At      time.Time
	Context EventContext
	Sources []EmissionSource
}

// EventGenerator is the identity of a point-in-time signal. A generator
// is either free or bound to a task (in which case Owner and Symbol are
// set); And/Or generators are additionally derived, non-controllable
// combinations of other generators.
type EventGenerator struct {
	plan *Plan
	id   ID
	kind Kind

	owner  *Task
	symbol Symbol

	controllable bool
	command      CommandFunc

	emitted bool
	history []Emission
	pending bool

	unreachable       bool
	unreachableReason any

	handlers         []HandlerFunc
	unreachableHooks []UnreachableFunc

	finalized bool

	// combinator state (And/Or only)
	inputs   []*EventGenerator
	andSeen  map[ID]bool
	andFired bool

	// deadline is the optional timeout a task registers on one of its own
	// generators; checked once per cycle by the kernel, never by the
	// generator itself.
	deadline    time.Time
	hasDeadline bool
}

// ID is the generator's stable identity within its plan.
func (g *EventGenerator) ID() ID { return g.id }

// Kind reports the generator's dispatch kind.
func (g *EventGenerator) Kind() Kind { return g.kind }

// Symbol is the event symbol for a task-bound generator, or "" if free.
func (g *EventGenerator) Symbol() Symbol { return g.symbol }

// Owner is the task this generator is bound to, or nil if free.
func (g *EventGenerator) Owner() *Task { return g.owner }

// Controllable reports whether the generator has a command.
func (g *EventGenerator) Controllable() bool { return g.controllable }

// SetCommand overrides a controllable generator's command. Model authors
// call this from an OnConstruct hook to give a task-bound event real
// behavior in place of the default (emit-only) command.
func (g *EventGenerator) SetCommand(cmd CommandFunc) error {
	if !g.controllable {
		return roerr.New(roerr.KindNotControllable, g, "cannot set a command on a non-controllable generator")
	}
	g.command = cmd
	return nil
}

// InvokeCommand runs the generator's stored command exactly once against
// payload, recovering a panic into a *roerr.LocalizedError the same as any
// other command failure. Only a propagation kernel calls this, during the
// propagation phase of a cycle, after a queued Call has cleared the
// scheduler's eligibility check; it never runs on Call itself.
func (g *EventGenerator) InvokeCommand(ctx context.Context, payload EventContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = roerr.Wrap(roerr.KindCommandFailed, g, fmt.Errorf("panic: %v", r))
		}
	}()
	if g.command == nil {
		return roerr.New(roerr.KindNotControllable, g, "no command to invoke")
	}
	if cmdErr := g.command(ctx, g, payload); cmdErr != nil {
		if le, ok := cmdErr.(*roerr.LocalizedError); ok {
			return le
		}
		return roerr.Wrap(roerr.KindCommandFailed, g, cmdErr)
	}
	return nil
}

// SetDeadline arranges for the kernel to raise a TimedOut localized error
// against this generator if it has not emitted (and is not already
// unreachable) by at, checked once per cycle.
func (g *EventGenerator) SetDeadline(at time.Time) {
	g.deadline = at
	g.hasDeadline = true
}

// Deadline returns the generator's registered timeout, if any.
func (g *EventGenerator) Deadline() (time.Time, bool) { return g.deadline, g.hasDeadline }

// ClearDeadline cancels a previously registered timeout.
func (g *EventGenerator) ClearDeadline() { g.hasDeadline = false }

// Emitted is monotone-true: once a generator has emitted, it always has.
func (g *EventGenerator) Emitted() bool { return g.emitted }

// Pending reports whether Call has been accepted but no matching emission
// observed yet.
func (g *EventGenerator) Pending() bool { return g.pending }

// Unreachable is monotone-true.
func (g *EventGenerator) Unreachable() bool { return g.unreachable }

// UnreachabilityReason returns the reason passed to MarkUnreachable, or nil.
func (g *EventGenerator) UnreachabilityReason() any { return g.unreachableReason }

// History returns every emission so far, oldest first. The slice is a
// defensive copy.
func (g *EventGenerator) History() []Emission {
	ret := make([]Emission, len(g.history))
	copy(ret, g.history)
	return ret
}

// LastEmission returns the most recent emission, or (Emission{}, false) if
// none has occurred.
func (g *EventGenerator) LastEmission() (Emission, bool) {
	if len(g.history) == 0 {
		return Emission{}, false
	}
	return g.history[len(g.history)-1], true
}

// Finalized reports whether the plan's garbage collector has removed this
// generator. Every other accessor remains safe to call on a finalized
// generator; Call and Emit fail with roerr.KindFinalized.
func (g *EventGenerator) Finalized() bool { return g.finalized }

// FailurePointID implements roerr.FailurePoint.
func (g *EventGenerator) FailurePointID() string {
	if g.owner != nil {
		return fmt.Sprintf("event%s(%s@%s)", idString(g.id), g.symbol, g.owner.FailurePointID())
	}
	return fmt.Sprintf("event%s", idString(g.id))
}

func (g *EventGenerator) String() string { return g.FailurePointID() }

// Call arranges for the generator to emit, by queuing its command for the
// current cycle's propagation phase. Call never runs the command itself
// and never emits.
func (g *EventGenerator) Call(payload EventContext) error {
	if g.finalized {
		return roerr.New(roerr.KindFinalized, g, "generator has been finalized")
	}
	if g.plan == nil || g.plan.engine == nil {
		return roerr.New(roerr.KindNotExecutable, g, "generator is not part of an executable plan")
	}
	if g.owner != nil && g.owner.abstract {
		return roerr.New(roerr.KindNotExecutable, g, "owning task is abstract")
	}
	if !g.controllable {
		return roerr.New(roerr.KindNotControllable, g, "generator has no command")
	}
	if g.unreachable {
		return roerr.New(roerr.KindUnreachable, g, "generator is already unreachable")
	}
	if g.owner != nil && g.owner.State() == StateFinished {
		return roerr.New(roerr.KindFinished, g, "owning task has finished")
	}
	if g.owner != nil && g.symbol == g.owner.model.start {
		if err := g.owner.resolveDelayedArgs(); err != nil {
			return err
		}
	}
	g.pending = true
	if err := g.plan.engine.RequestCall(g, payload); err != nil {
		g.pending = false
		return err
	}
	if g.owner != nil {
		g.owner.onEventCalled(g.symbol)
		g.plan.syncStateIndex(g.owner)
	}
	return nil
}

// Emit records one occurrence of the generator firing and propagates its
// effects along Signal and Forwarding edges. Unlike Call, Emit always runs
// synchronously.
func (g *EventGenerator) Emit(payload EventContext) error {
	return g.emitWithSources(payload, nil)
}

func (g *EventGenerator) emitWithSources(payload EventContext, sources []EmissionSource) error {
	if g.plan == nil || g.plan.engine == nil {
		return roerr.New(roerr.KindNotExecutable, g, "generator is not part of an executable plan")
	}
	if err := g.EmitCheck(); err != nil {
		return err
	}
	return g.plan.engine.Emit(g, payload, sources)
}

// EmitCheck reports whether the generator may record an emission right
// now: not finalized, not unreachable, and (for a task-bound generator)
// its owning task in a state compatible with the symbol. The engine runs
// the same check before delivering a forwarded emission, so a forwarding
// edge into a generator that can no longer fire is skipped rather than
// corrupting its history.
func (g *EventGenerator) EmitCheck() error {
	if g.finalized {
		return roerr.New(roerr.KindFinalized, g, "generator has been finalized")
	}
	if g.unreachable {
		return roerr.New(roerr.KindUnreachable, g, "generator is unreachable")
	}
	if g.owner != nil {
		return g.owner.checkEmitCompatible(g.symbol)
	}
	return nil
}

// Deliver is called back by an Engine implementation once it has decided
// to record an emission (after the plan-level checks in Emit/emitWithSources
// have passed). Plan users never call this directly; it exists so package
// kernel can finish what EventGenerator.Emit started without package plan
// importing kernel.
func (g *EventGenerator) Deliver(cycle uint64, at time.Time, payload EventContext, sources []EmissionSource) {
	g.emitted = true
	g.pending = false
	g.history = append(g.history, Emission{Cycle: cycle, At: at, Context: payload, Sources: sources})
	if g.owner != nil {
		g.owner.onEventEmitted(g.symbol)
		if g.plan != nil {
			g.plan.syncStateIndex(g.owner)
			if g.symbol == g.owner.model.stop {
				g.plan.onAgentStopped(g.owner)
			}
		}
	}
	ev := g.history[len(g.history)-1]
	for _, h := range g.handlers {
		g.runHandler(h, ev)
	}
}

// runHandler invokes one emission handler, turning a panic into a
// HandlerFailed localized error routed through the plan's exception
// propagation instead of unwinding the kernel.
func (g *EventGenerator) runHandler(h HandlerFunc, ev Emission) {
	defer func() {
		if r := recover(); r != nil {
			err := roerr.Wrap(roerr.KindHandlerFailed, g, fmt.Errorf("panic: %v", r))
			if g.plan != nil {
				g.plan.Raise(err, g.owner)
			}
		}
	}()
	h(ev)
}

// On registers a handler invoked (in registration order) on every future
// emission.
func (g *EventGenerator) On(h HandlerFunc) *EventGenerator {
	g.handlers = append(g.handlers, h)
	return g
}

// WhenUnreachable registers a handler invoked exactly once with the
// unreachability reason: immediately if the generator is already
// unreachable, otherwise at the moment reachability is lost.
func (g *EventGenerator) WhenUnreachable(h UnreachableFunc) *EventGenerator {
	if g.unreachable {
		h(g.unreachableReason)
		return g
	}
	g.unreachableHooks = append(g.unreachableHooks, h)
	return g
}

// MarkUnreachable monotonically marks the generator unreachable, invokes
// its when-unreachable handlers once, and propagates unreachability to
// Forwarding children that have no other live source.
func (g *EventGenerator) MarkUnreachable(reason any) {
	if g.unreachable {
		return
	}
	g.unreachable = true
	g.unreachableReason = reason
	hooks := g.unreachableHooks
	g.unreachableHooks = nil
	for _, h := range hooks {
		h(reason)
	}
	if g.plan == nil {
		return
	}
	if g.plan.engine != nil {
		g.plan.engine.EventUnreachable(g, reason)
	}
	fwd := g.plan.eventRelation(RelForwarding)
	for _, childID := range fwd.Children(g.id) {
		child := g.plan.Event(childID)
		if child == nil || child.unreachable {
			continue
		}
		if !g.plan.hasReachableForwardingSource(child, g.id) {
			child.MarkUnreachable(reason)
		}
	}
}

// Signals adds a Signal edge to other: when the generator emits, other's
// command is called. Fails if other is not controllable.
func (g *EventGenerator) Signals(other *EventGenerator) error {
	if !other.controllable {
		return roerr.New(roerr.KindNotControllable, other, "Signal target has no command")
	}
	return g.plan.eventRelation(RelSignal).AddEdge(g.id, other.id, noInfo{})
}

// ForwardTo adds a Forwarding edge to other: when the generator emits,
// other emits with the same context.
func (g *EventGenerator) ForwardTo(other *EventGenerator) error {
	return g.plan.eventRelation(RelForwarding).AddEdge(g.id, other.id, noInfo{})
}

// AchieveWith adds task as a dependency and defers this generator's
// emission until task's success event emits; if task becomes unreachable
// without succeeding, this generator becomes unreachable too. A
// controllable generator's own command is replaced: Call no longer emits
// directly, it only records the intent (the emission arrives by forwarding
// from the achieving task's success event).
func (g *EventGenerator) AchieveWith(task *Task) error {
	successes := task.model.SuccessEvents()
	if err := g.plan.AddDependency(g.taskOrRootHolder(), task, DependencyInfo{
		Roles:        []string{"achieve_with"},
		SuccessEvent: successes,
	}); err != nil {
		return err
	}
	if g.controllable {
		g.command = func(context.Context, *EventGenerator, EventContext) error { return nil }
	}
	for _, sym := range successes {
		ev, err := task.Event(sym)
		if err != nil {
			continue
		}
		ev.On(func(e Emission) { _ = g.emitWithSources(e.Context, []EmissionSource{{Generator: ev.id, Index: len(ev.history) - 1}}) })
	}
	task.WhenFailedOrUnreachable(func(reason any) {
		if !g.emitted {
			g.MarkUnreachable(reason)
		}
	})
	return nil
}

// taskOrRootHolder returns the generator's owning task, or a dedicated
// per-plan root holder task for free generators.
func (g *EventGenerator) taskOrRootHolder() *Task {
	if g.owner != nil {
		return g.owner
	}
	return g.plan.rootHolder()
}

// Reset clears an And generator's internal bookkeeping so it can fire
// again on a fresh round of its inputs. Calling Reset on any other kind of
// generator is a no-op.
func (g *EventGenerator) Reset() {
	if g.kind == KindAnd {
		g.andSeen = map[ID]bool{}
		g.andFired = false
	}
}

// And returns a new non-controllable generator that emits once every input
// has emitted at least once since the last Reset (or creation).
func And(p *Plan, inputs ...*EventGenerator) *EventGenerator {
	g := p.newGenerator(KindAnd, nil, "")
	g.inputs = inputs
	g.andSeen = map[ID]bool{}
	for _, in := range inputs {
		in := in
		in.On(func(e Emission) { g.onAndInput(in, e) })
	}
	return g
}

func (g *EventGenerator) onAndInput(in *EventGenerator, e Emission) {
	if g.andSeen == nil {
		g.andSeen = map[ID]bool{}
	}
	g.andSeen[in.id] = true
	if g.andFired || len(g.andSeen) < len(g.inputs) {
		return
	}
	g.andFired = true
	_ = g.emitWithSources(e.Context, []EmissionSource{{Generator: in.id, Index: len(in.history) - 1}})
	for _, term := range g.inputs {
		if term.owner != nil && term.owner.model.IsTerminal(term.symbol) {
			g.Reset()
			return
		}
	}
}

// Filter returns a new non-controllable generator that re-emits in's
// emissions whose context satisfies pred.
func Filter(p *Plan, in *EventGenerator, pred func(EventContext) bool) *EventGenerator {
	g := p.newGenerator(KindFree, nil, "")
	in.On(func(e Emission) {
		if pred(e.Context) {
			_ = g.emitWithSources(e.Context, []EmissionSource{{Generator: in.id, Index: len(in.history) - 1}})
		}
	})
	return g
}

// Or returns a new non-controllable generator that emits whenever any
// input emits.
func Or(p *Plan, inputs ...*EventGenerator) *EventGenerator {
	g := p.newGenerator(KindOr, nil, "")
	g.inputs = inputs
	for _, in := range inputs {
		in := in
		in.On(func(e Emission) {
			_ = g.emitWithSources(e.Context, []EmissionSource{{Generator: in.id, Index: len(in.history) - 1}})
		})
	}
	return g
}
