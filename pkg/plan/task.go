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

	"github.com/robycore/roby/pkg/roerr"
)

// defaultEventCommand is the command a task-bound controllable event gets
// unless its model overrides it: calling it just emits, with no side
// effect beyond the emission itself. Models override Event(sym).command
// directly when a command needs to do real work (spawn a ThreadTask,
// issue an API call, ...).
func defaultEventCommand(_ context.Context, gen *EventGenerator, payload EventContext) error {
	return gen.Emit(payload)
}

// State is a task's lifecycle state, derived from its event history.
type State int

const (
	StatePending State = iota
	StateStarting
	StateRunning
	StateFinishing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ExceptionHandler observes a localized error that reached this task while
// walking the Dependency graph. It returns whether the
// exception was handled, left unhandled, or escalated to fatal.
type ExceptionHandler func(err error) HandlerResult

// HandlerResult is an exception handler's verdict.
type HandlerResult int

const (
	Unhandled HandlerResult = iota
	Handled
	Fatal
)

// Task is a bundle of named event generators, arguments, and lifecycle
// state.
type Task struct {
	plan  *Plan
	id    ID
	model *Model

	boundEvents map[Symbol]*EventGenerator
	arguments   map[string]any
	delayed     map[string]Delayed

	state    State
	abstract bool

	exceptionHandlers []ExceptionHandler
	// faultReactionEvent is the terminal event called when an exception
	// reaches this task unhandled far enough to force a stop; defaults to the model's stop event.
	faultReactionEvent Symbol

	finalized  bool
	finalizing bool // true once the GC has called its stop-like event

	unreachableHooks []UnreachableFunc
}

// ID is the task's stable identity within its plan.
func (t *Task) ID() ID { return t.id }

// Model is the task's type identity.
func (t *Task) Model() *Model { return t.model }

// State is the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// Abstract reports whether the task may not be executed as-is.
func (t *Task) Abstract() bool { return t.abstract }

// Finalized reports whether the garbage collector has removed this task.
func (t *Task) Finalized() bool { return t.finalized }

// FailurePointID implements roerr.FailurePoint.
func (t *Task) FailurePointID() string {
	return fmt.Sprintf("task%s(%s)", idString(t.id), t.model.Name)
}

func (t *Task) String() string { return t.FailurePointID() }

// Event returns the bound generator for sym.
func (t *Task) Event(sym Symbol) (*EventGenerator, error) {
	g, ok := t.boundEvents[sym]
	if !ok {
		return nil, fmt.Errorf("task %s: no event %q", t.model.Name, sym)
	}
	return g, nil
}

// MustEvent is like Event but panics on an unknown symbol; intended for
// model-construction code (model authors, not plan users).
func (t *Task) MustEvent(sym Symbol) *EventGenerator {
	g, err := t.Event(sym)
	if err != nil {
		panic(err)
	}
	return g
}

// StartEvent is a shorthand for Event(model.StartSymbol()).
func (t *Task) StartEvent() *EventGenerator { return t.boundEvents[t.model.start] }

// StopEvent is a shorthand for Event(model.StopSymbol()), or nil if the
// model declares none.
func (t *Task) StopEvent() *EventGenerator {
	if t.model.stop == "" {
		return nil
	}
	return t.boundEvents[t.model.stop]
}

// Arg returns the value bound to the named argument, resolving it if it
// was Delayed and the task has started. ok is false if the argument is
// unset.
func (t *Task) Arg(name string) (any, bool) {
	if v, ok := t.arguments[name]; ok {
		return v, true
	}
	return nil, false
}

// SetArg binds name to value. value may be a Delayed.
func (t *Task) SetArg(name string, value any) {
	if d, ok := value.(Delayed); ok {
		if t.delayed == nil {
			t.delayed = map[string]Delayed{}
		}
		t.delayed[name] = d
		return
	}
	t.arguments[name] = value
}

// FullyInstantiated reports whether every model argument is either set or
// has a default.
func (t *Task) FullyInstantiated() bool {
	for _, spec := range t.model.arguments {
		if _, ok := t.arguments[spec.Name]; ok {
			continue
		}
		if _, ok := t.delayed[spec.Name]; ok {
			continue
		}
		if spec.HasDflt {
			continue
		}
		if spec.Required {
			return false
		}
	}
	return true
}

// resolveDelayedArgs runs every Delayed argument's closure, called once at
// start.
func (t *Task) resolveDelayedArgs() error {
	for name, d := range t.delayed {
		v, err := d(t)
		if err != nil {
			return fmt.Errorf("task %s: resolving argument %q: %w", t.model.Name, name, err)
		}
		t.arguments[name] = v
	}
	t.delayed = nil
	return nil
}

// On is a convenience that lifts EventGenerator.On to task+symbol.
func (t *Task) On(sym Symbol, h HandlerFunc) error {
	g, err := t.Event(sym)
	if err != nil {
		return err
	}
	g.On(h)
	return nil
}

// Signals lifts EventGenerator.Signals to (task, symbol) -> (other task,
// other symbol).
func (t *Task) Signals(sym Symbol, other *Task, otherSym Symbol) error {
	g, err := t.Event(sym)
	if err != nil {
		return err
	}
	og, err := other.Event(otherSym)
	if err != nil {
		return err
	}
	return g.Signals(og)
}

// OnException registers an exception handler invoked when a localized
// error reaches this task while walking the Dependency graph.
func (t *Task) OnException(h ExceptionHandler) { t.exceptionHandlers = append(t.exceptionHandlers, h) }

// InjectFault raises a synthetic localized error against the named event,
// as if its command had failed, and propagates it through the Dependency
// graph like any other exception.
func (t *Task) InjectFault(sym Symbol) (ExceptionOutcome, error) {
	ev, err := t.Event(sym)
	if err != nil {
		return ExceptionOutcome{}, err
	}
	lerr := roerr.New(roerr.KindCommandFailed, ev, "injected fault")
	return t.plan.Raise(lerr, t), nil
}

// SetFaultReactionEvent overrides the terminal event a Fatal exception
// verdict calls on this task; the default is the model's stop event.
func (t *Task) SetFaultReactionEvent(sym Symbol) { t.faultReactionEvent = sym }

// forceStop calls the task's fault reaction event in response to a Fatal
// exception verdict. It is a best-effort call: a task already finishing or
// finished has nothing further to do, and an error calling the event is
// swallowed into a log line rather than raised again.
func (t *Task) forceStop(reason any) {
	if t.state == StateFinished || t.state == StateFinishing {
		return
	}
	sym := t.faultReactionEvent
	if sym == "" {
		sym = t.model.stop
	}
	if sym == "" {
		return
	}
	ev, err := t.Event(sym)
	if err != nil {
		return
	}
	if err := ev.Call(reason); err != nil && t.plan != nil && t.plan.engine != nil {
		t.plan.engine.Logf("forceStop: task %s: %v", t.FailurePointID(), err)
	}
}

// WhenFailedOrUnreachable is a convenience used by AchieveWith: invoked
// once if the task finishes without emitting any of its model's success
// events, or if the task's start event becomes unreachable before it ever
// starts.
func (t *Task) WhenFailedOrUnreachable(h UnreachableFunc) {
	t.unreachableHooks = append(t.unreachableHooks, h)
	t.StartEvent().WhenUnreachable(func(reason any) {
		if t.state == StatePending {
			h(reason)
		}
	})
}

// checkEmitCompatible enforces the per-symbol emit preconditions:
// start requires pending or starting (an accepted start Call moves the
// task to starting before its command emits), all other non-terminal
// symbols require running.
func (t *Task) checkEmitCompatible(sym Symbol) error {
	if sym == t.model.start {
		if t.state != StatePending && t.state != StateStarting {
			return roerr.New(roerr.KindNotRunning, t, "start requires state pending or starting")
		}
		return nil
	}
	if t.model.IsTerminal(sym) {
		// Any state through finishing may terminate; finished cannot
		// re-terminate.
		if t.state == StateFinished {
			return roerr.New(roerr.KindNotRunning, t, "task already finished")
		}
		return nil
	}
	if t.state != StateRunning {
		return roerr.New(roerr.KindNotRunning, t, fmt.Sprintf("event %q requires state running", sym))
	}
	return nil
}

// onEventCalled applies the task-level state transition a Call acceptance
// triggers: pending->starting on start, running->finishing on any terminal
// event.
func (t *Task) onEventCalled(sym Symbol) {
	if sym == t.model.start && t.state == StatePending {
		t.state = StateStarting
		return
	}
	if t.model.IsTerminal(sym) && t.state == StateRunning {
		t.state = StateFinishing
	}
}

// onEventEmitted applies the task-level state transition an emission
// triggers: start emitting always lands the task in running (whether or
// not a Call preceded it -- start may be emitted directly, e.g. by a
// forwarding edge), and stop emitting always lands it in finished.
func (t *Task) onEventEmitted(sym Symbol) {
	if sym == t.model.start && (t.state == StatePending || t.state == StateStarting) {
		t.state = StateRunning
		return
	}
	if sym == t.model.stop {
		t.state = StateFinished
		succeeded := false
		for _, s := range t.model.SuccessEvents() {
			if g := t.boundEvents[s]; g != nil && g.emitted {
				succeeded = true
			}
		}
		if !succeeded {
			hooks := t.unreachableHooks
			t.unreachableHooks = nil
			for _, h := range hooks {
				h(fmt.Sprintf("task %s finished without a success event", t.FailurePointID()))
			}
		}
		return
	}
	// A terminal event other than stop moves a running task directly to
	// finishing; the task's stop is expected to be reached via forwarding
	// per the terminal-closure invariant.
	if t.model.IsTerminal(sym) && t.state == StateRunning {
		t.state = StateFinishing
	}
}
