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

import "fmt"

// ArgumentSpec describes one of a task model's declared arguments.
type ArgumentSpec struct {
	Name string
	// Default is used when the argument is not explicitly set at
	// instantiation. Default may itself be a Delayed value.
	Default  any
	HasDflt  bool
	Required bool
}

// Delayed wraps a closure resolved once, at task start, instead of at
// instantiation time.
type Delayed func(t *Task) (any, error)

// EventSpec declares one event symbol a model exposes.
type EventSpec struct {
	Symbol   Symbol
	Terminal bool
}

// Model is a task's type identity: a fixed set of event symbols, a subset
// flagged terminal, exactly one marked start, at most one marked stop, and
// a declared argument list. Models are shared, immutable blueprints;
// NewTask copies their declared relations/handlers into a fresh instance.
type Model struct {
	Name      string
	events    []EventSpec
	start     Symbol
	stop      Symbol
	arguments []ArgumentSpec
	abstract  bool

	// onConstruct is run against every new instance, after its bound
	// events exist but before it is returned to the caller, letting a
	// model declare default signals/forwardings/handlers once, merged into
	// every new instance at construction.
	onConstruct []func(*Task)
}

// NewModel constructs a Model. start must be one of events; stop, if
// non-empty, must be terminal.
func NewModel(name string, events []EventSpec, start, stop Symbol, args []ArgumentSpec, abstract bool) (*Model, error) {
	m := &Model{Name: name, events: events, start: start, stop: stop, arguments: args, abstract: abstract}
	found := false
	for _, e := range events {
		if e.Symbol == start {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("model %s: start event %q is not declared", name, start)
	}
	if stop != "" {
		ok := false
		for _, e := range events {
			if e.Symbol == stop && e.Terminal {
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("model %s: stop event %q must be declared terminal", name, stop)
		}
	}
	return m, nil
}

// OnConstruct registers f to run against every new instance of the model.
func (m *Model) OnConstruct(f func(*Task)) { m.onConstruct = append(m.onConstruct, f) }

// Events returns the model's declared event symbols.
func (m *Model) Events() []EventSpec { return m.events }

// IsTerminal reports whether sym is a terminal event symbol.
func (m *Model) IsTerminal(sym Symbol) bool {
	for _, e := range m.events {
		if e.Symbol == sym {
			return e.Terminal
		}
	}
	return false
}

// HasEvent reports whether sym is declared by the model.
func (m *Model) HasEvent(sym Symbol) bool {
	for _, e := range m.events {
		if e.Symbol == sym {
			return true
		}
	}
	return false
}

// StartSymbol is the model's single start event.
func (m *Model) StartSymbol() Symbol { return m.start }

// StopSymbol is the model's designated stop event, or "" if none.
func (m *Model) StopSymbol() Symbol { return m.stop }

// SuccessEvents returns the terminal events that are not the model's
// designated stop -- i.e. candidates for a Dependency's success set. A
// model with no finer-grained notion of success (stop is its only terminal
// event) has nothing else to report success with, so stop itself is
// returned instead, leaving ChildFailed detection to the Dependency edge's
// own FailureEvent set.
func (m *Model) SuccessEvents() []Symbol {
	var ret []Symbol
	for _, e := range m.events {
		if e.Terminal && e.Symbol != m.stop {
			ret = append(ret, e.Symbol)
		}
	}
	if ret == nil && m.stop != "" {
		return []Symbol{m.stop}
	}
	return ret
}

// Arguments returns the model's declared argument specs.
func (m *Model) Arguments() []ArgumentSpec { return m.arguments }

// Abstract reports whether instances of this model may appear in a plan
// but cannot be executed (they must be replaced first).
func (m *Model) Abstract() bool { return m.abstract }
