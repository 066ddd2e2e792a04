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
	"time"
)

// Symbol names one of a task model's event generators ("start", "stop",
// "failed", ...). Free generators have the empty Symbol.
type Symbol string

// EventContext is the opaque payload carried by a command invocation or an
// emission. The kernel never interprets it; user code does.
type EventContext = any

// CommandFunc arranges for a generator to (eventually) emit. It runs on the
// kernel thread and must not block; long work belongs in a
// ThreadTask that reports back via the external event queue.
type CommandFunc func(ctx context.Context, gen *EventGenerator, payload EventContext) error

// HandlerFunc observes one emission. Handlers run in registration order.
type HandlerFunc func(e Emission)

// UnreachableFunc observes a generator becoming unreachable, exactly once.
type UnreachableFunc func(reason any)

// EmissionSource names a prior emission that caused a later one, used for
// the event log's "sources" field and for replay.
type EmissionSource struct {
	Generator ID
	Index     int
}

// Engine is the seam between the plan's data model and the propagation
// kernel (package kernel implements this). Defining the interface here,
// consumer-side, is what lets *EventGenerator and *Task offer their
// ergonomic call()/emit() API without package plan importing package
// kernel -- the two would otherwise form an import cycle, since the kernel
// needs the full plan/task/event API to do its work.
type Engine interface {
	// RequestCall enqueues a command invocation for the current or next
	// eligible cycle. It never runs the command synchronously.
	RequestCall(gen *EventGenerator, payload EventContext) error
	// Emit processes an emission immediately: appends history, runs
	// handlers, emits Forwarding targets depth-first and queues calls of
	// Signal targets. It is always synchronous, whether or not a Cycle is
	// currently being driven by Run/Step.
	Emit(gen *EventGenerator, payload EventContext, sources []EmissionSource) error
	// CurrentCycle returns the plan's current cycle index.
	CurrentCycle() uint64
	// EventUnreachable is notified right after gen has been marked
	// unreachable, so the engine can record it in the event log.
	EventUnreachable(gen *EventGenerator, reason any)
	// Now returns the wall-clock time the engine's clock reports.
	Now() time.Time
	// Logf is used by plan-level code (GC, exception propagation) to emit
	// the same structured diagnostics the kernel itself produces.
	Logf(format string, args ...any)
}
