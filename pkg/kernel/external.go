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
	"time"

	"github.com/sony/gobreaker"

	"github.com/robycore/roby/pkg/plan"
)

// ExternalEvent is one occurrence a Source observed outside the plan --
// a poller noticing a file appeared, a webhook callback, a subprocess
// exiting -- that should result in gen being called on the plan's next
// gather phase.
type ExternalEvent struct {
	Gen     *plan.EventGenerator
	Payload plan.EventContext
}

// Source supplies external events to the kernel once per cycle. Gather
// must not block indefinitely; it is expected to return quickly with
// whatever is already available (use a ThreadTask, via Engine.Spawn, for
// anything that needs to block).
type Source interface {
	Gather(ctx context.Context) ([]ExternalEvent, error)
}

// breakerFor lazily builds one circuit breaker per Source, so a
// persistently failing external system (a flaky webhook receiver, a
// poller whose backing file server is down) trips open and stops being
// retried every single cycle, instead logging once per breaker state
// change.
func (e *Engine) breakerFor(s Source) *gobreaker.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	if e.breakers == nil {
		e.breakers = map[Source]*gobreaker.CircuitBreaker{}
	}
	if cb, ok := e.breakers[s]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "roby.kernel.source",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logf("external source breaker %s: %s -> %s", name, from, to)
		},
	})
	e.breakers[s] = cb
	return cb
}

// gatherExternal drains the thread-safe external-event queue (worker
// results posted via PostExternal), then asks every registered Source for
// events through its circuit breaker, queueing everything as Calls. A
// Source error (or an open breaker) is logged and skipped; it never fails
// the cycle.
func (e *Engine) gatherExternal(ctx context.Context) {
	e.externalMu.Lock()
	pending := e.pendingExternal
	e.pendingExternal = nil
	e.externalMu.Unlock()
	for _, ev := range pending {
		if ev.Gen == nil {
			continue
		}
		if err := ev.Gen.Call(ev.Payload); err != nil {
			e.logf("worker result for %s: %v", ev.Gen, err)
		}
	}

	for _, src := range e.sources {
		cb := e.breakerFor(src)
		result, err := cb.Execute(func() (any, error) {
			return src.Gather(ctx)
		})
		if err != nil {
			e.logf("gather external events: %v", err)
			continue
		}
		events, _ := result.([]ExternalEvent)
		for _, ev := range events {
			if ev.Gen == nil {
				continue
			}
			if err := ev.Gen.Call(ev.Payload); err != nil {
				e.logf("external event for %s: %v", ev.Gen, err)
			}
		}
	}
}
