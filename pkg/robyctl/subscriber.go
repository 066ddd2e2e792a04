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

package robyctl

// subscriberQueueDepth bounds how many pending, non-terminal updates a
// slow subscriber is allowed to accumulate before new ones are dropped for
// it.
const subscriberQueueDepth = 16

// subscriber is one connection's interest in a job's updates. updates is
// drained by the connection's writer goroutine; publish is called from
// whichever goroutine drives the job's state transition (normally the
// kernel's cycle goroutine via a job's completion hook).
type subscriber struct {
	updates chan JobUpdate
}

func newSubscriber() *subscriber {
	return &subscriber{updates: make(chan JobUpdate, subscriberQueueDepth)}
}

// publish delivers u to the subscriber. Terminal updates always make it
// through, blocking if necessary: every monitor must eventually observe
// its job reaching finished/finalized. Non-terminal updates are dropped
// on a full queue rather than blocking the publisher.
func (s *subscriber) publish(u JobUpdate) {
	if u.State.Terminal() {
		s.updates <- u
		return
	}
	select {
	case s.updates <- u:
	default:
	}
}

// close signals the connection's writer goroutine that no more updates are
// coming. Callers must unsubscribe from every job the subscriber was
// registered with before calling close, so no transition in flight tries
// to publish on a closed channel.
func (s *subscriber) close() { close(s.updates) }
