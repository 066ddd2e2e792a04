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

// Package robyctl implements the engine's control/query surface: a
// length-prefixed request/response protocol over any io.ReadWriteCloser
// (a unix socket, a pipe, an in-process net.Pipe() in tests) that lets an
// external client list actions, start one (getting back a job id minted by
// github.com/google/uuid), monitor a job's state transitions, kill or drop
// a job, batch several operations (applied in order up to the first
// failing one, with no rollback), and pull a read-only plan
// snapshot. Subscribers that fall behind have non-terminal update frames
// dropped for them rather than stalling the publisher; terminal frames are
// never dropped.
package robyctl

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/robycore/roby/pkg/plan"
)

// JobState is a job's position in the control-surface state machine: planning-ready -> planning -> ready -> started -> (success|failed)
// -> finished -> finalized. Unlike plan.State, which tracks a task's own
// event lifecycle, JobState tracks the control surface's view of that task
// plus the bookkeeping (killed, dropped) the RPC layer itself imposes.
type JobState int

const (
	JobPlanningReady JobState = iota
	JobPlanning
	JobReady
	JobStarted
	JobSuccess
	JobFailed
	JobFinished
	JobFinalized
)

func (s JobState) String() string {
	switch s {
	case JobPlanningReady:
		return "planning-ready"
	case JobPlanning:
		return "planning"
	case JobReady:
		return "ready"
	case JobStarted:
		return "started"
	case JobSuccess:
		return "success"
	case JobFailed:
		return "failed"
	case JobFinished:
		return "finished"
	case JobFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one the control surface never transitions
// out of; terminal-state updates are the ones back-pressure must never
// drop.
func (s JobState) Terminal() bool {
	return s == JobFinished || s == JobFinalized
}

// Job is the control surface's handle on one action run through the
// engine: the task it wraps, plus the state machine layered on top of the
// task's own lifecycle.
type Job struct {
	mu sync.Mutex

	id    uuid.UUID
	task  *plan.Task
	state JobState
	err   error

	subs map[*subscriber]bool
}

// ID returns the job's opaque identifier.
func (j *Job) ID() uuid.UUID { return j.id }

// Task returns the underlying plan task.
func (j *Job) Task() *plan.Task { return j.task }

// State returns the job's current control-surface state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure the job ended with, if its state is JobFailed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// transition moves the job to next and fans the update out to every
// subscriber, applying each one's own back-pressure policy.
func (j *Job) transition(next JobState, err error) {
	j.mu.Lock()
	j.state = next
	if err != nil {
		j.err = err
	}
	subs := make([]*subscriber, 0, len(j.subs))
	for s := range j.subs {
		subs = append(subs, s)
	}
	j.mu.Unlock()

	update := JobUpdate{JobID: j.id, State: next, Err: errString(err)}
	for _, s := range subs {
		s.publish(update)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// subscribe registers sub to receive future transitions; it does not
// replay history: monitoring means observing
// what happens from here on.
func (j *Job) subscribe(sub *subscriber) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.subs == nil {
		j.subs = map[*subscriber]bool{}
	}
	j.subs[sub] = true
}

func (j *Job) unsubscribe(sub *subscriber) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.subs, sub)
}

// JobUpdate is one state-transition notification delivered to a
// subscriber.
type JobUpdate struct {
	JobID uuid.UUID
	State JobState
	Err   string
}

func (u JobUpdate) String() string {
	if u.Err == "" {
		return fmt.Sprintf("%s: %s", u.JobID, u.State)
	}
	return fmt.Sprintf("%s: %s (%s)", u.JobID, u.State, u.Err)
}
