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

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/robycore/roby/pkg/plan"
)

// ActionFunc builds and returns a new, not-yet-missioned task for one named
// action, using the caller-supplied argument map. Registering the task's
// mission mark is the server's job, not the ActionFunc's, so a single
// registered action can be started concurrently as distinct jobs.
type ActionFunc func(p *plan.Plan, args map[string]any) (*plan.Task, error)

// Server implements the engine's control/query surface against one
// Plan. It is transport-agnostic: Serve drives the protocol over any
// io.ReadWriteCloser, so callers can wire it to a unix socket, an in-memory
// net.Pipe in tests, or anything else.
type Server struct {
	plan *plan.Plan

	mu      sync.Mutex
	actions map[string]ActionFunc
	jobs    map[uuid.UUID]*Job
}

// NewServer returns a Server with no actions registered.
func NewServer(p *plan.Plan) *Server {
	return &Server{
		plan:    p,
		actions: map[string]ActionFunc{},
		jobs:    map[uuid.UUID]*Job{},
	}
}

// RegisterAction makes name available to StartAction requests.
func (s *Server) RegisterAction(name string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = fn
}

// Job looks up a job by id, for callers embedding a Server directly rather
// than only driving it through Serve.
func (s *Server) Job(id uuid.UUID) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Tick scans every tracked job and fires the finalized transition for any
// whose underlying task has been garbage collected. The task model itself
// has no "on finalize" hook (finalization is a GC-internal bookkeeping
// step, not an event), so the control surface observes it by polling once
// per kernel cycle; callers wire this in next to kernel.Engine.Step in the
// same loop.
func (s *Server) Tick() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if j.State() == JobFinished && j.Task().Finalized() {
			j.transition(JobFinalized, nil)
		}
	}
}

// Serve reads requests off conn and writes responses until conn closes or
// a read fails. It blocks until the connection ends, so callers run it on
// its own goroutine per accepted connection.
func (s *Server) Serve(conn io.ReadWriteCloser) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer conn.Close()

	var activeSubs []*subscriber
	defer func() {
		for _, sub := range activeSubs {
			sub.close()
		}
	}()

	for {
		req, err := readRequest(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("robyctl: reading request: %w", err)
		}

		if req.op == opMonitorJob {
			sub := newSubscriber()
			activeSubs = append(activeSubs, sub)
			if err := s.monitor(req.jobID, sub, w); err != nil {
				return err
			}
			continue
		}

		resp := s.dispatch(req)
		if err := writeResponse(w, resp); err != nil {
			return fmt.Errorf("robyctl: writing response: %w", err)
		}
	}
}

// dispatch handles every request kind except MonitorJob, which streams and
// is handled inline by Serve.
func (s *Server) dispatch(req request) response {
	switch req.op {
	case opListActions:
		return s.listActions()
	case opStartAction:
		return s.startAction(req.actionName, req.args)
	case opKillJob:
		return s.killJob(req.jobID)
	case opDropJob:
		return s.dropJob(req.jobID)
	case opSnapshot:
		return s.snapshot()
	case opBatch:
		return s.batch(req.batch)
	default:
		return errorResponse(fmt.Errorf("unknown request op %d", req.op))
	}
}

func (s *Server) listActions() response {
	s.mu.Lock()
	names := make([]string, 0, len(s.actions))
	for n := range s.actions {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return response{op: opActionList, actions: names}
}

func (s *Server) startAction(name string, args map[string]any) response {
	s.mu.Lock()
	fn, ok := s.actions[name]
	s.mu.Unlock()
	if !ok {
		return errorResponse(fmt.Errorf("no such action %q", name))
	}

	job := &Job{id: uuid.New(), state: JobPlanningReady}
	job.transitionQuiet(JobPlanning)

	task, err := fn(s.plan, args)
	if err != nil {
		job.transitionQuiet(JobFailed)
		return errorResponse(fmt.Errorf("starting action %q: %w", name, err))
	}
	job.task = task
	job.transitionQuiet(JobReady)

	s.wireJobHooks(job)

	s.plan.AddMission(task)
	job.transition(JobStarted, nil)

	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()

	klog.V(2).Infof("robyctl: started job %s running action %q", job.id, name)
	return response{op: opJobStarted, jobID: job.id}
}

// wireJobHooks ties the job's state machine to its task's own event
// lifecycle: any declared success event moves it to JobSuccess, an
// unreached-or-failed completion moves it to JobFailed, and stop always
// moves it to JobFinished once reached.
func (s *Server) wireJobHooks(job *Job) {
	t := job.task
	for _, sym := range t.Model().SuccessEvents() {
		sym := sym
		if ev, err := t.Event(sym); err == nil {
			ev.On(func(plan.Emission) { job.transition(JobSuccess, nil) })
		}
	}
	t.WhenFailedOrUnreachable(func(reason any) {
		job.transition(JobFailed, fmt.Errorf("%v", reason))
	})
	if stop := t.StopEvent(); stop != nil {
		stop.On(func(plan.Emission) { job.transition(JobFinished, nil) })
	}
}

func (s *Server) killJob(id uuid.UUID) response {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return errorResponse(fmt.Errorf("no such job %s", id))
	}
	s.plan.RemoveMission(job.task)
	if stop := job.task.StopEvent(); stop != nil {
		if err := stop.Call(nil); err != nil {
			return errorResponse(fmt.Errorf("killing job %s: %w", id, err))
		}
	}
	return response{op: opOK}
}

func (s *Server) dropJob(id uuid.UUID) response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errorResponse(fmt.Errorf("no such job %s", id))
	}
	delete(s.jobs, id)
	return response{op: opOK}
}

// snapshot encodes the plan's current snapshot as JSON. The control
// surface's other frames use the hand-rolled binary codec this package
// defines, but the snapshot payload is a large, nested, evolving read-only
// view meant for an external tool to inspect (not a replayable log
// record), so it uses encoding/json rather than growing the tagged-union
// codec to cover it: no third-party codec in the retrieved pack is a better
// fit for "arbitrary struct, occasional consumer, human-inspectable" than
// the standard library's own json package.
func (s *Server) snapshot() response {
	snap := s.plan.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return errorResponse(fmt.Errorf("encoding snapshot: %w", err))
	}
	return response{op: opSnapshotData, payload: payload}
}

// batch applies every sub-request in order and stops at the first error,
// returning that error as the batch's response. Sub-requests applied
// before the failing one are not undone. MonitorJob is not a valid batch
// member since it streams rather than returning a single response.
func (s *Server) batch(reqs []request) response {
	for _, sub := range reqs {
		if sub.op == opMonitorJob {
			return errorResponse(fmt.Errorf("MonitorJob is not valid inside a batch"))
		}
		if resp := s.dispatch(sub); resp.op == opError {
			return resp
		}
	}
	return response{op: opOK}
}

// monitor streams job's updates to w until the job reaches a terminal
// state or the connection breaks.
func (s *Server) monitor(id uuid.UUID, sub *subscriber, w *bufio.Writer) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return writeResponse(w, errorResponse(fmt.Errorf("no such job %s", id)))
	}
	job.subscribe(sub)
	defer job.unsubscribe(sub)

	for update := range sub.updates {
		if err := writeResponse(w, response{op: opJobUpdate, update: update}); err != nil {
			return err
		}
		if update.State.Terminal() {
			return nil
		}
	}
	return nil
}

func errorResponse(err error) response { return response{op: opError, message: err.Error()} }

// transitionQuiet sets state without publishing to subscribers, for the
// pre-registration part of a job's lifecycle (planning-ready/planning/ready)
// that happens before any client could have subscribed to it yet.
func (j *Job) transitionQuiet(next JobState) {
	j.mu.Lock()
	j.state = next
	j.mu.Unlock()
}
