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
	"time"

	"github.com/robycore/roby/pkg/relation"
)

// Standard relation names
const (
	RelDependency           = "Dependency"
	RelPlannedBy            = "PlannedBy"
	RelExecutionAgent       = "ExecutionAgent"
	RelErrorHandling        = "ErrorHandling"
	RelSignal               = "Signal"
	RelForwarding           = "Forwarding"
	RelTemporal             = "Temporal"
	RelSchedulingConstraint = "SchedulingConstraints"
)

// DependencyInfo is the edge info for the Dependency relation: parent
// depends on child, annotated with the roles the child plays and which of
// its events count as success/failure.
type DependencyInfo struct {
	Roles        []string
	SuccessEvent []Symbol
	FailureEvent []Symbol
}

func mergeDependencyInfo(old, new any) any {
	o, n := old.(DependencyInfo), new.(DependencyInfo)
	merged := DependencyInfo{
		Roles:        unionStrings(o.Roles, n.Roles),
		SuccessEvent: unionSymbols(o.SuccessEvent, n.SuccessEvent),
		FailureEvent: unionSymbols(o.FailureEvent, n.FailureEvent),
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var ret []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			ret = append(ret, s)
		}
	}
	return ret
}

func unionSymbols(a, b []Symbol) []Symbol {
	seen := map[Symbol]bool{}
	var ret []Symbol
	for _, s := range append(append([]Symbol{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			ret = append(ret, s)
		}
	}
	return ret
}

// TemporalInfo is the edge info for the Temporal relation: the source must
// occur before the target plus Delta.
type TemporalInfo struct {
	Delta time.Duration
}

// AddExecutionAgent records that child executes inside agent. The relation
// is strong; its invariant -- agent stopping aborts every child still
// executing inside it -- is enforced by onAgentStopped when the agent's
// stop event emits.
func (p *Plan) AddExecutionAgent(agent, child *Task) error {
	return p.taskRelation(RelExecutionAgent).AddEdge(agent.id, child.id, nil)
}

// onAgentStopped aborts every started, unfinished ExecutionAgent child of
// agent, via the child's "aborted" event if its model declares one, its
// stop event otherwise. Pending children are left to the garbage
// collector: they never ran inside the agent, there is nothing to abort.
func (p *Plan) onAgentStopped(agent *Task) {
	rel := p.taskRelation(RelExecutionAgent)
	for _, childID := range rel.Children(agent.id) {
		child := p.Task(childID)
		if child == nil || child.state == StatePending || child.state == StateFinished || child.state == StateFinishing {
			continue
		}
		sym := Symbol("aborted")
		if !child.model.HasEvent(sym) || !child.model.IsTerminal(sym) {
			sym = child.model.stop
		}
		if sym == "" {
			continue
		}
		ev, err := child.Event(sym)
		if err != nil {
			continue
		}
		if err := ev.Call(nil); err != nil && p.engine != nil {
			p.engine.Logf("execution agent %s stopping child %s: %v", agent, child, err)
		}
	}
}

// noInfo is used by relations that carry no edge-specific data.
type noInfo struct{}

func mergeNoInfo(_, new any) any { return new }

// standardDescriptors returns the fixed registry of relation descriptors a
// plan is constructed with. Every plan shares the same registry; it is not
// per-instance configuration.
func standardDescriptors() map[string]relation.Descriptor {
	return map[string]relation.Descriptor{
		RelDependency: relation.NewDescriptor(relation.Descriptor{
			Name: RelDependency, Scope: relation.TaskScope,
			Strong: true, Cycle: relation.DAG, MergeInfo: mergeDependencyInfo,
		}),
		// PlannedBy is intentionally weak: ReplaceTask drops it, which is
		// what lets the garbage collector finalize a planner task once its
		// product has been substituted into the plan.
		RelPlannedBy: relation.NewDescriptor(relation.Descriptor{
			Name: RelPlannedBy, Scope: relation.TaskScope,
			Strong: false, Cycle: relation.DAG, MergeInfo: mergeNoInfo,
		}),
		RelExecutionAgent: relation.NewDescriptor(relation.Descriptor{
			Name: RelExecutionAgent, Scope: relation.TaskScope,
			Strong: true, Cycle: relation.DAG, MergeInfo: mergeNoInfo,
		}),
		RelErrorHandling: relation.NewDescriptor(relation.Descriptor{
			Name: RelErrorHandling, Scope: relation.TaskScope,
			Strong: false, Cycle: relation.Free, MergeInfo: mergeNoInfo,
		}),
		RelSignal: relation.NewDescriptor(relation.Descriptor{
			Name: RelSignal, Scope: relation.EventScope,
			Strong: false, Cycle: relation.Free, MergeInfo: mergeNoInfo,
		}),
		RelForwarding: relation.NewDescriptor(relation.Descriptor{
			Name: RelForwarding, Scope: relation.EventScope,
			Strong: false, Cycle: relation.Free, MergeInfo: mergeNoInfo,
		}),
		RelTemporal: relation.NewDescriptor(relation.Descriptor{
			Name: RelTemporal, Scope: relation.EventScope,
			Strong: false, Cycle: relation.DAG, MergeInfo: mergeNoInfo,
		}),
		RelSchedulingConstraint: relation.NewDescriptor(relation.Descriptor{
			Name: RelSchedulingConstraint, Scope: relation.EventScope,
			Strong: false, Cycle: relation.DAG, MergeInfo: mergeNoInfo,
		}),
	}
}
