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

package plan_test

import (
	"testing"

	"github.com/robycore/roby/internal/robytest"
	"github.com/robycore/roby/pkg/plan"
)

func TestQueryByModel(t *testing.T) {
	p := plan.New()
	widget1, err := p.NewTask(robytest.SimpleModel("Widget"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.NewTask(robytest.SimpleModel("Gadget"), nil); err != nil {
		t.Fatal(err)
	}

	got := plan.NewQuery().WithModel("Widget").Each(p)
	if len(got) != 1 || got[0] != widget1 {
		t.Fatalf("WithModel(Widget) = %v, want [widget1]", got)
	}
}

func TestQueryByStateAndArg(t *testing.T) {
	p := plan.New()
	events := []plan.EventSpec{{Symbol: "start", Terminal: false}, {Symbol: "stop", Terminal: true}}
	model, err := plan.NewModel("M", events, "start", "stop", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	a, err := p.NewTask(model, map[string]any{"color": "red"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.NewTask(model, map[string]any{"color": "blue"}); err != nil {
		t.Fatal(err)
	}

	got, ok := plan.NewQuery().WithState(plan.StatePending).WithArg("color", "red").One(p)
	if !ok || got != a {
		t.Fatalf("query = %v, %v, want task a", got, ok)
	}
}

func TestQueryByParentChild(t *testing.T) {
	p := plan.New()
	parent, err := p.NewTask(robytest.SimpleModel("Parent"), nil)
	if err != nil {
		t.Fatal(err)
	}
	child, err := p.NewTask(robytest.SimpleModel("Child"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddDependency(parent, child, plan.DependencyInfo{}); err != nil {
		t.Fatal(err)
	}

	children := plan.NewQuery().WithParent(parent).Each(p)
	if len(children) != 1 || children[0] != child {
		t.Fatalf("WithParent(parent) = %v, want [child]", children)
	}
	parents := plan.NewQuery().WithChild(child).Each(p)
	if len(parents) != 1 || parents[0] != parent {
		t.Fatalf("WithChild(child) = %v, want [parent]", parents)
	}
}

func TestQueryMissionsAndPermanent(t *testing.T) {
	p := plan.New()
	mission, err := p.NewTask(robytest.SimpleModel("Mission"), nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := p.NewTask(robytest.SimpleModel("Other"), nil)
	if err != nil {
		t.Fatal(err)
	}
	p.AddMission(mission)
	p.AddPermanent(other)

	missions := plan.NewQuery().Missions(true).Each(p)
	if len(missions) != 1 || missions[0] != mission {
		t.Fatalf("Missions(true) = %v, want [mission]", missions)
	}
	permanents := plan.NewQuery().Permanent(true).Each(p)
	if len(permanents) != 1 || permanents[0] != other {
		t.Fatalf("Permanent(true) = %v, want [other]", permanents)
	}
}

func TestQueryOneRejectsMultipleMatches(t *testing.T) {
	p := plan.New()
	if _, err := p.NewTask(robytest.SimpleModel("Widget"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.NewTask(robytest.SimpleModel("Widget"), nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := plan.NewQuery().WithModel("Widget").One(p); ok {
		t.Fatal("One() should report false when more than one task matches")
	}
}
