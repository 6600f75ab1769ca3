package graph

import (
	"context"
	"testing"
)

func noop(ctx context.Context, args map[string]any) (any, error) {
	return nil, nil
}

func TestLinearChainExecutionGroups(t *testing.T) {
	a := NewStep("a", noop)
	b := NewStep("b", noop, WithDep("in", a))
	c := NewStep("c", noop, WithDep("in", b))

	wf, err := New("wf", "v1", []*Step{c})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(wf.Steps()) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(wf.Steps()))
	}
	if a.ExecutionGroup() != 0 || b.ExecutionGroup() != 1 || c.ExecutionGroup() != 2 {
		t.Errorf("got groups a=%d b=%d c=%d", a.ExecutionGroup(), b.ExecutionGroup(), c.ExecutionGroup())
	}
	if len(wf.Roots()) != 1 || wf.Roots()[0] != a {
		t.Errorf("expected root [a], got %v", wf.Roots())
	}
}

func TestFanOutJoinExecutionGroup(t *testing.T) {
	start := NewStep("start", noop)
	p1 := NewStep("p1", noop, WithDep("x", start))
	p2 := NewStep("p2", noop, WithDep("x", start))
	join := NewStep("join", noop, WithDep("a", p1), WithDep("b", p2))

	wf, err := New("wf", "v1", []*Step{join})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(wf.Steps()) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(wf.Steps()))
	}
	if join.ExecutionGroup() != 2 {
		t.Errorf("expected join execution_group 2, got %d", join.ExecutionGroup())
	}
}

func TestCycleDetection(t *testing.T) {
	a := NewStep("a", noop)
	b := NewStep("b", noop, WithDep("in", a))
	a.Next(DefaultAction, b) // re-adds a->b, fine
	b.Next(DefaultAction, a) // introduces a cycle b->a

	_, err := New("wf", "v1", []*Step{a})
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	a := NewStep("dup", noop)
	b := NewStep("dup", noop, WithDep("in", a))

	_, err := New("wf", "v1", []*Step{b})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestOrGroupResolveFirstFinished(t *testing.T) {
	p1 := NewStep("p1", noop)
	p2 := NewStep("p2", noop)
	race := NewStep("race", noop, WithOrDep("winner", []*Step{p1, p2}))

	wf, err := New("wf", "v1", []*Step{race})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(wf.Steps()) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(wf.Steps()))
	}

	results := map[*Step]any{p2: "from-p2"}
	args, skipped := race.ResolveArgs(ResolveContext{Results: results})
	if skipped {
		t.Fatal("unexpected skip")
	}
	if args["winner"] != "from-p2" {
		t.Errorf("got %v, want from-p2", args["winner"])
	}
}

func TestConditionSkip(t *testing.T) {
	decide := NewStep("decide", noop)
	var checks []string
	b1 := NewStep("b1", noop, WithDep("flag", decide, func(v any, _ *Step) bool {
		return v.(bool)
	}))
	b2 := NewStep("b2", noop, WithDep("flag", decide, func(v any, _ *Step) bool {
		return !v.(bool)
	}))

	results := map[*Step]any{decide: true}
	onCond := func(dep string, value any, passed bool) {
		checks = append(checks, dep)
	}

	args1, skipped1 := b1.ResolveArgs(ResolveContext{Results: results, OnCondition: onCond})
	if skipped1 {
		t.Error("b1 should not be skipped")
	}
	if args1["flag"] != true {
		t.Errorf("b1 args = %v", args1)
	}

	_, skipped2 := b2.ResolveArgs(ResolveContext{Results: results, OnCondition: onCond})
	if !skipped2 {
		t.Error("b2 should be skipped")
	}
	if len(checks) != 2 {
		t.Errorf("expected 2 condition checks, got %d", len(checks))
	}
}

func TestPlainParamAndOrGroupMembers(t *testing.T) {
	p1 := NewStep("p1", noop)
	p2 := NewStep("p2", noop)
	s := NewStep("s", noop, WithOrDep("g", []*Step{p1, p2}), WithPlainParam("flag"))

	members := s.OrGroupMembers()
	if !members[p1] || !members[p2] {
		t.Errorf("expected both p1 and p2 in OR-group members, got %v", members)
	}

	args, skipped := s.ResolveArgs(ResolveContext{
		Results: map[*Step]any{p1: 1},
		Plain:   map[string]any{"flag": true, "unused": 2},
	})
	if skipped {
		t.Fatal("unexpected skip")
	}
	if args["flag"] != true {
		t.Errorf("expected flag=true, got %v", args["flag"])
	}
	if _, present := args["unused"]; present {
		t.Error("unused plain param should not leak into args")
	}
}
