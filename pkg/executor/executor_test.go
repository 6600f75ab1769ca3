package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/policy"
)

func constStep(name string, value any) *graph.Step {
	return graph.NewStep(name, func(ctx context.Context, args map[string]any) (any, error) {
		return value, nil
	})
}

func TestRunLinearChain(t *testing.T) {
	a := constStep("a", 1)
	b := graph.NewStep("b", func(ctx context.Context, args map[string]any) (any, error) {
		return args["in"].(int) + 1, nil
	}, graph.WithDep("in", a))
	c := graph.NewStep("c", func(ctx context.Context, args map[string]any) (any, error) {
		return args["in"].(int) + 1, nil
	}, graph.WithDep("in", b))

	wf, err := graph.New("linear", "v1", []*graph.Step{c})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, nil, "linear", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != graph.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %v", res.State)
	}
	if res.Results[c].Value != 3 {
		t.Errorf("expected c=3, got %v", res.Results[c].Value)
	}
}

func TestRunFanOutJoin(t *testing.T) {
	start := constStep("start", nil)
	p1 := graph.NewStep("p1", func(ctx context.Context, args map[string]any) (any, error) {
		return 1, nil
	}, graph.WithDep("in", start))
	p2 := graph.NewStep("p2", func(ctx context.Context, args map[string]any) (any, error) {
		return 2, nil
	}, graph.WithDep("in", start))
	join := graph.NewStep("join", func(ctx context.Context, args map[string]any) (any, error) {
		return []string{"op1", "op2"}, nil
	}, graph.WithDep("a", p1), graph.WithDep("b", p2))

	wf, err := graph.New("fanout", "v1", []*graph.Step{join})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New(WithPoolSize(2)).Run(context.Background(), wf, nil, "fanout", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != graph.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %v", res.State)
	}
	if res.Results[join].State != graph.StateSucceeded {
		t.Errorf("expected join to run exactly once and succeed, got %v", res.Results[join])
	}
}

func TestRunOrJoinFirstCompleter(t *testing.T) {
	p1 := constStep("p1", "from-p1")
	p2 := constStep("p2", "from-p2")
	winner := graph.NewStep("winner", func(ctx context.Context, args map[string]any) (any, error) {
		return args["payload"], nil
	}, graph.WithOrDep("payload", []*graph.Step{p1, p2}))

	wf, err := graph.New("orjoin", "v1", []*graph.Step{winner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, nil, "orjoin", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[winner].State != graph.StateSucceeded {
		t.Fatalf("expected winner to succeed, got %v", res.Results[winner])
	}
	// declaration order makes p1 the deterministic "first finished" winner
	// when both run in the same batch.
	if res.Results[winner].Value != "from-p1" {
		t.Errorf("expected winner's payload from p1, got %v", res.Results[winner].Value)
	}
}

func TestRunConditionalSkip(t *testing.T) {
	decide := constStep("decide", true)
	runsIfTrue := graph.NewStep("b1", func(ctx context.Context, args map[string]any) (any, error) {
		return "ran", nil
	}, graph.WithDep("flag", decide, func(value any, source *graph.Step) bool {
		return value.(bool)
	}))
	runsIfFalse := graph.NewStep("b2", func(ctx context.Context, args map[string]any) (any, error) {
		return "ran", nil
	}, graph.WithDep("flag", decide, func(value any, source *graph.Step) bool {
		return !value.(bool)
	}))

	wf, err := graph.New("cond", "v1", []*graph.Step{runsIfTrue, runsIfFalse})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, nil, "cond", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[runsIfTrue].State != graph.StateSucceeded {
		t.Errorf("expected b1 to run, got %v", res.Results[runsIfTrue])
	}
	if res.Results[runsIfFalse].State != graph.StateSkipped {
		t.Errorf("expected b2 SKIPPED, got %v", res.Results[runsIfFalse])
	}
	if res.Results[runsIfFalse].Value != nil {
		t.Errorf("expected b2's result to be nil, got %v", res.Results[runsIfFalse].Value)
	}
}

// countingRetry asks for a retry after each failed attempt below
// failUntil and fails the step after that.
type countingRetry struct {
	policy.BaseStepPolicy
	failUntil int
	attempts  int
}

func (p *countingRetry) Name() string              { return "test-retry" }
func (p *countingRetry) Config() map[string]any     { return nil }
func (p *countingRetry) OnFailure(step policy.StepInfo, err error, attempt int) policy.FailureDecision {
	if attempt < p.failUntil {
		return policy.FailureDecision{Action: policy.ActionRetry}
	}
	return policy.FailureDecision{Action: policy.ActionFail}
}

func TestRunRetrySucceedsDownstreamRuns(t *testing.T) {
	retry := &countingRetry{failUntil: 1}
	failing := graph.NewStep("failing", func(ctx context.Context, args map[string]any) (any, error) {
		retry.attempts++
		if retry.attempts == 1 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, graph.WithPolicy(retry))
	downstream := graph.NewStep("simple", func(ctx context.Context, args map[string]any) (any, error) {
		return args["in"], nil
	}, graph.WithDep("in", failing))

	wf, err := graph.New("retry", "v1", []*graph.Step{downstream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, nil, "retry", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != graph.StateSucceeded {
		t.Fatalf("expected workflow SUCCEEDED, got %v", res.State)
	}
	if res.Results[failing].State != graph.StateSucceeded {
		t.Errorf("expected failing step to recover, got %v", res.Results[failing])
	}
	if res.Results[downstream].Value != "recovered" {
		t.Errorf("expected downstream to see recovered value, got %v", res.Results[downstream].Value)
	}
}

func TestRunBatchStepIteratesEachItem(t *testing.T) {
	doubled := graph.NewBatchStep("doubled", "items", func(ctx context.Context, item any, args map[string]any) (any, error) {
		return item.(int) * 2, nil
	}, graph.WithPlainParam("items"))

	wf, err := graph.New("batch", "v1", []*graph.Step{doubled})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, map[string]any{"items": []any{1, 2, 3}}, "batch", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[doubled].State != graph.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %v", res.Results[doubled])
	}
	got, ok := res.Results[doubled].Value.([]any)
	if !ok || len(got) != 3 {
		t.Fatalf("expected a 3-element result slice, got %v", res.Results[doubled].Value)
	}
	want := []any{2, 4, 6}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("item %d: got %v, want %v", i, got[i], v)
		}
	}
}

func TestRunBatchStepPropagatesItemError(t *testing.T) {
	failing := graph.NewBatchStep("failing", "items", func(ctx context.Context, item any, args map[string]any) (any, error) {
		if item.(int) == 2 {
			return nil, errors.New("item 2 is bad")
		}
		return item, nil
	}, graph.WithPlainParam("items"))

	wf, err := graph.New("batchfail", "v1", []*graph.Step{failing})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, map[string]any{"items": []any{1, 2, 3}}, "batchfail", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Results[failing].State != graph.StateFailed {
		t.Fatalf("expected FAILED, got %v", res.Results[failing])
	}
}

func TestRunFailurePropagatesCancellation(t *testing.T) {
	a := graph.NewStep("a", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	unrelated := constStep("unrelated", "fine")
	downstream := graph.NewStep("downstream", func(ctx context.Context, args map[string]any) (any, error) {
		return args["in"], nil
	}, graph.WithDep("in", a))

	wf, err := graph.New("fail", "v1", []*graph.Step{downstream, unrelated})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := New().Run(context.Background(), wf, nil, "fail", "inst-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != graph.StateFailed {
		t.Fatalf("expected workflow FAILED, got %v", res.State)
	}
	if res.Results[downstream].State != graph.StateCancelled {
		t.Errorf("expected downstream CANCELLED, got %v", res.Results[downstream])
	}
}
