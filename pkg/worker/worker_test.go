package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/policy"
	"github.com/jsam/fuseline/pkg/schema"
	"github.com/jsam/fuseline/pkg/storage"
	"github.com/jsam/fuseline/pkg/storage/memory"
	"github.com/jsam/fuseline/pkg/tracing"
)

func buildLinearWorkflow(t *testing.T, run func(ctx context.Context, args map[string]any) (any, error)) *graph.Workflow {
	t.Helper()
	a := graph.NewStep("a", func(ctx context.Context, args map[string]any) (any, error) { return "a-result", nil })
	b := graph.NewStep("b", run, graph.WithDep("in", a))
	wf, err := graph.New("wf", "v1", []*graph.Step{b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return wf
}

func TestWorkerExecutesReadySteps(t *testing.T) {
	ctx := context.Background()
	b := broker.New(memory.New(), 30*time.Second)

	var seenArg any
	wf := buildLinearWorkflow(t, func(ctx context.Context, args map[string]any) (any, error) {
		seenArg = args["in"]
		return "b-result", nil
	})

	sink := tracing.NewMemorySink()
	client := NewLocalClient(b)
	w := New(client, []*graph.Workflow{wf}, WithTracingSink(sink))
	if err := w.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := b.DispatchWorkflow(ctx, schema.FromWorkflow(wf), nil); err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	ran, err := w.Work(ctx, false)
	if err != nil || !ran {
		t.Fatalf("first Work: ran=%v err=%v", ran, err)
	}
	ran, err = w.Work(ctx, false)
	if err != nil || !ran {
		t.Fatalf("second Work: ran=%v err=%v", ran, err)
	}
	ran, err = w.Work(ctx, false)
	if err != nil || ran {
		t.Fatalf("expected no more work, got ran=%v err=%v", ran, err)
	}

	if seenArg != "a-result" {
		t.Errorf("expected b to see a's result, got %v", seenArg)
	}

	events := sink.Events()
	if len(events) == 0 {
		t.Fatal("expected tracing events to be recorded")
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	ctx := context.Background()
	b := broker.New(memory.New(), 30*time.Second)

	wf := buildLinearWorkflow(t, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	client := NewLocalClient(b)
	w := New(client, []*graph.Workflow{wf})
	if err := w.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := b.DispatchWorkflow(ctx, schema.FromWorkflow(wf), nil); err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	if _, err := w.Work(ctx, false); err != nil {
		t.Fatalf("Work (a): %v", err)
	}
	if _, err := w.Work(ctx, false); err != nil {
		t.Fatalf("Work (b): %v", err)
	}

	// b's failure should have been reported; no more work should remain.
	ran, err := w.Work(ctx, false)
	if err != nil || ran {
		t.Fatalf("expected no more work after failure, got ran=%v err=%v", ran, err)
	}
}

// TestWorkerRetriesBeforeSucceeding exercises S5: FailingTask with
// Retry(max_retries=2, wait=0) raises on attempt 0 and succeeds on
// attempt 1; the terminal state must be SUCCEEDED, and the downstream
// step must still run.
func TestWorkerRetriesBeforeSucceeding(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	b := broker.New(store, 30*time.Second)

	attempts := 0
	failing := graph.NewStep("failing", func(ctx context.Context, args map[string]any) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, graph.WithPolicy(policy.NewRetry(2, 0)))
	downstream := graph.NewStep("downstream", func(ctx context.Context, args map[string]any) (any, error) {
		return args["in"], nil
	}, graph.WithDep("in", failing))

	wf, err := graph.New("retry-wf", "v1", []*graph.Step{downstream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client := NewLocalClient(b)
	w := New(client, []*graph.Workflow{wf})
	if err := w.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	instanceID, err := b.DispatchWorkflow(ctx, schema.FromWorkflow(wf), nil)
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	if ran, err := w.Work(ctx, false); err != nil || !ran {
		t.Fatalf("Work (failing): ran=%v err=%v", ran, err)
	}
	if attempts != 2 {
		t.Fatalf("expected two attempts, got %d", attempts)
	}

	if ran, err := w.Work(ctx, false); err != nil || !ran {
		t.Fatalf("Work (downstream): ran=%v err=%v", ran, err)
	}
	if ran, err := w.Work(ctx, false); err != nil || ran {
		t.Fatalf("expected no more work, got ran=%v err=%v", ran, err)
	}

	key := storage.RunKey{WorkflowID: "retry-wf", InstanceID: instanceID}
	states, err := store.AllStates(ctx, key)
	if err != nil {
		t.Fatalf("AllStates: %v", err)
	}
	if states["failing"] != graph.StateSucceeded {
		t.Errorf("expected failing step to end SUCCEEDED after retry, got %v", states["failing"])
	}
	if states["downstream"] != graph.StateSucceeded {
		t.Errorf("expected downstream SUCCEEDED, got %v", states["downstream"])
	}
}
