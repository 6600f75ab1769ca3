package broker

import (
	"context"
	"testing"
	"time"

	"github.com/jsam/fuseline/pkg/graph"
	"github.com/jsam/fuseline/pkg/schema"
	"github.com/jsam/fuseline/pkg/storage"
	"github.com/jsam/fuseline/pkg/storage/memory"
)

func noop(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

// finalizeCountingStore counts FinalizeRun calls on top of the in-memory store.
type finalizeCountingStore struct {
	*memory.Storage
	finalized int
}

func (s *finalizeCountingStore) FinalizeRun(ctx context.Context, key storage.RunKey) error {
	s.finalized++
	return s.Storage.FinalizeRun(ctx, key)
}

func linearSchema(t *testing.T) schema.WorkflowSchema {
	t.Helper()
	a := graph.NewStep("a", noop)
	b := graph.NewStep("b", noop, graph.WithDep("in", a))
	wf, err := graph.New("wf", "v1", []*graph.Step{b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return schema.FromWorkflow(wf)
}

func TestDispatchEnqueuesRoots(t *testing.T) {
	ctx := context.Background()
	b := New(memory.New(), 30*time.Second)
	s := linearSchema(t)

	instanceID, err := b.DispatchWorkflow(ctx, s, nil)
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	workerID, err := b.RegisterWorker([]schema.WorkflowSchema{s})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	a, err := b.GetStep(ctx, workerID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if a == nil {
		t.Fatal("expected an assignment")
	}
	if a.StepName != "a" || a.InstanceID != instanceID {
		t.Errorf("got %+v", a)
	}

	second, err := b.GetStep(ctx, workerID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no more ready work, got %+v", second)
	}
}

func TestReportStepAdvancesSuccessor(t *testing.T) {
	ctx := context.Background()
	b := New(memory.New(), 30*time.Second)
	s := linearSchema(t)

	_, err := b.DispatchWorkflow(ctx, s, nil)
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}
	workerID, _ := b.RegisterWorker([]schema.WorkflowSchema{s})

	assignment, err := b.GetStep(ctx, workerID)
	if err != nil || assignment == nil {
		t.Fatalf("GetStep: %v %v", assignment, err)
	}

	if err := b.ReportStep(ctx, workerID, StepReport{
		WorkflowID: assignment.WorkflowID,
		InstanceID: assignment.InstanceID,
		StepName:   "a",
		State:      graph.StateSucceeded,
		Result:     "ok",
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	next, err := b.GetStep(ctx, workerID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if next == nil || next.StepName != "b" {
		t.Fatalf("expected b to become ready, got %+v", next)
	}
	if next.Payload.Results["a"] != "ok" {
		t.Errorf("expected b's payload to carry a's result, got %+v", next.Payload)
	}
}

func TestStaleReportIsNoop(t *testing.T) {
	ctx := context.Background()
	b := New(memory.New(), 30*time.Second)
	s := linearSchema(t)

	_, err := b.DispatchWorkflow(ctx, s, nil)
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}
	workerID, _ := b.RegisterWorker([]schema.WorkflowSchema{s})

	assignment, err := b.GetStep(ctx, workerID)
	if err != nil || assignment == nil {
		t.Fatalf("GetStep: %v %v", assignment, err)
	}

	// A different worker's report for the same step is a no-op (I5).
	if err := b.ReportStep(ctx, "some-other-worker", StepReport{
		WorkflowID: assignment.WorkflowID,
		InstanceID: assignment.InstanceID,
		StepName:   "a",
		State:      graph.StateSucceeded,
		Result:     "hijacked",
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	// The rightful worker can still report it.
	if err := b.ReportStep(ctx, workerID, StepReport{
		WorkflowID: assignment.WorkflowID,
		InstanceID: assignment.InstanceID,
		StepName:   "a",
		State:      graph.StateSucceeded,
		Result:     "ok",
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	next, err := b.GetStep(ctx, workerID)
	if err != nil || next == nil || next.StepName != "b" {
		t.Fatalf("expected b ready with a's real result, got %+v %v", next, err)
	}
	if next.Payload.Results["a"] != "ok" {
		t.Errorf("expected a's result to be the rightful worker's report, got %+v", next.Payload)
	}
}

func TestFailurePropagatesCancelledAndFinalizes(t *testing.T) {
	ctx := context.Background()
	store := &finalizeCountingStore{Storage: memory.New()}
	b := New(store, 30*time.Second)
	s := linearSchema(t)

	instanceID, err := b.DispatchWorkflow(ctx, s, nil)
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}
	workerID, _ := b.RegisterWorker([]schema.WorkflowSchema{s})

	assignment, err := b.GetStep(ctx, workerID)
	if err != nil || assignment == nil {
		t.Fatalf("GetStep: %v %v", assignment, err)
	}

	if err := b.ReportStep(ctx, workerID, StepReport{
		WorkflowID: assignment.WorkflowID,
		InstanceID: assignment.InstanceID,
		StepName:   "a",
		State:      graph.StateFailed,
		Result:     nil,
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	states, err := store.AllStates(ctx, storage.RunKey{WorkflowID: s.WorkflowID, InstanceID: instanceID})
	if err != nil {
		t.Fatalf("AllStates: %v", err)
	}
	if states["b"] != graph.StateCancelled {
		t.Errorf("expected b cancelled, got %v", states["b"])
	}
	if store.finalized != 1 {
		t.Errorf("expected the run to be finalized once, got %d", store.finalized)
	}
}
