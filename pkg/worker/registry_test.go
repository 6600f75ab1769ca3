package worker

import (
	"context"
	"testing"

	"github.com/jsam/fuseline/pkg/graph"
)

func TestResolveRegisteredWorkflow(t *testing.T) {
	a := graph.NewStep("a", func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	wf, err := graph.New("registry-wf", "v1", []*graph.Step{a})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	RegisterWorkflow(wf)

	resolved, err := Resolve([]string{"registry-wf"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved) != 1 || resolved[0] != wf {
		t.Fatalf("expected resolved workflow to be wf, got %+v", resolved)
	}
}

func TestResolveUnknownLocator(t *testing.T) {
	if _, err := Resolve([]string{"does-not-exist"}); err == nil {
		t.Fatal("expected an error for an unknown locator")
	}
}
