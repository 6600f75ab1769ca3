package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryOnFailure(t *testing.T) {
	r := NewRetry(3, 0)
	step := StepInfo{Name: "flaky"}

	cases := []struct {
		attempt int
		want    FailureAction
	}{
		{0, ActionRetry},
		{1, ActionRetry},
		{2, ActionFail},
	}
	for _, c := range cases {
		got := r.OnFailure(step, errors.New("boom"), c.attempt)
		if got.Action != c.want {
			t.Errorf("attempt %d: got action %v, want %v", c.attempt, got.Action, c.want)
		}
	}
}

func TestRetryFromConfigRoundTrip(t *testing.T) {
	r := NewRetry(5, 2*time.Second)
	cfg := r.Config()
	rebuilt, err := NewRetryFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewRetryFromConfig: %v", err)
	}
	if rebuilt.MaxRetries != 5 || rebuilt.Wait != 2*time.Second {
		t.Errorf("round trip mismatch: got %+v", rebuilt)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	to := NewTimeout(0.01)
	step := StepInfo{Name: "slow"}
	_, err := to.Execute(context.Background(), step, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	var timeoutErr *ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *ErrTimeout, got %v", err)
	}
}

func TestTimeoutWithinDeadline(t *testing.T) {
	to := NewTimeout(1)
	step := StepInfo{Name: "fast"}
	result, err := to.Execute(context.Background(), step, func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("got %v, want 42", result)
	}
}

func TestChainOrdering(t *testing.T) {
	var order []string
	noop := func(name string) StepPolicy {
		return &orderPolicy{name: name, order: &order}
	}
	step := StepInfo{Name: "s"}
	call := Chain([]StepPolicy{noop("P1"), noop("P2")}, step, func(ctx context.Context) (any, error) {
		order = append(order, "inner")
		return nil, nil
	})
	if _, err := call(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"P1", "P2", "inner"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

type orderPolicy struct {
	BaseStepPolicy
	name  string
	order *[]string
}

func (p *orderPolicy) Name() string                  { return p.name }
func (p *orderPolicy) Config() map[string]any        { return nil }
func (p *orderPolicy) Execute(ctx context.Context, step StepInfo, call Call) (any, error) {
	*p.order = append(*p.order, p.name)
	return call(ctx)
}
