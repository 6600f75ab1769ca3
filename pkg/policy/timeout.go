package policy

import (
	"context"
	"fmt"
	"time"
)

// TimeoutName is the stable registry name for Timeout.
const TimeoutName = "timeout"

// ErrTimeout is returned when a step's Timeout deadline
// elapses before its call completes.
type ErrTimeout struct {
	Step    string
	Seconds float64
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("step %q exceeded timeout of %.3fs", e.Step, e.Seconds)
}

// Timeout enforces a hard deadline around a step invocation. On
// deadline it raises ErrTimeout, which a Retry policy further up the
// chain may then consume.
//
// Seconds also doubles as the broker-side assignment lease TTL for
// this step: get_step uses it in place of the 60s default when the
// step carries a Timeout policy.
type Timeout struct {
	BaseStepPolicy
	Seconds float64
}

var _ StepPolicy = (*Timeout)(nil)

// NewTimeout builds a Timeout policy with the given deadline in
// seconds.
func NewTimeout(seconds float64) *Timeout {
	return &Timeout{Seconds: seconds}
}

// NewTimeoutFromConfig reconstructs a Timeout from its wire-form config.
func NewTimeoutFromConfig(cfg map[string]any) (*Timeout, error) {
	seconds, err := floatField(cfg, "seconds", 0)
	if err != nil {
		return nil, err
	}
	return NewTimeout(seconds), nil
}

func (t *Timeout) Name() string { return TimeoutName }

func (t *Timeout) Config() map[string]any {
	return map[string]any{"seconds": t.Seconds}
}

// Execute runs call under a derived context with Seconds deadline.
func (t *Timeout) Execute(ctx context.Context, step StepInfo, call Call) (any, error) {
	if t.Seconds <= 0 {
		return call(ctx)
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(t.Seconds*float64(time.Second)))
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call(deadlineCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && deadlineCtx.Err() == context.DeadlineExceeded {
			return nil, &ErrTimeout{Step: step.Name, Seconds: t.Seconds}
		}
		return o.result, o.err
	case <-deadlineCtx.Done():
		return nil, &ErrTimeout{Step: step.Name, Seconds: t.Seconds}
	}
}
