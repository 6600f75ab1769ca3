package policy

import (
	"fmt"
	"time"
)

// RetryName is the stable registry name for Retry.
const RetryName = "retry"

// Retry retries a failing step up to MaxRetries attempts, waiting Wait
// between attempts. It returns FAIL once the retry budget is
// exhausted.
type Retry struct {
	BaseStepPolicy
	MaxRetries int
	Wait       time.Duration
}

var _ StepPolicy = (*Retry)(nil)

// NewRetry builds a Retry policy. maxRetries counts total attempts
// (including the first), matching the teacher-spec pairing of
// "attempts < N-1 retry, else fail".
func NewRetry(maxRetries int, wait time.Duration) *Retry {
	return &Retry{MaxRetries: maxRetries, Wait: wait}
}

// NewRetryFromConfig reconstructs a Retry from its wire-form config.
func NewRetryFromConfig(cfg map[string]any) (*Retry, error) {
	maxRetries, err := intField(cfg, "max_retries", 1)
	if err != nil {
		return nil, err
	}
	waitSeconds, err := floatField(cfg, "wait", 0)
	if err != nil {
		return nil, err
	}
	return NewRetry(maxRetries, time.Duration(waitSeconds*float64(time.Second))), nil
}

func (r *Retry) Name() string { return RetryName }

func (r *Retry) Config() map[string]any {
	return map[string]any{
		"max_retries": r.MaxRetries,
		"wait":        r.Wait.Seconds(),
	}
}

// OnFailure returns RETRY while attempts remain, FAIL otherwise.
func (r *Retry) OnFailure(_ StepInfo, _ error, attempt int) FailureDecision {
	if attempt < r.MaxRetries-1 {
		return FailureDecision{Action: ActionRetry, Delay: r.Wait.Seconds()}
	}
	return FailureDecision{Action: ActionFail}
}

func intField(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("policy config %q: expected number, got %T", key, v)
	}
}

func floatField(cfg map[string]any, key string, def float64) (float64, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("policy config %q: expected number, got %T", key, v)
	}
}
