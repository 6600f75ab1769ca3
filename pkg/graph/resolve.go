package graph

// ResolveContext carries what Step.ResolveArgs needs to build the
// effective kwargs for one invocation: each finished predecessor's
// result, the workflow's plain input parameters, and an optional
// callback fired for every condition evaluated (used to emit
// condition_check trace events).
type ResolveContext struct {
	// Results maps a finished predecessor Step to its recorded result.
	// A Step absent from this map is treated as not yet finished.
	Results map[*Step]any
	// Plain holds the workflow's input parameters.
	Plain map[string]any
	// OnCondition, if set, is invoked once per evaluated condition.
	OnCondition func(dependency string, value any, passed bool)
}

// ResolveArgs builds the kwargs for one invocation of s. If a
// condition attached to a dependency evaluates false, skipped is true
// and args is nil: the caller should transition the step to SKIPPED
// with a nil result without invoking Step.Invoke.
func (s *Step) ResolveArgs(rc ResolveContext) (args map[string]any, skipped bool) {
	args = map[string]any{}

	for _, spec := range s.paramSpecs {
		switch spec.kind {
		case paramPlain:
			if v, ok := rc.Plain[spec.name]; ok {
				args[spec.name] = v
			}

		case paramDep:
			value := rc.Results[spec.producer]
			if spec.condition != nil {
				passed := spec.condition(value, spec.producer)
				if rc.OnCondition != nil {
					rc.OnCondition(spec.name, value, passed)
				}
				if !passed {
					return nil, true
				}
			}
			args[spec.name] = value

		case paramOrDep:
			winner, value := firstFinished(spec.producers, rc.Results)
			if spec.condition != nil {
				passed := spec.condition(value, winner)
				if rc.OnCondition != nil {
					rc.OnCondition(spec.name, value, passed)
				}
				if !passed {
					return nil, true
				}
			}
			args[spec.name] = value
		}
	}

	return args, false
}

// firstFinished returns the first producer (in declaration order) that
// has a recorded result, and that result's value. This is the
// OR-group's first-to-complete winner.
func firstFinished(producers []*Step, results map[*Step]any) (*Step, any) {
	for _, p := range producers {
		if v, ok := results[p]; ok {
			return p, v
		}
	}
	return nil, nil
}
