package policy

import "sync"

// Factory builds a Policy instance from its wire-form config map.
type Factory func(config map[string]any) (Policy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a policy factory under name so WorkflowSchema {name,
// config} pairs can round-trip through reconstruction. Built-in
// policies register themselves via init().
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Build reconstructs a Policy from its wire-form {name, config} pair.
// An unknown name returns ok == false so callers can decide whether
// that is fatal.
func Build(name string, config map[string]any) (Policy, bool, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	p, err := factory(config)
	return p, true, err
}

func init() {
	Register(RetryName, func(cfg map[string]any) (Policy, error) {
		return NewRetryFromConfig(cfg)
	})
	Register(TimeoutName, func(cfg map[string]any) (Policy, error) {
		return NewTimeoutFromConfig(cfg)
	})
}
