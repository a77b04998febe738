package saga

import (
	"fmt"
	"sync"
)

// Registry maps (saga type, step index) to step implementations.
type Registry struct {
	mu    sync.RWMutex
	types map[string][]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string][]Step)}
}

// Register binds steps to sagaType in execution order.
func (r *Registry) Register(sagaType string, steps ...Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil || step.Name() == "" {
			return fmt.Errorf("saga: step %d of %s has no name", i, sagaType)
		}
		if _, ok := seen[step.Name()]; ok {
			return fmt.Errorf("saga: duplicate step name %q in %s", step.Name(), sagaType)
		}
		seen[step.Name()] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[sagaType]; ok {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, sagaType)
	}
	r.types[sagaType] = append([]Step(nil), steps...)

	return nil
}

// Steps returns the steps registered for sagaType.
func (r *Registry) Steps(sagaType string) ([]Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.types[sagaType]

	return steps, ok
}

// Step returns the step at index of sagaType.
func (r *Registry) Step(sagaType string, index int) (Step, bool) {
	steps, ok := r.Steps(sagaType)
	if !ok || index < 0 || index >= len(steps) {
		return nil, false
	}

	return steps[index], true
}
