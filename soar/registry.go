package soar

import (
	"fmt"
	"sort"
	"sync"

	"bastion/core"
)

// Registry maps action types to handlers. Unknown types are rejected when a
// playbook is loaded, not when it runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Action)}
}

// Register adds a handler; re-registering a type replaces the handler.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[a.Type()] = a
}

// Get resolves a handler by action type.
func (r *Registry) Get(actionType string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownActionType, actionType)
	}
	return h, nil
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidatePlaybook checks that every action and rollback in the playbook
// references a registered handler.
func (r *Registry) ValidatePlaybook(p *core.Playbook) error {
	for i := range p.Actions {
		a := &p.Actions[i]
		if _, err := r.Get(a.Type); err != nil {
			return fmt.Errorf("playbook %s action %d: %w", p.ID, i, err)
		}
		if a.Rollback != nil {
			if _, err := r.Get(a.Rollback.Type); err != nil {
				return fmt.Errorf("playbook %s action %d rollback: %w", p.ID, i, err)
			}
		}
	}
	return nil
}
