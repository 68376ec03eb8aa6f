package registry

import (
	"fmt"

	"flowboard/internal/domain"
)

// Validate checks the structural invariants of a definition: required fields
// present, every referenced state exists, transition endpoints differ, at
// most one initial state, and auto-transition targets resolve.
func Validate(k *domain.Kanban) error {
	if k.ID == "" {
		return fmt.Errorf("kanban id is required")
	}
	if k.Name == "" {
		return fmt.Errorf("kanban %s: name is required", k.ID)
	}
	if len(k.States) == 0 {
		return fmt.Errorf("kanban %s: at least one state is required", k.ID)
	}
	states := map[string]bool{}
	initial := 0
	for _, s := range k.States {
		if s.ID == "" {
			return fmt.Errorf("kanban %s: state with empty id", k.ID)
		}
		if states[s.ID] {
			return fmt.Errorf("kanban %s: duplicate state id %s", k.ID, s.ID)
		}
		states[s.ID] = true
		if s.IsInitial {
			initial++
		}
	}
	if initial > 1 {
		return fmt.Errorf("kanban %s: more than one initial state", k.ID)
	}
	for _, s := range k.States {
		if s.AutoTransitionTo != "" && !states[s.AutoTransitionTo] {
			return fmt.Errorf("kanban %s: state %s auto-transitions to unknown state %s", k.ID, s.ID, s.AutoTransitionTo)
		}
		if s.TimeoutHours < 0 {
			return fmt.Errorf("kanban %s: state %s has negative timeout_hours", k.ID, s.ID)
		}
		if s.TimeoutHours > 0 && s.AutoTransitionTo == "" {
			return fmt.Errorf("kanban %s: state %s has timeout_hours but no auto_transition_to target", k.ID, s.ID)
		}
		for _, p := range s.Prerequisites {
			if p.ID == "" {
				return fmt.Errorf("kanban %s: state %s has a prerequisite with empty id", k.ID, s.ID)
			}
			if p.Kind == "" {
				return fmt.Errorf("kanban %s: prerequisite %s has empty kind", k.ID, p.ID)
			}
		}
	}
	lists := map[string][]domain.Transition{
		"recommended_transitions": k.RecommendedTransitions,
		"blocked_transitions":     k.BlockedTransitions,
		"warned_transitions":      k.WarnedTransitions,
	}
	for name, list := range lists {
		for _, t := range list {
			if t.From == "" || t.To == "" {
				return fmt.Errorf("kanban %s: %s entry with empty endpoint", k.ID, name)
			}
			if t.From == t.To {
				return fmt.Errorf("kanban %s: %s entry %s -> %s has identical endpoints", k.ID, name, t.From, t.To)
			}
			if !states[t.From] {
				return fmt.Errorf("kanban %s: %s references unknown state %s", k.ID, name, t.From)
			}
			if !states[t.To] {
				return fmt.Errorf("kanban %s: %s references unknown state %s", k.ID, name, t.To)
			}
		}
	}
	return nil
}
