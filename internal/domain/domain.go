package domain

// Kanban is a state-machine definition: states plus transition policy lists.
type Kanban struct {
	ID                     string            `json:"id" yaml:"id"`
	Name                   string            `json:"name" yaml:"name"`
	Description            string            `json:"description,omitempty" yaml:"description,omitempty"`
	States                 []State           `json:"states" yaml:"states"`
	RecommendedTransitions []Transition      `json:"recommended_transitions,omitempty" yaml:"recommended_transitions,omitempty"`
	BlockedTransitions     []Transition      `json:"blocked_transitions,omitempty" yaml:"blocked_transitions,omitempty"`
	WarnedTransitions      []Transition      `json:"warned_transitions,omitempty" yaml:"warned_transitions,omitempty"`
	LinkedForms            []string          `json:"linked_forms,omitempty" yaml:"linked_forms,omitempty"`
	FieldMapping           map[string]string `json:"field_mapping,omitempty" yaml:"field_mapping,omitempty"`
}

type State struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Order            int            `json:"order,omitempty" yaml:"order,omitempty"`
	Color            string         `json:"color,omitempty" yaml:"color,omitempty"`
	Icon             string         `json:"icon,omitempty" yaml:"icon,omitempty"`
	IsInitial        bool           `json:"is_initial,omitempty" yaml:"is_initial,omitempty"`
	IsFinal          bool           `json:"is_final,omitempty" yaml:"is_final,omitempty"`
	Prerequisites    []Prerequisite `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	AutoTransitionTo string         `json:"auto_transition_to,omitempty" yaml:"auto_transition_to,omitempty"`
	TimeoutHours     float64        `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
}

// Transition is one entry of a recommended, blocked or warned list. Reason is
// only used by blocked entries; the warning fields only by warned entries.
type Transition struct {
	From                 string `json:"from" yaml:"from"`
	To                   string `json:"to" yaml:"to"`
	Label                string `json:"label,omitempty" yaml:"label,omitempty"`
	Reason               string `json:"reason,omitempty" yaml:"reason,omitempty"`
	WarningMessage       string `json:"warning_message,omitempty" yaml:"warning_message,omitempty"`
	RequireJustification bool   `json:"require_justification,omitempty" yaml:"require_justification,omitempty"`
	Severity             string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Prerequisite is a typed guard. Kind selects the evaluator; the parameter
// fields are a union, only the ones the kind reads are meaningful.
type Prerequisite struct {
	ID       string `json:"id" yaml:"id"`
	Kind     string `json:"kind" yaml:"kind"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Blocking bool   `json:"blocking,omitempty" yaml:"blocking,omitempty"`

	// field
	Field     string `json:"field,omitempty" yaml:"field,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Value     string `json:"value,omitempty" yaml:"value,omitempty"`

	// external_api
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	Payload        map[string]string `json:"payload,omitempty" yaml:"payload,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// elapsed_time
	Hours   float64 `json:"hours,omitempty" yaml:"hours,omitempty"`
	Minutes float64 `json:"minutes,omitempty" yaml:"minutes,omitempty"`

	// approval / payment / dependency / script / validator
	ApproverRole string  `json:"approver_role,omitempty" yaml:"approver_role,omitempty"`
	Amount       float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	Dependency   string  `json:"dependency,omitempty" yaml:"dependency,omitempty"`
	Script       string  `json:"script,omitempty" yaml:"script,omitempty"`
	Validator    string  `json:"validator,omitempty" yaml:"validator,omitempty"`
}

// Process is one record moving through a Kanban's states.
type Process struct {
	ID            string             `json:"process_id"`
	KanbanID      string             `json:"kanban_id"`
	CurrentState  string             `json:"current_state"`
	PreviousState string             `json:"previous_state,omitempty"`
	FieldValues   map[string]any     `json:"field_values,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	CreatedAt     string             `json:"created_at" format:"date-time"`
	UpdatedAt     string             `json:"updated_at" format:"date-time"`
	History       []TransitionRecord `json:"history,omitempty"`
}

// TransitionRecord is one append-only history entry.
type TransitionRecord struct {
	ID                  int64          `json:"id,omitempty"`
	ProcessID           string         `json:"process_id"`
	KanbanID            string         `json:"kanban_id"`
	FromState           string         `json:"from_state"`
	ToState             string         `json:"to_state"`
	Timestamp           string         `json:"timestamp" format:"date-time"`
	TriggeredBy         string         `json:"triggered_by"`
	Justification       string         `json:"justification,omitempty"`
	PrerequisitesStatus map[string]any `json:"prerequisites_status,omitempty"`
	WasAnomaly          bool           `json:"was_anomaly,omitempty"`
	AnomalyReason       string         `json:"anomaly_reason,omitempty"`
}

// AuditAction is one entry of the action stream, independent from transitions
// and joined with them only in the timeline view.
type AuditAction struct {
	ID          string         `json:"action_id"`
	Type        string         `json:"action_type"`
	EntityID    string         `json:"entity_id"`
	PerformedBy string         `json:"performed_by"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Changes     map[string]any `json:"changes,omitempty"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
}

// Claim marks a process as being cascaded by one engine instance.
type Claim struct {
	ProcessID  string `json:"process_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// InitialState returns the state flagged is_initial, or the first state.
func (k *Kanban) InitialState() (State, bool) {
	for _, s := range k.States {
		if s.IsInitial {
			return s, true
		}
	}
	if len(k.States) > 0 {
		return k.States[0], true
	}
	return State{}, false
}

// StateByID looks a state up by id.
func (k *Kanban) StateByID(id string) (State, bool) {
	for _, s := range k.States {
		if s.ID == id {
			return s, true
		}
	}
	return State{}, false
}

// LastTransition returns the most recent history entry.
func (p *Process) LastTransition() (TransitionRecord, bool) {
	if len(p.History) == 0 {
		return TransitionRecord{}, false
	}
	return p.History[len(p.History)-1], true
}
