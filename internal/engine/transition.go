package engine

import (
	"context"
	"fmt"
	"time"

	"flowboard/internal/domain"
	"flowboard/internal/prereq"
)

// ValidationReport is the structured outcome of a transition check. A
// structurally valid transition always has CanProceed=true: unmet
// prerequisites surface as warnings or errors but never gate execution.
type ValidationReport struct {
	TransitionValid bool            `json:"transition_valid"`
	CanProceed      bool            `json:"can_proceed"`
	Reasons         []string        `json:"reasons,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	Prerequisites   []prereq.Result `json:"prerequisites,omitempty"`
	Recommended     bool            `json:"recommended,omitempty"`
	Warned          bool            `json:"warned,omitempty"`

	report prereq.Report
}

// Validate checks a requested transition without executing it. Only an
// unknown target state or a blocked pair makes the transition invalid.
func (e Engine) Validate(ctx context.Context, proc domain.Process, target string) ValidationReport {
	return e.validate(ctx, proc, target, "", false)
}

func (e Engine) validate(ctx context.Context, proc domain.Process, target, justification string, force bool) ValidationReport {
	var out ValidationReport
	k, ok := e.Registry.Get(proc.KanbanID)
	if !ok {
		out.Reasons = append(out.Reasons, fmt.Sprintf("unknown kanban %s", proc.KanbanID))
		return out
	}
	targetState, ok := k.StateByID(target)
	if !ok {
		out.Reasons = append(out.Reasons, fmt.Sprintf("unknown target state %s", target))
		return out
	}
	check := e.Registry.CanTransition(k.ID, proc.CurrentState, target)
	if !check.Allowed {
		reason := fmt.Sprintf("transition %s -> %s is blocked", proc.CurrentState, target)
		if check.Blocked != nil && check.Blocked.Reason != "" {
			reason = fmt.Sprintf("%s: %s", reason, check.Blocked.Reason)
		}
		out.Reasons = append(out.Reasons, reason)
		return out
	}
	out.TransitionValid = true
	out.CanProceed = true
	out.Recommended = check.Recommended
	if check.Warned != nil {
		out.Warned = true
		// Force or an explicit justification suppresses the surfaced
		// warning; the warned flag is still recorded.
		if !force && justification == "" {
			msg := check.Warned.WarningMessage
			if msg == "" {
				msg = fmt.Sprintf("transition %s -> %s requires justification", proc.CurrentState, target)
			}
			if check.Warned.Severity != "" {
				msg = fmt.Sprintf("[%s] %s", check.Warned.Severity, msg)
			}
			out.Warnings = append(out.Warnings, msg)
		}
	}
	report := e.Eval.Evaluate(ctx, targetState.Prerequisites, &proc, &k)
	out.report = report
	out.Prerequisites = report.Results
	out.Warnings = append(out.Warnings, report.Warnings...)
	out.Errors = append(out.Errors, report.Errors...)
	return out
}

// Execute commits a transition. Structural invalidity is the only refusal;
// everything else executes and carries its warnings on the record.
func (e Engine) Execute(ctx context.Context, processID, target, triggeredBy, justification string, force bool) (domain.TransitionRecord, error) {
	proc, err := e.Repo.GetProcess(ctx, processID)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	return e.executeLoaded(ctx, proc, target, triggeredBy, justification, force)
}

func (e Engine) executeLoaded(ctx context.Context, proc domain.Process, target, triggeredBy, justification string, force bool) (domain.TransitionRecord, error) {
	report := e.validate(ctx, proc, target, justification, force)
	if !report.TransitionValid {
		reason := "transition invalid"
		if len(report.Reasons) > 0 {
			reason = report.Reasons[0]
		}
		return domain.TransitionRecord{}, StructuralError{Reason: reason}
	}
	rec := domain.TransitionRecord{
		ProcessID:           proc.ID,
		KanbanID:            proc.KanbanID,
		FromState:           proc.CurrentState,
		ToState:             target,
		Timestamp:           e.now().UTC().Format(time.RFC3339),
		TriggeredBy:         triggeredBy,
		Justification:       justification,
		PrerequisitesStatus: report.report.AsMap(),
	}
	if report.report.BlockingUnmet > 0 {
		rec.WasAnomaly = true
		rec.AnomalyReason = fmt.Sprintf("%d blocking prerequisite(s) unmet at execution", report.report.BlockingUnmet)
	} else if report.Warned && justification == "" && !force {
		rec.WasAnomaly = true
		rec.AnomalyReason = "warned transition executed without justification"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.AppendTransition(ctx, tx, rec)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	rec.ID = id
	if err := e.Repo.UpdateProcessState(ctx, tx, proc.ID, target, proc.CurrentState, rec.Timestamp); err != nil {
		return domain.TransitionRecord{}, err
	}
	if err := e.Audit.TransitionExecuted(ctx, tx, rec); err != nil {
		return domain.TransitionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionRecord{}, err
	}
	return rec, nil
}

// AvailableTransition annotates one possible target state.
type AvailableTransition struct {
	To               string          `json:"to"`
	Name             string          `json:"name,omitempty"`
	Allowed          bool            `json:"allowed"`
	BlockedReason    string          `json:"blocked_reason,omitempty"`
	Recommended      bool            `json:"recommended,omitempty"`
	Warned           bool            `json:"warned,omitempty"`
	WarningMessage   string          `json:"warning_message,omitempty"`
	PrerequisitesMet bool            `json:"prerequisites_met"`
	Prerequisites    []prereq.Result `json:"prerequisites,omitempty"`
}

// AvailableTransitions lists every other state of the owning definition,
// each annotated with policy flags and current prerequisite satisfaction.
func (e Engine) AvailableTransitions(ctx context.Context, proc domain.Process) ([]AvailableTransition, error) {
	k, ok := e.Registry.Get(proc.KanbanID)
	if !ok {
		return nil, structuralf("unknown kanban %s", proc.KanbanID)
	}
	var out []AvailableTransition
	for _, s := range k.States {
		if s.ID == proc.CurrentState {
			continue
		}
		at := AvailableTransition{To: s.ID, Name: s.Name, Allowed: true, PrerequisitesMet: true}
		check := e.Registry.CanTransition(k.ID, proc.CurrentState, s.ID)
		if !check.Allowed {
			at.Allowed = false
			if check.Blocked != nil {
				at.BlockedReason = check.Blocked.Reason
			}
		}
		at.Recommended = check.Recommended
		if check.Warned != nil {
			at.Warned = true
			at.WarningMessage = check.Warned.WarningMessage
		}
		if len(s.Prerequisites) > 0 {
			report := e.Eval.Evaluate(ctx, s.Prerequisites, &proc, &k)
			at.PrerequisitesMet = report.AllMet
			at.Prerequisites = report.Results
		}
		out = append(out, at)
	}
	return out, nil
}

// TransitionHistory returns the append-order history for one process.
func (e Engine) TransitionHistory(ctx context.Context, processID string) ([]domain.TransitionRecord, error) {
	if _, err := e.Repo.GetProcess(ctx, processID); err != nil {
		return nil, err
	}
	return e.Repo.TransitionHistory(ctx, processID)
}

// NextAutoState returns the configured auto-advance target for the current
// state, if any.
func (e Engine) NextAutoState(proc domain.Process) (string, bool) {
	s, ok := e.Registry.GetState(proc.KanbanID, proc.CurrentState)
	if !ok || s.AutoTransitionTo == "" {
		return "", false
	}
	return s.AutoTransitionTo, true
}
