package engine

import (
	"context"
	"fmt"
	"time"

	"flowboard/internal/domain"
	"flowboard/internal/prereq"
)

// Reasons a scheduler decision carries.
const (
	ReasonTimeout        = "timeout"
	ReasonAutoTransition = "auto_transition"

	// AutoActor identifies scheduler-triggered transitions in the history.
	AutoActor = "auto_transition_engine"

	// ForcedMarker tags justifications of operator-forced transitions.
	ForcedMarker = "[FORCED]"
)

// Decision is the scheduler's verdict for one process at one instant.
type Decision struct {
	Eligible               bool          `json:"eligible"`
	Target                 string        `json:"target,omitempty"`
	Reason                 string        `json:"reason,omitempty"`
	PrerequisitesSatisfied bool          `json:"prerequisites_satisfied"`
	Report                 prereq.Report `json:"report,omitempty"`
}

// DecideNext computes the next automatic step for a process. The timeout
// rule strictly outranks the content rule when both apply to a state. The
// content rule gates on the current state's own prerequisites: those guard
// the outgoing auto-transition, while the handler separately records the
// target's entry prerequisites on execution.
func (e Engine) DecideNext(ctx context.Context, proc domain.Process) Decision {
	state, ok := e.Registry.GetState(proc.KanbanID, proc.CurrentState)
	if !ok {
		return Decision{}
	}
	if state.TimeoutHours > 0 && state.AutoTransitionTo != "" && e.timedOut(proc, state.TimeoutHours) {
		return Decision{
			Eligible:               true,
			Target:                 state.AutoTransitionTo,
			Reason:                 ReasonTimeout,
			PrerequisitesSatisfied: true,
		}
	}
	if state.AutoTransitionTo == "" {
		return Decision{}
	}
	if len(state.Prerequisites) == 0 {
		return Decision{
			Eligible:               true,
			Target:                 state.AutoTransitionTo,
			Reason:                 ReasonAutoTransition,
			PrerequisitesSatisfied: true,
		}
	}
	k, _ := e.Registry.Get(proc.KanbanID)
	report := e.Eval.Evaluate(ctx, state.Prerequisites, &proc, &k)
	if !report.AllMet {
		return Decision{Report: report}
	}
	return Decision{
		Eligible:               true,
		Target:                 state.AutoTransitionTo,
		Reason:                 ReasonAutoTransition,
		PrerequisitesSatisfied: true,
		Report:                 report,
	}
}

// timedOut reports whether the process has sat in its state at least the
// configured number of hours, measured from the last transition or from
// creation when there is none.
func (e Engine) timedOut(proc domain.Process, hours float64) bool {
	ref := proc.CreatedAt
	if last, ok := proc.LastTransition(); ok {
		ref = last.Timestamp
	}
	t, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		return false
	}
	return e.now().Sub(t) >= time.Duration(hours*float64(time.Hour))
}

// Cascade repeatedly applies DecideNext and executes the result, bounded by
// maxDepth (the engine default when 0). The process is claimed for the
// duration; a concurrent cascade on the same id fails with
// ErrCascadeInProgress instead of double-executing.
func (e Engine) Cascade(ctx context.Context, processID string, maxDepth int) ([]domain.TransitionRecord, error) {
	if maxDepth <= 0 {
		maxDepth = e.maxDepth()
	}
	if err := e.Claims.Acquire(ctx, processID); err != nil {
		return nil, err
	}
	defer e.Claims.Release(ctx, processID)

	var executed []domain.TransitionRecord
	for depth := 0; depth < maxDepth; depth++ {
		proc, err := e.Repo.GetProcess(ctx, processID)
		if err != nil {
			return executed, err
		}
		decision := e.DecideNext(ctx, proc)
		if !decision.Eligible {
			break
		}
		rec, err := e.executeLoaded(ctx, proc, decision.Target, AutoActor, decision.Reason, false)
		if err != nil {
			return executed, err
		}
		executed = append(executed, rec)
	}
	return executed, nil
}

// ForceCheck is the answer to "may this operator jump the process there".
type ForceCheck struct {
	Allowed  bool     `json:"allowed"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// CanForce refuses only structural invalidity; every unmet prerequisite
// becomes a warning.
func (e Engine) CanForce(ctx context.Context, proc domain.Process, target string) ForceCheck {
	report := e.validate(ctx, proc, target, "", true)
	if !report.TransitionValid {
		return ForceCheck{Reasons: report.Reasons}
	}
	warnings := append([]string{}, report.Warnings...)
	warnings = append(warnings, report.Errors...)
	return ForceCheck{Allowed: true, Warnings: warnings}
}

// ExecuteForced performs a single operator-override jump, bypassing cascade
// and priority logic. Justification is mandatory and is tagged with the
// forced-transition marker on the record.
func (e Engine) ExecuteForced(ctx context.Context, processID, target, actorID, justification string) (domain.TransitionRecord, error) {
	if justification == "" {
		return domain.TransitionRecord{}, fmt.Errorf("forced transition requires a justification")
	}
	proc, err := e.Repo.GetProcess(ctx, processID)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	tagged := fmt.Sprintf("%s %s", ForcedMarker, justification)
	return e.executeLoaded(ctx, proc, target, actorID, tagged, true)
}

// SweepResult aggregates one batch run.
type SweepResult struct {
	Checked     int      `json:"processes_checked"`
	Progressed  int      `json:"processes_progressed"`
	Transitions int      `json:"transitions_executed"`
	Errors      int      `json:"errors"`
	Failures    []string `json:"failures,omitempty"`
}

// ProcessAll cascades every process under scope (one kanban, or all when
// kanbanID is empty). A failure on one process is counted and the sweep
// continues.
func (e Engine) ProcessAll(ctx context.Context, kanbanID string, maxDepth int) (SweepResult, error) {
	var out SweepResult
	procs, err := e.Repo.ListProcesses(ctx, kanbanID)
	if err != nil {
		return out, err
	}
	for _, p := range procs {
		out.Checked++
		executed, err := e.Cascade(ctx, p.ID, maxDepth)
		if err != nil {
			out.Errors++
			out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		if len(executed) > 0 {
			out.Progressed++
			out.Transitions += len(executed)
		}
	}
	return out, nil
}

// EligibleProcess is one row of the read-only sweep diagnostic.
type EligibleProcess struct {
	ProcessID    string `json:"process_id"`
	KanbanID     string `json:"kanban_id"`
	CurrentState string `json:"current_state"`
	Target       string `json:"target"`
	Reason       string `json:"reason"`
}

// Eligible lists processes with a pending automatic transition without
// executing anything.
func (e Engine) Eligible(ctx context.Context, kanbanID string) ([]EligibleProcess, error) {
	procs, err := e.Repo.ListProcesses(ctx, kanbanID)
	if err != nil {
		return nil, err
	}
	var out []EligibleProcess
	for _, p := range procs {
		full, err := e.Repo.GetProcess(ctx, p.ID)
		if err != nil {
			continue
		}
		decision := e.DecideNext(ctx, full)
		if !decision.Eligible {
			continue
		}
		out = append(out, EligibleProcess{
			ProcessID:    p.ID,
			KanbanID:     p.KanbanID,
			CurrentState: p.CurrentState,
			Target:       decision.Target,
			Reason:       decision.Reason,
		})
	}
	return out, nil
}
