package prereq

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flowboard/internal/domain"
)

// CheckFunc evaluates one prerequisite against a process snapshot. It never
// returns an error: every failure mode is expressed as (false, message) so
// evaluation of a whole set always completes.
type CheckFunc func(ctx context.Context, p domain.Prerequisite, proc *domain.Process, k *domain.Kanban) (bool, string)

// ValidatorFunc is an in-process validator resolvable by id from the
// "validator" prerequisite kind.
type ValidatorFunc func(proc *domain.Process, k *domain.Kanban) (bool, string)

// Result is the per-prerequisite outcome.
type Result struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Kind      string `json:"kind"`
	Satisfied bool   `json:"satisfied"`
	Blocking  bool   `json:"blocking"`
	Message   string `json:"message,omitempty"`
}

// Report aggregates a full evaluation. Unmet blocking prerequisites land in
// Errors, unmet non-blocking ones in Warnings; neither stops a transition.
type Report struct {
	AllMet        bool     `json:"all_met"`
	MetCount      int      `json:"met_count"`
	UnmetCount    int      `json:"unmet_count"`
	BlockingUnmet int      `json:"blocking_unmet_count"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Results       []Result `json:"prerequisites,omitempty"`
}

// Evaluator dispatches prerequisites by kind. The kind table is an open
// registry: callers can add kinds without touching the engine.
type Evaluator struct {
	mu         sync.RWMutex
	kinds      map[string]CheckFunc
	validators map[string]ValidatorFunc

	// Client serves the external_api kind; per-call timeouts are applied on
	// top of it via context.
	Client *http.Client
	// ScriptDir anchors relative script paths for the script kind.
	ScriptDir string
	Now       func() time.Time
}

func New() *Evaluator {
	e := &Evaluator{
		kinds:      map[string]CheckFunc{},
		validators: map[string]ValidatorFunc{},
		Client:     &http.Client{},
		Now:        time.Now,
	}
	e.RegisterKind("field", e.checkField)
	e.RegisterKind("elapsed_time", e.checkElapsedTime)
	e.RegisterKind("external_api", e.checkExternalAPI)
	e.RegisterKind("document", e.checkDocument)
	e.RegisterKind("approval", e.checkApproval)
	e.RegisterKind("payment", e.checkPayment)
	e.RegisterKind("dependency", e.checkDependency)
	e.RegisterKind("script", e.checkScript)
	e.RegisterKind("validator", e.checkValidator)
	return e
}

// RegisterKind installs or replaces a kind evaluator.
func (e *Evaluator) RegisterKind(kind string, fn CheckFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds[kind] = fn
}

// RegisterValidator installs a named in-process validator.
func (e *Evaluator) RegisterValidator(id string, fn ValidatorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[id] = fn
}

func (e *Evaluator) kindFunc(kind string) (CheckFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.kinds[kind]
	return fn, ok
}

func (e *Evaluator) validator(id string) (ValidatorFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.validators[id]
	return fn, ok
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate runs every prerequisite and aggregates the outcome. An unknown
// kind is unsatisfied, not an error.
func (e *Evaluator) Evaluate(ctx context.Context, prereqs []domain.Prerequisite, proc *domain.Process, k *domain.Kanban) Report {
	report := Report{AllMet: true}
	for _, p := range prereqs {
		res := Result{ID: p.ID, Label: p.Label, Kind: p.Kind, Blocking: p.Blocking}
		fn, ok := e.kindFunc(p.Kind)
		if !ok {
			res.Satisfied = false
			res.Message = fmt.Sprintf("unknown prerequisite kind %q", p.Kind)
		} else {
			res.Satisfied, res.Message = fn(ctx, p, proc, k)
		}
		if res.Satisfied {
			report.MetCount++
		} else {
			report.AllMet = false
			report.UnmetCount++
			label := res.Label
			if label == "" {
				label = res.ID
			}
			msg := label
			if res.Message != "" {
				msg = fmt.Sprintf("%s: %s", label, res.Message)
			}
			if res.Blocking {
				report.BlockingUnmet++
				report.Errors = append(report.Errors, msg)
			} else {
				report.Warnings = append(report.Warnings, msg)
			}
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// AsMap renders the report for storage on a transition record.
func (r Report) AsMap() map[string]any {
	if len(r.Results) == 0 {
		return nil
	}
	items := make([]any, 0, len(r.Results))
	for _, res := range r.Results {
		items = append(items, map[string]any{
			"id":        res.ID,
			"label":     res.Label,
			"kind":      res.Kind,
			"satisfied": res.Satisfied,
			"blocking":  res.Blocking,
			"message":   res.Message,
		})
	}
	return map[string]any{
		"all_met":              r.AllMet,
		"met_count":            r.MetCount,
		"unmet_count":          r.UnmetCount,
		"blocking_unmet_count": r.BlockingUnmet,
		"warnings":             r.Warnings,
		"errors":               r.Errors,
		"prerequisites":        items,
	}
}
