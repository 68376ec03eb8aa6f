package prereq

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"flowboard/internal/domain"
)

// fieldLookup resolves a dotted path inside the process field values.
func fieldLookup(proc *domain.Process, path string) gjson.Result {
	if proc == nil || len(proc.FieldValues) == 0 {
		return gjson.Result{}
	}
	raw, err := json.Marshal(proc.FieldValues)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}

// metadataLookup resolves a dotted path inside the process metadata.
func metadataLookup(proc *domain.Process, path string) gjson.Result {
	if proc == nil || len(proc.Metadata) == 0 {
		return gjson.Result{}
	}
	raw, err := json.Marshal(proc.Metadata)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}

func (e *Evaluator) checkField(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	if p.Field == "" {
		return false, "field prerequisite without a field name"
	}
	v := fieldLookup(proc, p.Field)
	switch p.Condition {
	case "", "not_empty":
		if !v.Exists() || strings.TrimSpace(v.String()) == "" {
			return false, fmt.Sprintf("field %s is empty", p.Field)
		}
		return true, ""
	case "equals":
		if v.String() == p.Value {
			return true, ""
		}
		return false, fmt.Sprintf("field %s is %q, expected %q", p.Field, v.String(), p.Value)
	case "not_equals":
		if v.String() != p.Value {
			return true, ""
		}
		return false, fmt.Sprintf("field %s equals %q", p.Field, p.Value)
	case "greater_than", "less_than", "greater_or_equal", "less_or_equal":
		return compareNumeric(p.Condition, p.Field, v, p.Value)
	case "contains":
		if strings.Contains(v.String(), p.Value) {
			return true, ""
		}
		return false, fmt.Sprintf("field %s does not contain %q", p.Field, p.Value)
	case "regex":
		// Fails closed: a bad pattern is unsatisfied, never a panic.
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false, fmt.Sprintf("invalid pattern %q: %v", p.Value, err)
		}
		if re.MatchString(v.String()) {
			return true, ""
		}
		return false, fmt.Sprintf("field %s does not match %q", p.Field, p.Value)
	default:
		return false, fmt.Sprintf("unknown field condition %q", p.Condition)
	}
}

func compareNumeric(cond, field string, v gjson.Result, expected string) (bool, string) {
	if !v.Exists() {
		return false, fmt.Sprintf("field %s is not set", field)
	}
	have, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	if err != nil {
		return false, fmt.Sprintf("field %s is not numeric", field)
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return false, fmt.Sprintf("comparison value %q is not numeric", expected)
	}
	ok := false
	switch cond {
	case "greater_than":
		ok = have > want
	case "less_than":
		ok = have < want
	case "greater_or_equal":
		ok = have >= want
	case "less_or_equal":
		ok = have <= want
	}
	if ok {
		return true, ""
	}
	return false, fmt.Sprintf("field %s=%v fails %s %v", field, have, cond, want)
}

// checkElapsedTime compares time since the last transition (or creation when
// the history is empty) with the configured duration. The comparison is
// inclusive: an elapsed time exactly equal to the threshold satisfies.
func (e *Evaluator) checkElapsedTime(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	ref := proc.CreatedAt
	if last, ok := proc.LastTransition(); ok {
		ref = last.Timestamp
	}
	t, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		return false, fmt.Sprintf("unparsable reference timestamp %q", ref)
	}
	need := time.Duration(p.Hours*float64(time.Hour)) + time.Duration(p.Minutes*float64(time.Minute))
	elapsed := e.now().Sub(t)
	if elapsed >= need {
		return true, ""
	}
	return false, fmt.Sprintf("elapsed %s of required %s", elapsed.Round(time.Second), need)
}

func (e *Evaluator) checkDocument(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	if p.Field == "" {
		return false, "document prerequisite without a field name"
	}
	v := fieldLookup(proc, p.Field)
	if v.Exists() && strings.TrimSpace(v.String()) != "" {
		return true, ""
	}
	return false, fmt.Sprintf("no document attached at %s", p.Field)
}

func (e *Evaluator) checkApproval(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	role := p.ApproverRole
	if role == "" {
		return false, "approval prerequisite without an approver role"
	}
	v := metadataLookup(proc, "approvals."+role)
	if v.Exists() && (v.Bool() || v.Get("granted").Bool()) {
		return true, ""
	}
	return false, fmt.Sprintf("approval by %s not granted", role)
}

func (e *Evaluator) checkPayment(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	payment := metadataLookup(proc, "payment")
	if !payment.Exists() {
		return false, "no payment recorded"
	}
	if !payment.Get("confirmed").Bool() {
		return false, "payment not confirmed"
	}
	if p.Amount > 0 && payment.Get("amount").Float() < p.Amount {
		return false, fmt.Sprintf("payment %v below required %v", payment.Get("amount").Float(), p.Amount)
	}
	return true, ""
}

func (e *Evaluator) checkDependency(_ context.Context, p domain.Prerequisite, proc *domain.Process, _ *domain.Kanban) (bool, string) {
	key := p.Dependency
	if key == "" {
		return false, "dependency prerequisite without a key"
	}
	v := metadataLookup(proc, "external_dependencies."+key)
	if v.Exists() && (v.Bool() || v.Get("resolved").Bool()) {
		return true, ""
	}
	return false, fmt.Sprintf("external dependency %s not resolved", key)
}

func (e *Evaluator) checkValidator(_ context.Context, p domain.Prerequisite, proc *domain.Process, k *domain.Kanban) (satisfied bool, message string) {
	fn, ok := e.validator(p.Validator)
	if !ok {
		return false, fmt.Sprintf("validator %q not registered", p.Validator)
	}
	defer func() {
		if r := recover(); r != nil {
			satisfied = false
			message = fmt.Sprintf("validator %q panicked: %v", p.Validator, r)
		}
	}()
	return fn(proc, k)
}
