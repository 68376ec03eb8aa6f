package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/registry"
	"flowboard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T, kanbans ...domain.Kanban) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New(repo.Repo{DB: conn}, nil)
	ctx := context.Background()
	for _, k := range kanbans {
		if err := reg.Register(ctx, k, false); err != nil {
			t.Fatalf("register %s: %v", k.ID, err)
		}
	}
	env := &testEnv{Ctx: ctx, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, reg)
	eng.Now = func() time.Time { return env.now }
	eng.Eval.Now = eng.Now
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func orderKanban() domain.Kanban {
	return domain.Kanban{
		ID:   "orders",
		Name: "Orders",
		States: []domain.State{
			{ID: "draft", Name: "Draft", IsInitial: true},
			{ID: "review", Name: "Review", Prerequisites: []domain.Prerequisite{
				{ID: "has-title", Kind: "field", Field: "title", Label: "Title set"},
			}},
			{ID: "approved", Name: "Approved", Prerequisites: []domain.Prerequisite{
				{ID: "manager-ok", Kind: "approval", ApproverRole: "manager", Blocking: true},
			}},
			{ID: "done", Name: "Done", IsFinal: true},
		},
		RecommendedTransitions: []domain.Transition{{From: "draft", To: "review"}},
		BlockedTransitions:     []domain.Transition{{From: "done", To: "draft", Reason: "done is final"}},
		WarnedTransitions:      []domain.Transition{{From: "review", To: "draft", WarningMessage: "back to draft", RequireJustification: true}},
	}
}

func cascadeKanban() domain.Kanban {
	return domain.Kanban{
		ID:   "pipeline",
		Name: "Pipeline",
		States: []domain.State{
			{ID: "start", Name: "Start", IsInitial: true, AutoTransitionTo: "middle", Prerequisites: []domain.Prerequisite{
				{ID: "has-title", Kind: "field", Field: "title"},
			}},
			{ID: "middle", Name: "Middle", AutoTransitionTo: "end"},
			{ID: "end", Name: "End", IsFinal: true},
		},
	}
}

func TestCreateProcessStartsAtInitialState(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, err := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID:    "orders",
		FieldValues: map[string]any{"title": "first"},
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.CurrentState != "draft" {
		t.Fatalf("expected draft, got %s", p.CurrentState)
	}
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "ghost"}); err == nil {
		t.Fatalf("unknown kanban must fail")
	}
	if _, err := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "ghost"}); err == nil {
		t.Fatalf("unknown explicit state must fail")
	}
	p2, err := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "review"})
	if err != nil || p2.CurrentState != "review" {
		t.Fatalf("explicit state: %v %s", err, p2.CurrentState)
	}
}

func TestBlockedTransitionIsRefusedWithoutRecord(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, err := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "done", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, p.ID, "draft", "tester", "", false)
	var se engine.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if !strings.Contains(se.Reason, "done is final") {
		t.Fatalf("reason should carry the definition's text: %s", se.Reason)
	}
	recs, err := env.Engine.TransitionHistory(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("refused transition must leave no record, got %d", len(recs))
	}
}

func TestUnknownTargetLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})
	if _, err := env.Engine.Execute(env.Ctx, p.ID, "ghost", "tester", "", false); err == nil {
		t.Fatalf("unknown target must fail")
	}
	recs, _ := env.Engine.TransitionHistory(env.Ctx, p.ID)
	if len(recs) != 0 {
		t.Fatalf("expected empty history, got %d", len(recs))
	}
	got, _ := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if got.CurrentState != "draft" {
		t.Fatalf("state must be unchanged, got %s", got.CurrentState)
	}
}

func TestUnmetPrerequisitesWarnButNeverBlock(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})

	report := env.Engine.Validate(env.Ctx, mustGet(t, env, p.ID), "review")
	if !report.TransitionValid || !report.CanProceed {
		t.Fatalf("unmet prereq must not invalidate: %+v", report)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("expected a warning for the missing title")
	}

	rec, err := env.Engine.Execute(env.Ctx, p.ID, "review", "tester", "", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.FromState != "draft" || rec.ToState != "review" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.PrerequisitesStatus == nil {
		t.Fatalf("prerequisite snapshot must be recorded")
	}
}

func TestBlockingPrerequisiteMarksAnomaly(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "orders", InitialState: "review", FieldValues: map[string]any{"title": "x"}, ActorID: "tester",
	})
	rec, err := env.Engine.Execute(env.Ctx, p.ID, "approved", "tester", "", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rec.WasAnomaly {
		t.Fatalf("blocking prereq unmet at execution must flag an anomaly")
	}
	if !strings.Contains(rec.AnomalyReason, "blocking prerequisite") {
		t.Fatalf("unexpected anomaly reason: %s", rec.AnomalyReason)
	}
}

func TestWarnedTransitionJustification(t *testing.T) {
	env := newTestEnv(t, orderKanban())

	// without justification: executes but is flagged
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "review", ActorID: "tester"})
	rec, err := env.Engine.Execute(env.Ctx, p.ID, "draft", "tester", "", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !rec.WasAnomaly || rec.AnomalyReason != "warned transition executed without justification" {
		t.Fatalf("unexpected anomaly state: %+v", rec)
	}

	// with justification: clean record carrying the text
	p2, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "review", ActorID: "tester"})
	rec2, err := env.Engine.Execute(env.Ctx, p2.ID, "draft", "tester", "spec changed", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec2.WasAnomaly || rec2.Justification != "spec changed" {
		t.Fatalf("justified warned transition should be clean: %+v", rec2)
	}
}

func TestCascadeRunsChainWhenPrerequisitesMet(t *testing.T) {
	env := newTestEnv(t, cascadeKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "pipeline", FieldValues: map[string]any{"title": "ready"}, ActorID: "tester",
	})
	executed, err := env.Engine.Cascade(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(executed) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(executed))
	}
	if executed[0].ToState != "middle" || executed[1].ToState != "end" {
		t.Fatalf("unexpected chain: %+v", executed)
	}
	for _, rec := range executed {
		if rec.TriggeredBy != engine.AutoActor {
			t.Fatalf("auto transitions must carry the engine actor, got %s", rec.TriggeredBy)
		}
		if rec.Justification != engine.ReasonAutoTransition {
			t.Fatalf("unexpected reason: %s", rec.Justification)
		}
	}
	got, _ := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if got.CurrentState != "end" {
		t.Fatalf("expected end, got %s", got.CurrentState)
	}
}

func TestCascadeStopsWhenPrerequisitesUnmet(t *testing.T) {
	env := newTestEnv(t, cascadeKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "pipeline", ActorID: "tester"})
	executed, err := env.Engine.Cascade(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(executed) != 0 {
		t.Fatalf("unmet gate must yield zero transitions, got %d", len(executed))
	}
	got, _ := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if got.CurrentState != "start" {
		t.Fatalf("process must not move, got %s", got.CurrentState)
	}
}

func TestTimeoutOutranksContentRule(t *testing.T) {
	k := domain.Kanban{
		ID:   "queue",
		Name: "Queue",
		States: []domain.State{
			{ID: "waiting", Name: "Waiting", IsInitial: true, AutoTransitionTo: "escalated", TimeoutHours: 2,
				Prerequisites: []domain.Prerequisite{{ID: "ok", Kind: "field", Field: "ok"}}},
			{ID: "escalated", Name: "Escalated"},
		},
	}
	env := newTestEnv(t, k)
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "queue", FieldValues: map[string]any{"ok": "yes"}, ActorID: "tester",
	})

	// before the timeout the content rule applies
	proc := mustGet(t, env, p.ID)
	d := env.Engine.DecideNext(env.Ctx, proc)
	if !d.Eligible || d.Reason != engine.ReasonAutoTransition {
		t.Fatalf("expected content decision: %+v", d)
	}

	// once expired the timeout reason wins even with prerequisites met
	env.advance(2 * time.Hour)
	d = env.Engine.DecideNext(env.Ctx, proc)
	if !d.Eligible || d.Reason != engine.ReasonTimeout {
		t.Fatalf("timeout must outrank content: %+v", d)
	}
}

func TestTimeoutFiresWithUnmetPrerequisites(t *testing.T) {
	k := domain.Kanban{
		ID:   "queue",
		Name: "Queue",
		States: []domain.State{
			{ID: "waiting", Name: "Waiting", IsInitial: true, AutoTransitionTo: "escalated", TimeoutHours: 1,
				Prerequisites: []domain.Prerequisite{{ID: "never", Kind: "field", Field: "never_set"}}},
			{ID: "escalated", Name: "Escalated"},
		},
	}
	env := newTestEnv(t, k)
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "queue", ActorID: "tester"})

	if d := env.Engine.DecideNext(env.Ctx, mustGet(t, env, p.ID)); d.Eligible {
		t.Fatalf("nothing should fire before the timeout: %+v", d)
	}
	// the boundary is inclusive
	env.advance(time.Hour)
	executed, err := env.Engine.Cascade(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(executed) != 1 || executed[0].Justification != engine.ReasonTimeout {
		t.Fatalf("expected one timeout transition: %+v", executed)
	}
}

func TestCascadeDepthBoundOnCycle(t *testing.T) {
	k := domain.Kanban{
		ID:   "pingpong",
		Name: "Ping Pong",
		States: []domain.State{
			{ID: "ping", Name: "Ping", IsInitial: true, AutoTransitionTo: "pong"},
			{ID: "pong", Name: "Pong", AutoTransitionTo: "ping"},
		},
	}
	env := newTestEnv(t, k)
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "pingpong", ActorID: "tester"})

	executed, err := env.Engine.Cascade(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(executed) != engine.DefaultMaxDepth {
		t.Fatalf("cycle must stop at the depth bound, got %d", len(executed))
	}

	executed, err = env.Engine.Cascade(env.Ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(executed) != 3 {
		t.Fatalf("explicit bound ignored, got %d", len(executed))
	}
}

func TestCascadeReentrancyGuard(t *testing.T) {
	env := newTestEnv(t, cascadeKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "pipeline", ActorID: "tester"})

	if err := env.Engine.Claims.Acquire(env.Ctx, p.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.Engine.Cascade(env.Ctx, p.ID, 0); !errors.Is(err, engine.ErrCascadeInProgress) {
		t.Fatalf("expected ErrCascadeInProgress, got %v", err)
	}
	if err := env.Engine.Claims.Release(env.Ctx, p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.Engine.Cascade(env.Ctx, p.ID, 0); err != nil {
		t.Fatalf("cascade after release: %v", err)
	}
}

func TestStoreClaims(t *testing.T) {
	env := newTestEnv(t, cascadeKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "pipeline", ActorID: "tester"})

	a := engine.NewStoreClaims(env.Engine.Repo, "instance-a", time.Second)
	b := engine.NewStoreClaims(env.Engine.Repo, "instance-b", time.Second)
	if err := a.Acquire(env.Ctx, p.ID); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := b.Acquire(env.Ctx, p.ID); !errors.Is(err, engine.ErrCascadeInProgress) {
		t.Fatalf("expected held error, got %v", err)
	}
	// re-acquire by the holder extends the claim
	if err := a.Acquire(env.Ctx, p.ID); err != nil {
		t.Fatalf("holder re-acquire: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := b.Acquire(env.Ctx, p.ID); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := b.Release(env.Ctx, p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestForcedTransition(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})

	// justification is mandatory
	if _, err := env.Engine.ExecuteForced(env.Ctx, p.ID, "approved", "boss", ""); err == nil {
		t.Fatalf("forced transition without justification must fail")
	}

	rec, err := env.Engine.ExecuteForced(env.Ctx, p.ID, "approved", "boss", "customer escalation")
	if err != nil {
		t.Fatalf("forced: %v", err)
	}
	if !strings.HasPrefix(rec.Justification, engine.ForcedMarker) {
		t.Fatalf("forced record must be tagged: %q", rec.Justification)
	}
	if !strings.Contains(rec.Justification, "customer escalation") {
		t.Fatalf("justification text lost: %q", rec.Justification)
	}

	// even a force cannot cross a blocked pair
	done, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", InitialState: "done", ActorID: "tester"})
	if _, err := env.Engine.ExecuteForced(env.Ctx, done.ID, "draft", "boss", "because"); err == nil {
		t.Fatalf("forcing a blocked transition must fail")
	}
	check := env.Engine.CanForce(env.Ctx, mustGet(t, env, done.ID), "draft")
	if check.Allowed {
		t.Fatalf("CanForce must refuse blocked pairs: %+v", check)
	}
	check = env.Engine.CanForce(env.Ctx, mustGet(t, env, p.ID), "done")
	if !check.Allowed {
		t.Fatalf("CanForce should allow with warnings: %+v", check)
	}
}

func TestProcessAllSweep(t *testing.T) {
	env := newTestEnv(t, cascadeKanban(), orderKanban())
	ready, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "pipeline", FieldValues: map[string]any{"title": "go"}, ActorID: "tester",
	})
	stuck, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "pipeline", ActorID: "tester"})
	_, _ = env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})

	res, err := env.Engine.ProcessAll(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Checked != 3 || res.Progressed != 1 || res.Transitions != 2 || res.Errors != 0 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	got, _ := env.Engine.Repo.GetProcess(env.Ctx, ready.ID)
	if got.CurrentState != "end" {
		t.Fatalf("ready process should have cascaded, got %s", got.CurrentState)
	}
	got, _ = env.Engine.Repo.GetProcess(env.Ctx, stuck.ID)
	if got.CurrentState != "start" {
		t.Fatalf("stuck process must not move, got %s", got.CurrentState)
	}
}

func TestEligibleIsReadOnly(t *testing.T) {
	env := newTestEnv(t, cascadeKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "pipeline", FieldValues: map[string]any{"title": "go"}, ActorID: "tester",
	})
	out, err := env.Engine.Eligible(env.Ctx, "")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(out) != 1 || out[0].ProcessID != p.ID || out[0].Target != "middle" {
		t.Fatalf("unexpected eligibility: %+v", out)
	}
	got, _ := env.Engine.Repo.GetProcess(env.Ctx, p.ID)
	if got.CurrentState != "start" {
		t.Fatalf("eligible must not execute, got %s", got.CurrentState)
	}
}

func TestAvailableTransitions(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})
	out, err := env.Engine.AvailableTransitions(env.Ctx, mustGet(t, env, p.ID))
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	byTarget := map[string]engine.AvailableTransition{}
	for _, at := range out {
		byTarget[at.To] = at
	}
	if len(byTarget) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(byTarget))
	}
	if !byTarget["review"].Recommended {
		t.Fatalf("draft -> review should be recommended")
	}
	if byTarget["review"].PrerequisitesMet {
		t.Fatalf("review prerequisites unmet without a title")
	}
	if !byTarget["done"].Allowed {
		t.Fatalf("skipping states must stay allowed")
	}
}

func TestCreateFromFormMapsFields(t *testing.T) {
	k := orderKanban()
	k.LinkedForms = []string{"intake"}
	k.FieldMapping = map[string]string{"Titre": "title"}
	env := newTestEnv(t, k)

	p, err := env.Engine.CreateFromForm(env.Ctx, "intake", map[string]any{"Titre": "bonjour"}, "tester")
	if err != nil {
		t.Fatalf("from form: %v", err)
	}
	if p.FieldValues["title"] != "bonjour" {
		t.Fatalf("field mapping not applied: %v", p.FieldValues)
	}
	if _, err := env.Engine.CreateFromForm(env.Ctx, "unknown-form", nil, "tester"); err == nil {
		t.Fatalf("unlinked form must fail")
	}
}

func TestUpdateFieldsMerges(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{
		KanbanID: "orders", FieldValues: map[string]any{"title": "keep", "amount": 10}, ActorID: "tester",
	})
	got, err := env.Engine.UpdateFields(env.Ctx, p.ID, map[string]any{"amount": 20, "note": "hi"}, "tester")
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if got.FieldValues["title"] != "keep" || got.FieldValues["note"] != "hi" {
		t.Fatalf("merge lost values: %v", got.FieldValues)
	}
}

func TestDeleteProcess(t *testing.T) {
	env := newTestEnv(t, orderKanban())
	p, _ := env.Engine.CreateProcess(env.Ctx, engine.CreateOptions{KanbanID: "orders", ActorID: "tester"})
	if err := env.Engine.DeleteProcess(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetProcess(env.Ctx, p.ID); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.DeleteProcess(env.Ctx, p.ID, "tester"); !engine.IsNotFound(err) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func mustGet(t *testing.T, env *testEnv, id string) domain.Process {
	t.Helper()
	p, err := env.Engine.Repo.GetProcess(env.Ctx, id)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	return p
}
