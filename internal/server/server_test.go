package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/registry"
	"flowboard/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := registry.New(repo.Repo{DB: conn}, nil)
	e := engine.New(conn, reg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func ordersDefinition() map[string]any {
	return map[string]any{
		"id":   "orders",
		"name": "Orders",
		"states": []map[string]any{
			{"id": "draft", "name": "Draft", "is_initial": true},
			{"id": "review", "name": "Review", "prerequisites": []map[string]any{
				{"id": "has-title", "kind": "field", "field": "title", "condition": "exists"},
			}},
			{"id": "done", "name": "Done", "is_final": true},
		},
		"recommended_transitions": []map[string]any{{"from": "draft", "to": "review"}},
		"blocked_transitions":     []map[string]any{{"from": "draft", "to": "done", "reason": "review first"}},
		"warned_transitions":      []map[string]any{{"from": "review", "to": "draft", "warning_message": "going backwards"}},
	}
}

func registerOrders(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/kanbans?persist=false", ordersDefinition(), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register kanban: %d %s", res.StatusCode, string(data))
	}
}

func TestProcessLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	registerOrders(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"kanban_id": "orders",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create process: %d %s", res.StatusCode, string(data))
	}
	var created domain.Process
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}
	if created.CurrentState != "draft" {
		t.Fatalf("expected draft, got %s", created.CurrentState)
	}

	// the listed blocked pair is the only refusal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/transition", map[string]any{
		"to": "done",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blocked transition: %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "transition_invalid" {
		t.Fatalf("expected transition_invalid, got %+v", envelope.Error)
	}

	// unmet prerequisites never refuse, they ride on the record
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/transition", map[string]any{
		"to": "review",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var rec domain.TransitionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.FromState != "draft" || rec.ToState != "review" || rec.TriggeredBy != "alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.PrerequisitesStatus) == 0 {
		t.Fatalf("prerequisite status missing on record")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get process: %d %s", res.StatusCode, string(data))
	}
	var fetched domain.Process
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}
	if fetched.CurrentState != "review" || len(fetched.History) != 1 {
		t.Fatalf("unexpected process: state=%s history=%d", fetched.CurrentState, len(fetched.History))
	}
}

func TestValidateIsDryRun(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	registerOrders(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"kanban_id":     "orders",
		"initial_state": "review",
	}, nil)
	var created domain.Process
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/transition/validate", map[string]any{
		"to": "draft",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var report engine.ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.TransitionValid || !report.CanProceed || !report.Warned {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Warnings) == 0 {
		t.Fatalf("warned pair should surface its warning")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+created.ID+"/transitions/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []domain.TransitionRecord
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("dry run must not execute, got %d records", len(history))
	}
}

func TestMissingProcessIs404(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/processes/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", envelope.Error)
	}
}

func TestForcedTransition(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	registerOrders(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"kanban_id": "orders",
	}, nil)
	var created domain.Process
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/force", map[string]any{
		"to": "review",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("force without justification: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/force", map[string]any{
		"to":            "review",
		"justification": "manual override",
	}, map[string]string{"X-Actor-Id": "boss"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("force: %d %s", res.StatusCode, string(data))
	}
	var rec domain.TransitionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Justification != "[FORCED] manual override" || rec.TriggeredBy != "boss" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAutoTransitionCascade(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	pipeline := map[string]any{
		"id":   "pipeline",
		"name": "Pipeline",
		"states": []map[string]any{
			{"id": "start", "name": "Start", "is_initial": true, "auto_transition_to": "middle", "prerequisites": []map[string]any{
				{"id": "has-title", "kind": "field", "field": "title", "condition": "exists"},
			}},
			{"id": "middle", "name": "Middle", "auto_transition_to": "end"},
			{"id": "end", "name": "End", "is_final": true},
		},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/kanbans?persist=false", pipeline, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register kanban: %d %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"kanban_id":    "pipeline",
		"field_values": map[string]any{"title": "run me"},
	}, nil)
	var created domain.Process
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/auto-transition/process/"+created.ID+"/decision", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision: %d %s", res.StatusCode, string(data))
	}
	var decision engine.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if !decision.Eligible || decision.Target != "middle" || decision.Reason != engine.ReasonAutoTransition {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auto-transition/process/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cascade: %d %s", res.StatusCode, string(data))
	}
	var cascade struct {
		Executed []domain.TransitionRecord `json:"executed"`
	}
	if err := json.Unmarshal(data, &cascade); err != nil {
		t.Fatalf("unmarshal cascade: %v", err)
	}
	if len(cascade.Executed) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(cascade.Executed))
	}
	for _, rec := range cascade.Executed {
		if rec.TriggeredBy != engine.AutoActor {
			t.Fatalf("unexpected actor: %+v", rec)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get process: %d %s", res.StatusCode, string(data))
	}
	var final domain.Process
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}
	if final.CurrentState != "end" {
		t.Fatalf("expected end, got %s", final.CurrentState)
	}
}

func TestTimelineAndSummary(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	registerOrders(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"kanban_id":    "orders",
		"field_values": map[string]any{"title": "order 1"},
	}, nil)
	var created domain.Process
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal process: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+created.ID+"/transition", map[string]any{"to": "review"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+created.ID+"/timeline", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	var entries []map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	// created + transition shadow actions plus the transition record
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %s", len(entries), string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var summary struct {
		TotalActions     int `json:"total_actions"`
		TotalTransitions int `json:"total_transitions"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.TotalActions != 2 || summary.TotalTransitions != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestJWTMode(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/kanbans", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/kanbans", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authorized list: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/kanbans", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d %s", res.StatusCode, string(data))
	}
}
