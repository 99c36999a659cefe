package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/handoff"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/tracker"
)

const testSecret = "test-secret"

type testServer struct {
	URL       string
	Engine    engine.Engine
	Project   engine.Project
	Transport *handoff.MemoryTransport
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	project := engine.Project{ID: "proj-1", Root: workspace}
	e := engine.New(conn, cfg)
	e.FileExists = func(string) bool { return true }
	e.Tracker = tracker.Ledger{Repo: e.Repo, ProjectID: project.ID}
	m := metrics.New()
	e.Metrics = m
	transport := handoff.NewMemoryTransport()
	handler, err := New(Config{
		Engine:   e,
		Project:  project,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		Metrics:  m,
		Protocol: &handoff.Protocol{Transport: transport, AckTimeout: 50 * time.Millisecond, Supervisor: "orchestrator"},
	})
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
		URL:       "http://" + ln.Addr().String(),
		Engine:    e,
		Project:   project,
		Transport: transport,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func token(t *testing.T, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, "alice", roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
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
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/plan", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/plan", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndRoles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "bob",
		"roles":    []string{"viewer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	viewer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, viewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "bob" || len(me.Permissions) == 0 {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/plan", map[string]any{"goal": "x"}, viewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create: expected 403, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Details["permission"] != "plan.write" {
		t.Fatalf("details %+v", env.Error.Details)
	}
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := token(t, "planner")
	approver := token(t, "approver")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodGet, base+"/plan", nil, planner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status before create: expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan", map[string]any{"goal": "Ship OAuth login"}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created PlanResponse
	_ = json.Unmarshal(data, &created)
	if created.Plan.Goal != "Ship OAuth login" || len(created.Plan.Sections) != 3 {
		t.Fatalf("unexpected plan %+v", created.Plan)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan", map[string]any{"goal": "again"}, planner)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "already_exists" {
		t.Fatalf("second create: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/approve", map[string]any{}, approver)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("premature approve: expected 422, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "validation_failed" || env.Error.Details["failing"] == nil {
		t.Fatalf("unexpected envelope %+v", env)
	}

	for _, s := range created.Plan.Sections {
		for _, status := range []string{"in-progress", "complete"} {
			res, data = doJSON(t, client, http.MethodPatch, base+"/plan/sections/"+url.PathEscape(s.Name), map[string]any{"status": status}, planner)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("section %s -> %s: %d %s", s.Name, status, res.StatusCode, string(data))
			}
		}
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/plan/sections/"+url.PathEscape("Functional Requirements"), map[string]any{"status": "pending"}, planner)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "invalid_transition" {
		t.Fatalf("backward section move: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/modules", map[string]any{
		"name":                "Auth Service",
		"acceptance_criteria": "tokens issued",
		"priority":            "high",
	}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add module: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/modules", map[string]any{"name": "auth service"}, planner)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "duplicate" {
		t.Fatalf("duplicate module: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/plan/modules/missing", map[string]any{"priority": "low"}, planner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("modify missing module: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/approve", map[string]any{}, planner)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("planner approve: expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/approve", map[string]any{}, approver)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved ApproveResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if len(approved.Created) != 1 || approved.Created[0].Ref != "#1" || approved.Created[0].ModuleID != "auth-service" {
		t.Fatalf("created issues %+v", approved.Created)
	}
	if approved.Orchestration.ModulesTotal != 1 {
		t.Fatalf("orchestration %+v", approved.Orchestration)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/sections", map[string]any{"name": "Late"}, planner)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "invalid_transition" {
		t.Fatalf("mutation after approval: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/modules/auth-service/issue", nil, approver)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "duplicate" {
		t.Fatalf("retry with existing ref: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/orchestration", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("orchestration: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?limit=2", nil, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %+v", page)
	}
	if page.Items[0].Type != "orchestration.created" {
		t.Fatalf("newest event %s", page.Items[0].Type)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/plan", nil, planner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other project: expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestIfMatchRejectsStaleWrites(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := token(t, "planner")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/plan", map[string]any{"goal": "Search"}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	withVersion := func(v string) map[string]string {
		h := map[string]string{"If-Match": v}
		for k, val := range planner {
			h[k] = val
		}
		return h
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/sections", map[string]any{"name": "Security"}, withVersion(`"1"`))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("write at current version: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/sections", map[string]any{"name": "Privacy"}, withVersion("1"))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "concurrent_modification" {
		t.Fatalf("stale write: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/sections", map[string]any{"name": "Privacy"}, withVersion("latest"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed If-Match: %d %s", res.StatusCode, string(data))
	}
}

func TestBlockingCycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := token(t, "planner", "approver")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/plan", map[string]any{"goal": "Billing"}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created PlanResponse
	_ = json.Unmarshal(data, &created)
	for _, s := range created.Plan.Sections {
		for _, status := range []string{"in-progress", "complete"} {
			doJSON(t, client, http.MethodPatch, base+"/plan/sections/"+url.PathEscape(s.Name), map[string]any{"status": status}, planner)
		}
	}
	for _, m := range []map[string]any{
		{"name": "orders", "acceptance_criteria": "ok", "depends_on": []string{"invoices"}, "context": "sales"},
		{"name": "invoices", "acceptance_criteria": "ok", "depends_on": []string{"orders"}, "context": "finance"},
	} {
		res, data = doJSON(t, client, http.MethodPost, base+"/plan/modules", m, planner)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add module: %d %s", res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/approve", map[string]any{"skip_issues": true}, planner)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "blocking_cycle" || env.Error.Details["cycle"] == nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestApproveKeepsResultWhenNotifyIsNotAcknowledged(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := token(t, "planner", "approver")
	base := srv.URL + "/v0/projects/proj-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/plan", map[string]any{"goal": "Checkout"}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created PlanResponse
	_ = json.Unmarshal(data, &created)
	for _, s := range created.Plan.Sections {
		for _, status := range []string{"in-progress", "complete"} {
			doJSON(t, client, http.MethodPatch, base+"/plan/sections/"+url.PathEscape(s.Name), map[string]any{"status": status}, planner)
		}
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/plan/modules", map[string]any{"name": "cart", "acceptance_criteria": "items persist"}, planner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add module: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/plan/approve", map[string]any{"notify": "builder"}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve with silent recipient: expected 200, got %d %s", res.StatusCode, string(data))
	}
	var approved ApproveResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if len(approved.Created) != 1 || approved.Created[0].Ref != "#1" {
		t.Fatalf("created issues lost: %+v", approved.Created)
	}
	if approved.Orchestration.ModulesTotal != 1 {
		t.Fatalf("orchestration lost: %+v", approved.Orchestration)
	}
	if approved.Notified != nil {
		t.Fatalf("unexpected delivery %+v", approved.Notified)
	}
	if approved.NotifyError == nil || approved.NotifyError.Code != "ack_timeout" || approved.NotifyError.Details["escalated_to"] != "orchestrator" {
		t.Fatalf("notify error %+v", approved.NotifyError)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/plan", nil, planner)
	var status engine.StatusView
	_ = json.Unmarshal(data, &status)
	if res.StatusCode != http.StatusOK || status.Plan.Status != "approved" {
		t.Fatalf("plan not approved: %d %s", res.StatusCode, string(data))
	}
	sent := srv.Transport.Sent()
	if last := sent[len(sent)-1]; last.Type != handoff.Escalation || last.To != "orchestrator" {
		t.Fatalf("last message %+v", last)
	}
}

func TestHandoffEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	planner := token(t, "planner")
	base := srv.URL + "/v0/projects/proj-1"

	inbox, stop, _ := srv.Transport.Inbox(context.Background(), "builder")
	defer stop()
	go func() {
		for m := range inbox {
			_ = srv.Transport.Send(context.Background(), handoff.AckFor(m, time.Now()))
		}
	}()
	res, data := doJSON(t, client, http.MethodPost, base+"/handoffs", map[string]any{
		"to":      "builder",
		"subject": "design ready",
		"payload": map[string]any{"plan_id": "p"},
	}, planner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handoff: %d %s", res.StatusCode, string(data))
	}
	var delivered handoff.Result
	_ = json.Unmarshal(data, &delivered)
	if delivered.Attempts != 1 {
		t.Fatalf("attempts %d", delivered.Attempts)
	}
	sent := srv.Transport.Sent()
	if sent[0].From != "planner" {
		t.Fatalf("sender default not applied: %q", sent[0].From)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/handoffs", map[string]any{
		"to":                "nobody",
		"subject":           "anyone there",
		"blocked_operation": "approve-plan",
	}, planner)
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "ack_timeout" || env.Error.Details["escalated_to"] != "orchestrator" || env.Error.Details["blocked_operation"] != "approve-plan" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	last := srv.Transport.Sent()[len(srv.Transport.Sent())-1]
	if last.Type != handoff.Escalation || last.Subject != "ESCALATION: anyone there" {
		t.Fatalf("last message %+v", last)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	if _, err := srv.Engine.Create(context.Background(), srv.Project, "goal"); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `planline_engine_operations_total{code="ok",operation="create"} 1`) {
		t.Fatalf("create not counted:\n%s", string(data))
	}
}

func TestWebhookDispatcherPostsNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Planline-Secret"))
		mu.Unlock()
	}))
	defer hookSrv.Close()

	d := &WebhookDispatcher{
		Repo:    srv.Engine.Repo,
		Project: srv.Project.ID,
		Hooks:   []config.Hook{{ID: "ci", URL: hookSrv.URL, Secret: "s3cret", Events: []string{"plan.created", "section.added"}}},
	}
	ctx := context.Background()
	d.DispatchAll(ctx)

	if _, err := srv.Engine.Create(ctx, srv.Project, "goal"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := srv.Engine.AddModule(ctx, srv.Project, engine.ModuleSpec{Name: "filtered"}); err != nil {
		t.Fatalf("add module: %v", err)
	}
	if _, err := srv.Engine.AddRequirementSection(ctx, srv.Project, "Security"); err != nil {
		t.Fatalf("add section: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %+v", len(got), got)
	}
	if got[0].Type != "plan.created" || got[1].Type != "section.added" {
		t.Fatalf("unexpected order %s, %s", got[0].Type, got[1].Type)
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("secret header %q", secrets[0])
	}
}
