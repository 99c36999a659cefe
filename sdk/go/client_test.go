package planlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodesPlan(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"plan":{"plan_id":"plan-1","goal":"g","status":"drafting","requirements_sections":[{"name":"A","status":"pending"}]},"warnings":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "proj 1")
	c.BearerToken = "tok"
	plan, err := c.StartPlanning(context.Background(), "g")
	if err != nil {
		t.Fatalf("start planning: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization %q", gotAuth)
	}
	if gotPath != "/v0/projects/proj%201/plan" {
		t.Fatalf("path %q", gotPath)
	}
	if gotBody["goal"] != "g" {
		t.Fatalf("body %+v", gotBody)
	}
	if plan.PlanID != "plan-1" || len(plan.Sections) != 1 {
		t.Fatalf("plan %+v", plan)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":{"code":"ack_timeout","message":"no acknowledgment","details":{"escalated_to":"orchestrator"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	_, err := c.SendHandoff(context.Background(), Handoff{To: "builder", Subject: "ready"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusGatewayTimeout || apiErr.Code != "ack_timeout" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Details["escalated_to"] != "orchestrator" {
		t.Fatalf("details %+v", apiErr.Details)
	}
}

func TestEventsPageBuildsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"id":7,"type":"plan.created"}],"next_cursor":"7"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "proj-1").EventsPage(context.Background(), 1, "9")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if gotQuery != "limit=1&cursor=9" {
		t.Fatalf("query %q", gotQuery)
	}
	if len(page.Items) != 1 || page.NextCursor != "7" {
		t.Fatalf("page %+v", page)
	}
}

func TestIfVersionSentOnWritesOnly(t *testing.T) {
	var headers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = append(headers, r.Method+" "+r.Header.Get("If-Match"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"plan":{"plan_id":"plan-1","version":4}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "p")
	c.IfVersion = 4
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := c.AdvanceSection(context.Background(), "A", "complete"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(headers) != 2 || headers[0] != "GET " || headers[1] != `PATCH "4"` {
		t.Fatalf("unexpected If-Match headers %q", headers)
	}
}
