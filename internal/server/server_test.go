package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"concord/internal/capability"
	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/engine"
	"concord/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BackoffMS = 1
	caps := capability.NewSet(capability.SetOptions{
		Policy: capability.PolicyConfig{
			Weights:          cfg.PolicyProvider.Weights,
			ApproveThreshold: cfg.PolicyProvider.ApproveThreshold,
			RejectThreshold:  cfg.PolicyProvider.RejectThreshold,
		},
	})
	e := engine.New(conn, cfg, caps)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func approvingCaseBody() map[string]any {
	return map[string]any{
		"document_ref": "contracts/msa-2024.md",
		"parties": []map[string]any{
			{"id": "contract-team", "policy": map[string]any{"decision": "approved"}},
			{"id": "business-team", "policy": map[string]any{"decision": "approved"}},
		},
		"changes": []map[string]any{
			{"name": "payment_terms", "old_value": "net 30", "new_value": "net 45", "category": "payment"},
		},
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", approvingCaseBody())
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", createRes.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.State != "initiated" || created.ID == "" {
		t.Fatalf("unexpected created case: %+v", created)
	}

	runRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/run", nil)
	if runRes.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", runRes.StatusCode, string(data))
	}
	var done CaseResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal run result: %v", err)
	}
	if done.State != "completed" {
		t.Fatalf("expected completed, got %s (%s)", done.State, done.FailureReason)
	}
	if done.ArtifactRef == "" || done.Progress != 100 {
		t.Fatalf("expected artifact and full progress, got %q %.0f", done.ArtifactRef, done.Progress)
	}

	respRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/responses", nil)
	if respRes.StatusCode != http.StatusOK {
		t.Fatalf("responses status %d: %s", respRes.StatusCode, string(data))
	}
	var responses []PartyResponseBody
	if err := json.Unmarshal(data, &responses); err != nil {
		t.Fatalf("unmarshal responses: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}

	evtRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/events", nil)
	if evtRes.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", evtRes.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 4 || events[len(events)-1].ToState != "completed" {
		t.Fatalf("unexpected audit trail: %d events", len(events))
	}
}

func TestCreateCaseValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := approvingCaseBody()
	delete(body, "parties")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %q (%s)", envelope.Error.Code, string(data))
	}
}

func TestCancelConflictsWhenTerminal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", approvingCaseBody())
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	cancelRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/cancel", map[string]any{"reason": "withdrawn"})
	if cancelRes.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", cancelRes.StatusCode, string(data))
	}
	againRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/cancel", map[string]any{"reason": "again"})
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d: %s", againRes.StatusCode, string(data))
	}
}

func TestEventFeedCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", approvingCaseBody())
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/run", nil)

	feedRes, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil)
	if feedRes.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d: %s", feedRes.StatusCode, string(data))
	}
	var page struct {
		Items      []EventResponse `json:"items"`
		NextCursor int64           `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == 0 {
		t.Fatalf("expected a full page with cursor, got %d items cursor %d", len(page.Items), page.NextCursor)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?after=2&limit=100", nil)
	var rest struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal rest: %v", err)
	}
	for _, evt := range rest.Items {
		if evt.ID <= 2 {
			t.Fatalf("cursor not honored: got event %d", evt.ID)
		}
	}
}

func TestGetCaseNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}
