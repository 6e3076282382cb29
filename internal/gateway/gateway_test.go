package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/controlstate"
	"github.com/tidefall/steward/internal/gateway"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/taskqueue"
)

type env struct {
	server      *httptest.Server
	controls    *controlstate.Store
	checkpoints *checkpoint.Registry
	queue       *taskqueue.Queue
	token       string
}

func startGateway(t *testing.T, authToken string) *env {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := activity.NewLog(store, nil)
	controls := controlstate.NewStore(store, log, nil)
	checkpoints := checkpoint.NewRegistry(store, log, nil)
	queue := taskqueue.New(store, controls, checkpoints, log, nil, taskqueue.RetryPolicy{})
	checkpoints.SetTaskResolver(queue)

	srv := gateway.New(gateway.Config{
		Controls:          controls,
		Checkpoints:       checkpoints,
		Queue:             queue,
		Activity:          log,
		AuthToken:         authToken,
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{server: ts, controls: controls, checkpoints: checkpoints, queue: queue, token: authToken}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(b)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	e := startGateway(t, "secret-token")

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/v1/scopes", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, e.server.URL+"/v1/scopes", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token should 401, got %d", resp.StatusCode)
	}

	if resp := e.do(t, http.MethodGet, "/v1/scopes", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token should 200, got %d", resp.StatusCode)
	}
}

func TestHealthzOpenWithoutToken(t *testing.T) {
	e := startGateway(t, "secret-token")

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/healthz", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["healthy"] != true {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("fingerprint missing from health body: %v", body)
	}
}

func TestScopeEnableDisableFlow(t *testing.T) {
	e := startGateway(t, "")

	resp := e.do(t, http.MethodPost, "/v1/scopes/vertical:saas/disable", map[string]string{
		"actor": "ops@example.com", "reason": "incident",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	var state controlstate.State
	decodeBody(t, resp, &state)
	if state.Enabled || state.DisabledReason != "incident" {
		t.Fatalf("unexpected state after disable: %+v", state)
	}

	// The territory below inherits the disable through the effective view.
	resp = e.do(t, http.MethodGet, "/v1/scopes/territory:saas:us-west/effective", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("effective status = %d", resp.StatusCode)
	}
	var eff controlstate.EffectiveState
	decodeBody(t, resp, &eff)
	if eff.Enabled {
		t.Fatal("territory should be effectively disabled")
	}

	resp = e.do(t, http.MethodPost, "/v1/scopes/vertical:saas/enable", map[string]string{
		"actor": "ops@example.com", "reason": "resolved",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/v1/scopes/vertical:saas/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var history struct {
		History []controlstate.HistoryEntry `json:"history"`
	}
	decodeBody(t, resp, &history)
	if len(history.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history.History))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	e := startGateway(t, "")

	// Unknown scope key: validation error.
	resp := e.do(t, http.MethodGet, "/v1/scopes/region:emea", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad scope key should 400, got %d", resp.StatusCode)
	}

	// Missing control state: not found.
	resp = e.do(t, http.MethodGet, "/v1/scopes/vertical:unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing state should 404, got %d", resp.StatusCode)
	}

	// Missing task: not found.
	resp = e.do(t, http.MethodGet, "/v1/tasks/no-such-task", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task should 404, got %d", resp.StatusCode)
	}

	// Enqueue into a disabled scope: locked.
	if resp := e.do(t, http.MethodPost, "/v1/scopes/global/disable", map[string]string{
		"actor": "ops@example.com", "reason": "full stop",
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"task_type": "report",
		"service":   "reporting",
		"scope":     map[string]string{"scope_type": "global"},
	})
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("enqueue into disabled scope should 423, got %d", resp.StatusCode)
	}
}

func TestTaskEnqueueAndCancelOverHTTP(t *testing.T) {
	e := startGateway(t, "")

	resp := e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"task_type": "lead-enrichment",
		"service":   "enrichment",
		"scope":     map[string]string{"scope_type": "vertical", "vertical_id": "saas"},
		"payload":   `{"lead_id":"lead-1"}`,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	var task taskqueue.Task
	decodeBody(t, resp, &task)
	if task.ID == "" || task.Status != taskqueue.StatusPending {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/cancel", task.ID), map[string]string{
		"actor": "ops@example.com", "reason": "duplicate",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var cancelled taskqueue.Task
	decodeBody(t, resp, &cancelled)
	if cancelled.Status != taskqueue.StatusCancelled {
		t.Fatalf("status after cancel = %q", cancelled.Status)
	}

	// Cancelling again conflicts.
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/v1/tasks/%s/cancel", task.ID), map[string]string{
		"actor": "ops@example.com", "reason": "again",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel should 409, got %d", resp.StatusCode)
	}
}

func TestCheckpointResolutionOverHTTP(t *testing.T) {
	e := startGateway(t, "")

	resp := e.do(t, http.MethodPost, "/v1/checkpoints", map[string]any{
		"scope":   map[string]string{"scope_type": "vertical", "vertical_id": "saas"},
		"service": "outreach",
		"action":  "send_campaign",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var inst checkpoint.Instance
	decodeBody(t, resp, &inst)
	if inst.Status != checkpoint.StatusPending {
		t.Fatalf("instance status = %q", inst.Status)
	}

	resp = e.do(t, http.MethodPost, "/v1/checkpoints/"+inst.ID+"/approve", map[string]string{
		"actor": "manager@example.com", "reason": "reviewed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/v1/checkpoints/"+inst.ID, nil)
	var resolved checkpoint.Instance
	decodeBody(t, resp, &resolved)
	if resolved.Status != checkpoint.StatusApproved || resolved.ResolvedBy != "manager@example.com" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestActivityListOverHTTP(t *testing.T) {
	e := startGateway(t, "")

	// Enqueue a task to generate a ledger entry.
	resp := e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"task_type": "report",
		"service":   "reporting",
		"scope":     map[string]string{"scope_type": "global"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/v1/activity?event_type=task.enqueued", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity status = %d", resp.StatusCode)
	}
	var body struct {
		Events []activity.Event `json:"events"`
	}
	decodeBody(t, resp, &body)
	if len(body.Events) != 1 {
		t.Fatalf("expected 1 task.enqueued event, got %d", len(body.Events))
	}
	if body.Events[0].Service != "reporting" {
		t.Fatalf("event service = %q", body.Events[0].Service)
	}
}
