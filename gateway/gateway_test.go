package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gliderlab/taskpilot/ledger"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/storage"
)

type fakeCore struct {
	mu        sync.Mutex
	submitted []submitRequest
	resumed   map[string]string
	cancelled map[string]bool
	tasks     map[string]*storage.Task
	resumeErr error
	cancelErr error
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		resumed:   make(map[string]string),
		cancelled: make(map[string]bool),
		tasks:     make(map[string]*storage.Task),
	}
}

func (f *fakeCore) Submit(text, origin, tier string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tier != "" && tier != config.TierFast && tier != config.TierDeep {
		return "", fmt.Errorf("unknown tier override %q", tier)
	}
	f.submitted = append(f.submitted, submitRequest{Text: text, Origin: origin, Tier: tier})
	id := fmt.Sprintf("t_%d", len(f.submitted))
	f.tasks[id] = &storage.Task{ID: id, Origin: origin, Input: text, State: "pending"}
	return id, nil
}

func (f *fakeCore) Resume(taskID, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	if _, ok := f.tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	f.resumed[taskID] = input
	return nil
}

func (f *fakeCore) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.tasks[taskID]; !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	f.cancelled[taskID] = true
	return nil
}

func (f *fakeCore) Status(taskID string) (*storage.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	rec := *t
	return &rec, nil
}

func (f *fakeCore) ActiveCount() map[string]int {
	return map[string]int{"running": 2, "checkpoint_wait": 1}
}

type fakeSpend struct{ agg ledger.Aggregates }

func (f *fakeSpend) Aggregates(ctx context.Context, taskID string) (ledger.Aggregates, error) {
	return f.agg, nil
}

type fakeLister struct{ tasks []*storage.Task }

func (f *fakeLister) RecentTasks(limit int) ([]*storage.Task, error) {
	if limit < len(f.tasks) {
		return f.tasks[:limit], nil
	}
	return f.tasks, nil
}

func newTestGateway(core *fakeCore) (*Gateway, *httptest.Server) {
	g := New(config.GatewayConfig{}, core, &fakeSpend{agg: ledger.Aggregates{DaySpend: 0.42, MonthSpend: 3.14}}, &fakeLister{})
	return g, httptest.NewServer(g.Handler())
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestSubmitTask(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "summarize the report", "origin": "webchat"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["task_id"] == "" {
		t.Error("no task_id in response")
	}
	if core.submitted[0].Origin != "webchat" {
		t.Errorf("origin = %q", core.submitted[0].Origin)
	}
}

func TestSubmitDefaultsOrigin(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "hello"})
	resp.Body.Close()
	if core.submitted[0].Origin != "http" {
		t.Errorf("origin = %q, want http", core.submitted[0].Origin)
	}
}

func TestSubmitValidation(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank text: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/tasks", map[string]string{"text": "work", "tier": "turbo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tier: status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if !strings.Contains(body["error"].(string), "turbo") {
		t.Errorf("error = %v", body["error"])
	}

	oversized, err := http.Post(srv.URL+"/tasks", "application/json",
		bytes.NewReader(append([]byte(`{"text":"`), append(bytes.Repeat([]byte("x"), 300*1024), []byte(`"}`)...)...)))
	if err != nil {
		t.Fatal(err)
	}
	oversized.Body.Close()
	if oversized.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status = %d, want 413", oversized.StatusCode)
	}
}

func TestTaskStatus(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "work"})
	id := decodeBody(t, resp)["task_id"].(string)

	got, err := http.Get(srv.URL + "/tasks/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", got.StatusCode)
	}
	body := decodeBody(t, got)
	if body["id"] != id {
		t.Errorf("id = %v", body["id"])
	}

	missing, err := http.Get(srv.URL + "/tasks/t_nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing task: status = %d, want 404", missing.StatusCode)
	}
}

func TestResume(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "work"})
	id := decodeBody(t, resp)["task_id"].(string)

	ok := postJSON(t, srv.URL+"/tasks/"+id+"/resume", map[string]string{"input": "yes, continue"})
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Errorf("resume: status = %d, want 200", ok.StatusCode)
	}
	if core.resumed[id] != "yes, continue" {
		t.Errorf("resumed input = %q", core.resumed[id])
	}

	// empty input is rejected before reaching the core
	bad := postJSON(t, srv.URL+"/tasks/"+id+"/resume", map[string]string{"input": ""})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("empty input: status = %d, want 400", bad.StatusCode)
	}

	// state conflicts map to 409
	core.mu.Lock()
	core.resumeErr = fmt.Errorf("resume: task %s is running", id)
	core.mu.Unlock()
	conflict := postJSON(t, srv.URL+"/tasks/"+id+"/resume", map[string]string{"input": "again"})
	conflict.Body.Close()
	if conflict.StatusCode != http.StatusConflict {
		t.Errorf("conflict: status = %d, want 409", conflict.StatusCode)
	}
}

func TestCancel(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/tasks", map[string]string{"text": "work"})
	id := decodeBody(t, resp)["task_id"].(string)

	ok := postJSON(t, srv.URL+"/tasks/"+id+"/cancel", nil)
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Errorf("cancel: status = %d, want 200", ok.StatusCode)
	}
	if !core.cancelled[id] {
		t.Error("core never saw the cancel")
	}

	missing := postJSON(t, srv.URL+"/tasks/t_nope/cancel", nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing task: status = %d, want 404", missing.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	core := newFakeCore()
	_, srv := newTestGateway(core)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["day_spend_usd"] != 0.42 {
		t.Errorf("day spend = %v", body["day_spend_usd"])
	}
	if body["month_spend_usd"] != 3.14 {
		t.Errorf("month spend = %v", body["month_spend_usd"])
	}
	active := body["active"].(map[string]interface{})
	if active["running"] != 2.0 {
		t.Errorf("active running = %v", active["running"])
	}
}

func TestEventsWebSocket(t *testing.T) {
	core := newFakeCore()
	g, srv := newTestGateway(core)
	defer srv.Close()
	defer g.Stop()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the hub a moment to register the client
	deadline := time.Now().Add(2 * time.Second)
	for g.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if g.Hub().ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	g.Hub().Emit("t_1", "progress", map[string]interface{}{"step": 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.TaskID != "t_1" || ev.Kind != "progress" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Payload["step"] != 3.0 {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestHealthAndDefaults(t *testing.T) {
	core := newFakeCore()
	g, srv := newTestGateway(core)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d", resp.StatusCode)
	}

	cfg := g.Config()
	if cfg.Port != 55010 {
		t.Errorf("default port = %d", cfg.Port)
	}
	if cfg.MaxBodyTask != 256*1024 {
		t.Errorf("default body cap = %d", cfg.MaxBodyTask)
	}
}
