package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/events"
	"github.com/weftworks/weft/internal/planner"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/router"
)

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, action string, params map[string]any) (*registry.Result, error) {
	return &registry.Result{Content: "ran: " + fmt.Sprint(params["command"])}, nil
}

type testStack struct {
	srv *httptest.Server
	eng *engine.Engine
	pub *events.Publisher
}

func newTestStack(t *testing.T, store SnapshotReader) *testStack {
	return newTestStackWith(t, store, stubExecutor{})
}

func newTestStackWith(t *testing.T, store SnapshotReader, exec registry.Executor) *testStack {
	t.Helper()

	reg := registry.New()
	desc := registry.ToolDescriptor{
		Name:    "command_executor",
		Enabled: true,
		Actions: []registry.Action{{
			Name: "run",
			Parameters: []registry.Parameter{
				{Name: "command", Type: "string", Required: true},
			},
		}},
	}
	if err := reg.Register(desc, exec); err != nil {
		t.Fatal(err)
	}

	rt := router.New([]router.ToolRoutes{
		{
			Tool:     "command_executor",
			Priority: 1,
			Patterns: []router.Pattern{{Phrase: "list files", Weight: 1.0, Lang: "en"}},
		},
	}, 0.5)

	pl := planner.New(nil, reg, time.Second, map[string]planner.FallbackTemplate{
		"command_executor": {
			Action:     "run",
			Parameters: map[string]string{"command": "{{request}}"},
		},
	})

	pub := events.NewPublisher()
	eng := engine.New(reg, pub, engine.Config{})
	t.Cleanup(eng.Close)

	s := New(rt, pl, eng, pub, store, nil, 0.6)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, eng: eng, pub: pub}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func waitWorkflow(t *testing.T, ts *testStack, id string, want engine.Status) *engine.Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := ts.eng.Snapshot(id)
		if err != nil {
			t.Fatal(err)
		}
		if wf.Status == want {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached %s", id, want)
	return nil
}

func TestSubmitRequestConfidentRouteRunsSynchronously(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{
		OwnerID: "alice",
		Text:    "list files in the current directory",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[submitResponse](t, resp)
	if out.WorkflowID != "" {
		t.Errorf("workflow_id = %q, want empty for a direct dispatch", out.WorkflowID)
	}
	if out.Result != "ran: list files in the current directory" {
		t.Errorf("result = %q", out.Result)
	}
	if len(out.Matches) == 0 || out.Matches[0].Tool != "command_executor" {
		t.Errorf("matches = %+v", out.Matches)
	}
	if live := ts.eng.List("alice"); len(live) != 0 {
		t.Errorf("direct dispatch created %d workflows", len(live))
	}
}

func TestSubmitRequestAmbiguousCreatesWorkflow(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{
		OwnerID: "alice",
		Text:    "echo hello",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	out := decodeBody[submitResponse](t, resp)
	if out.WorkflowID == "" {
		t.Fatal("missing workflow_id")
	}

	wf := waitWorkflow(t, ts, out.WorkflowID, engine.StatusCompleted)
	if wf.Progress != 100 {
		t.Errorf("progress = %f, want 100", wf.Progress)
	}
	if len(wf.Steps) != 1 || wf.Steps[0].Status != engine.StepCompleted {
		t.Errorf("steps = %+v", wf.Steps)
	}
}

type approvalExecutor struct{}

func (approvalExecutor) Execute(ctx context.Context, action string, params map[string]any) (*registry.Result, error) {
	return &registry.Result{Decision: &registry.DecisionPrompt{
		Title:   "Pick a target",
		Options: []registry.DecisionOption{{ID: "staging", Label: "Staging"}},
	}}, nil
}

func TestSubmitRequestDecisionPromptFallsBackToWorkflow(t *testing.T) {
	ts := newTestStackWith(t, nil, approvalExecutor{})

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{
		OwnerID: "alice",
		Text:    "list files in the current directory",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	out := decodeBody[submitResponse](t, resp)
	if out.WorkflowID == "" {
		t.Fatal("missing workflow_id")
	}

	wf := waitWorkflow(t, ts, out.WorkflowID, engine.StatusPaused)
	if len(wf.Steps) != 1 || wf.Steps[0].Status != engine.StepAwaitingDecision {
		t.Errorf("steps = %+v", wf.Steps)
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{Text: "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing owner: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{OwnerID: "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing text: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetWorkflow(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{OwnerID: "alice", Text: "echo hello"})
	out := decodeBody[submitResponse](t, resp)
	waitWorkflow(t, ts, out.WorkflowID, engine.StatusCompleted)

	getResp, err := http.Get(ts.srv.URL + "/v1/workflows/" + out.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", getResp.StatusCode)
	}
	wf := decodeBody[engine.Workflow](t, getResp)
	if wf.ID != out.WorkflowID || wf.OwnerID != "alice" {
		t.Errorf("workflow = %+v", wf)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	ts := newTestStack(t, nil)
	resp, err := http.Get(ts.srv.URL + "/v1/workflows/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

type fakeSnapshots struct{ wf *engine.Workflow }

func (f *fakeSnapshots) Get(id string) (*engine.Workflow, error) {
	if f.wf != nil && f.wf.ID == id {
		return f.wf, nil
	}
	return nil, fmt.Errorf("workflow %q: %w", id, engine.ErrNotFound)
}

func (f *fakeSnapshots) ListByOwner(owner string) ([]*engine.Workflow, error) {
	if f.wf != nil && f.wf.OwnerID == owner {
		return []*engine.Workflow{f.wf}, nil
	}
	return nil, nil
}

func TestGetWorkflowFallsBackToStore(t *testing.T) {
	archived := &engine.Workflow{ID: "wf-archived", OwnerID: "alice", Status: engine.StatusCompleted}
	ts := newTestStack(t, &fakeSnapshots{wf: archived})

	resp, err := http.Get(ts.srv.URL + "/v1/workflows/wf-archived")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	wf := decodeBody[engine.Workflow](t, resp)
	if wf.ID != "wf-archived" {
		t.Errorf("workflow = %+v", wf)
	}
}

func TestListWorkflows(t *testing.T) {
	archived := &engine.Workflow{ID: "wf-archived", OwnerID: "alice", Status: engine.StatusCompleted}
	ts := newTestStack(t, &fakeSnapshots{wf: archived})

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{OwnerID: "alice", Text: "echo hello"})
	out := decodeBody[submitResponse](t, resp)
	waitWorkflow(t, ts, out.WorkflowID, engine.StatusCompleted)

	listResp, err := http.Get(ts.srv.URL + "/v1/workflows?owner=alice")
	if err != nil {
		t.Fatal(err)
	}
	list := decodeBody[[]*engine.Workflow](t, listResp)
	if len(list) != 2 {
		t.Fatalf("list = %d workflows, want live + archived", len(list))
	}

	noOwner, err := http.Get(ts.srv.URL + "/v1/workflows")
	if err != nil {
		t.Fatal(err)
	}
	defer noOwner.Body.Close()
	if noOwner.StatusCode != http.StatusBadRequest {
		t.Errorf("missing owner: status = %d, want 400", noOwner.StatusCode)
	}
}

func TestCancelWorkflowNotFound(t *testing.T) {
	ts := newTestStack(t, nil)
	resp := postJSON(t, ts.srv.URL+"/v1/workflows/ghost/cancel", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDecisionInvalidTransition(t *testing.T) {
	ts := newTestStack(t, nil)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{OwnerID: "alice", Text: "echo hello"})
	out := decodeBody[submitResponse](t, resp)
	waitWorkflow(t, ts, out.WorkflowID, engine.StatusCompleted)

	decResp := postJSON(t, ts.srv.URL+"/v1/workflows/"+out.WorkflowID+"/steps/step_1/decision",
		decisionRequest{Option: "yes"})
	defer decResp.Body.Close()
	if decResp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", decResp.StatusCode)
	}
}

func TestDecisionRequiresOption(t *testing.T) {
	ts := newTestStack(t, nil)
	resp := postJSON(t, ts.srv.URL+"/v1/workflows/x/steps/step_1/decision", decisionRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestStack(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + ts.srv.URL[len("http"):] + "/v1/events?owner=alice"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to install its subscription.
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, ts.srv.URL+"/v1/requests", submitRequest{OwnerID: "alice", Text: "echo hello"})
	out := decodeBody[submitResponse](t, resp)

	var ev events.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != events.TypeWorkflowStarted {
		t.Errorf("first event = %s, want workflow_started", ev.Type)
	}
	if ev.WorkflowID != out.WorkflowID || ev.OwnerID != "alice" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStreamRequiresOwner(t *testing.T) {
	ts := newTestStack(t, nil)
	resp, err := http.Get(ts.srv.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
