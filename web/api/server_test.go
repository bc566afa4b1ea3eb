package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

type mockAdmin struct {
	runs      []*domain.Run
	subtasks  map[string][]*domain.Subtask
	history   []domain.StateTransition
	verifyErr error
	stalled   []string
	actions   []string
}

func (m *mockAdmin) find(runID string) (*domain.Run, error) {
	for _, r := range m.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return nil, domain.Errorf(domain.ErrNotFound, domain.EntityRun, "%s", runID)
}

func (m *mockAdmin) ListRuns(ctx context.Context, states []domain.RunState, limit int) ([]*domain.Run, error) {
	var out []*domain.Run
	for _, r := range m.runs {
		if len(states) == 0 {
			out = append(out, r)
			continue
		}
		for _, s := range states {
			if r.State == s {
				out = append(out, r)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockAdmin) GetRunStatus(ctx context.Context, runID string) (*controller.RunStatus, error) {
	run, err := m.find(runID)
	if err != nil {
		return nil, err
	}
	return &controller.RunStatus{Run: run, Subtasks: m.subtasks[runID]}, nil
}

func (m *mockAdmin) GetStalledRuns(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, domain.Errorf(domain.ErrValidation, domain.EntityRun, "threshold must be positive")
	}
	return m.stalled, nil
}

func (m *mockAdmin) RunHistory(ctx context.Context, runID string) ([]domain.StateTransition, error) {
	if _, err := m.find(runID); err != nil {
		return nil, err
	}
	return m.history, nil
}

func (m *mockAdmin) VerifyHistory(ctx context.Context, runID string) error {
	return m.verifyErr
}

func (m *mockAdmin) act(runID, action string, to domain.RunState, allowed ...domain.RunState) error {
	run, err := m.find(runID)
	if err != nil {
		return err
	}
	for _, from := range allowed {
		if run.State == from {
			run.State = to
			m.actions = append(m.actions, action)
			return nil
		}
	}
	return domain.Errorf(domain.ErrInvalidTransition, domain.EntityRun, "%s -> %s", run.State, to)
}

func (m *mockAdmin) ForceCancel(ctx context.Context, runID, reason string) error {
	return m.act(runID, "cancel:"+reason, domain.RunCancelled, domain.RunRunning, domain.RunPaused)
}

func (m *mockAdmin) ForceRetry(ctx context.Context, runID string) error {
	return m.act(runID, "retry", domain.RunRunning, domain.RunFailed, domain.RunTimedOut)
}

func (m *mockAdmin) Pause(ctx context.Context, runID, reason string) error {
	return m.act(runID, "pause", domain.RunPaused, domain.RunRunning)
}

func (m *mockAdmin) Resume(ctx context.Context, runID string) error {
	return m.act(runID, "resume", domain.RunRunning, domain.RunPaused)
}

func newMockAdmin() *mockAdmin {
	created := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	return &mockAdmin{
		runs: []*domain.Run{
			{ID: "r1", TenantID: "acme", State: domain.RunRunning, TotalSubtasks: 2, CompletedSubtasks: 1, CreatedAt: created},
			{ID: "r2", TenantID: "acme", State: domain.RunFailed, TotalSubtasks: 1, FailedSubtasks: 1, CreatedAt: created},
			{ID: "r3", TenantID: "globex", State: domain.RunRunning, CreatedAt: created},
		},
		subtasks: map[string][]*domain.Subtask{
			"r1": {
				{ID: "s0", RunID: "r1", Index: 0, State: domain.SubtaskCompleted, AttemptCount: 1, MaxAttempts: 3},
				{ID: "s1", RunID: "r1", Index: 1, State: domain.SubtaskRunning, DependsOn: []string{"s0"}, AssignedWorkerID: "w1"},
			},
		},
		history: []domain.StateTransition{
			{EntityKind: domain.EntityRun, EntityID: "r1", ToState: "created", StateVersion: 1, TransitionedBy: "a", At: created},
			{EntityKind: domain.EntityRun, EntityID: "r1", FromState: "created", ToState: "pending", StateVersion: 2, TransitionedBy: "a", At: created},
		},
	}
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListRunsHandler(t *testing.T) {
	server := NewServer(newMockAdmin(), ":0")

	w := serve(t, server, "GET", "/api/runs?state=running", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Errorf("Run count = %d, want 2", len(runs))
	}

	w = serve(t, server, "GET", "/api/runs?limit=1", "")
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Errorf("Run count with limit = %d, want 1", len(runs))
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/runs?state=sleeping", http.StatusBadRequest},
		{"/api/runs?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := serve(t, server, "GET", tt.target, ""); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, w.Code, tt.want)
		}
	}
	if w := serve(t, server, "POST", "/api/runs", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/runs = %d, want 405", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	server := NewServer(newMockAdmin(), ":0")

	w := serve(t, server, "GET", "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Total != 3 {
		t.Errorf("Total = %d, want 3", status.Total)
	}
	if status.ByState["running"] != 2 || status.ByState["failed"] != 1 {
		t.Errorf("ByState = %v, want running=2 failed=1", status.ByState)
	}
}

func TestGetRunHandler(t *testing.T) {
	server := NewServer(newMockAdmin(), ":0")

	w := serve(t, server, "GET", "/api/runs/r1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var detail RunDetailResponse
	json.NewDecoder(w.Body).Decode(&detail)
	if detail.ID != "r1" || detail.CompletedSubtasks != 1 || len(detail.Subtasks) != 2 {
		t.Errorf("got %+v", detail)
	}
	if detail.Subtasks[1].Worker != "w1" || detail.Subtasks[1].DependsOn[0] != "s0" {
		t.Errorf("subtask 1 = %+v", detail.Subtasks[1])
	}

	if w := serve(t, server, "GET", "/api/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", w.Code)
	}
	if w := serve(t, server, "GET", "/api/runs/r1/explode", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action = %d, want 404", w.Code)
	}
}

func TestStalledHandler(t *testing.T) {
	admin := newMockAdmin()
	admin.stalled = []string{"r3"}
	server := NewServer(admin, ":0")

	w := serve(t, server, "GET", "/api/stalled?threshold=10m", "")
	var resp struct {
		Threshold string   `json:"threshold"`
		Runs      []string `json:"runs"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Threshold != "10m0s" || len(resp.Runs) != 1 || resp.Runs[0] != "r3" {
		t.Errorf("got %+v", resp)
	}

	tests := []string{"/api/stalled", "/api/stalled?threshold=soon", "/api/stalled?threshold=0s"}
	for _, target := range tests {
		if w := serve(t, server, "GET", target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, w.Code)
		}
	}
}

func TestHistoryHandler(t *testing.T) {
	admin := newMockAdmin()
	server := NewServer(admin, ":0")

	w := serve(t, server, "GET", "/api/runs/r1/history?verify=true", "")
	var resp HistoryResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Transitions) != 2 || resp.Transitions[1].From != "created" {
		t.Errorf("got transitions %+v", resp.Transitions)
	}
	if resp.Verified == nil || !*resp.Verified {
		t.Errorf("Verified = %v, want true", resp.Verified)
	}

	admin.verifyErr = domain.Errorf(domain.ErrValidation, domain.EntityRun, "version gap")
	w = serve(t, server, "GET", "/api/runs/r1/history?verify=1", "")
	resp = HistoryResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Verified == nil || *resp.Verified || resp.VerifyError == "" {
		t.Errorf("got verified=%v error=%q, want a failed verification", resp.Verified, resp.VerifyError)
	}

	w = serve(t, server, "GET", "/api/runs/r1/history", "")
	resp = HistoryResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Verified != nil {
		t.Error("verification ran without being asked for")
	}
}

func TestRunActionHandlers(t *testing.T) {
	admin := newMockAdmin()
	server := NewServer(admin, ":0")

	tests := []struct {
		name   string
		target string
		body   string
		want   int
		state  string
	}{
		{"pause", "/api/runs/r1/pause", "", http.StatusOK, "paused"},
		{"resume", "/api/runs/r1/resume", "", http.StatusOK, "running"},
		{"cancel with reason", "/api/runs/r1/cancel", `{"reason":"operator"}`, http.StatusOK, "cancelled"},
		{"cancel twice", "/api/runs/r1/cancel", "", http.StatusConflict, ""},
		{"retry failed", "/api/runs/r2/retry", "", http.StatusOK, "running"},
		{"retry missing", "/api/runs/zz/retry", "", http.StatusNotFound, ""},
		{"bad body", "/api/runs/r3/cancel", "{", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, server, "POST", tt.target, tt.body)
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.state == "" {
				return
			}
			var run RunResponse
			json.NewDecoder(w.Body).Decode(&run)
			if run.State != tt.state {
				t.Errorf("State = %s, want %s", run.State, tt.state)
			}
		})
	}

	if got := admin.actions; len(got) != 4 || got[2] != "cancel:operator" {
		t.Errorf("actions = %v", got)
	}
	if w := serve(t, server, "GET", "/api/runs/r3/cancel", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET cancel = %d, want 405", w.Code)
	}
}

func TestSSEBroadcastsRunUpdates(t *testing.T) {
	admin := newMockAdmin()
	server := NewServer(admin, ":0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.sseHub.Run(ctx)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// the handler has registered once headers are flushed
	post, err := http.Post(ts.URL+"/api/runs/r1/pause", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event")
			}
			if line == "event: run_update" {
				return
			}
		case <-timeout:
			t.Fatal("no run_update event")
		}
	}
}
