package workerpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/run-orchestrator/internal/workerproto"
)

type testEnv struct {
	store  *runstore.Store
	coord  *Coordinator
	server *httptest.Server
	runID  string

	mu       sync.Mutex
	outcomes []*scheduler.OutcomeResult
}

// newTestEnv starts a coordinator over a running run with plan 0 <- 1
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fence := fencing.NewManager(store, time.Hour)
	ctrl := controller.New(store, billing.NewMemory(100), "test")
	sched := scheduler.New(store, checkpoint.New(store), "test", 2)

	runID, err := ctrl.CreateRun(ctx, domain.RunSpec{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	lease, _, err := fence.Claim(ctx, runID)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v %v", lease, err)
	}
	if err := sched.Decompose(ctx, runID, lease, []domain.SubtaskSpec{
		{Index: 0, Payload: []byte("first")},
		{Index: 1, DependsOn: []int{0}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(ctx, runID, lease); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store, runID: runID}
	env.coord = NewCoordinator(CoordinatorConfig{}, NewRegistry(), sched)
	env.coord.SetOutcomeHook(func(ctx context.Context, res *scheduler.OutcomeResult) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.outcomes = append(env.outcomes, res)
	})
	env.server = httptest.NewServer(env.coord.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, workerID string, slots int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	send(t, conn, workerproto.TypeRegister, workerproto.RegisterMessage{WorkerID: workerID, MaxJobs: slots})
	send(t, conn, workerproto.TypeReady, workerproto.ReadyMessage{Slots: slots})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := workerproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func receive[T any](t *testing.T, conn *websocket.Conn, wantType string) T {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("waiting for %s: %v", wantType, err)
	}
	var env workerproto.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != wantType {
		t.Fatalf("got %s message %s, want %s", env.Type, env.Payload, wantType)
	}
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCoordinator_AssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.dial(t, "w1", 1)

	assignment := receive[workerproto.AssignmentMessage](t, conn, workerproto.TypeAssignment)
	if assignment.Index != 0 || string(assignment.Payload) != "first" {
		t.Fatalf("got assignment %+v, want index 0 with payload", assignment)
	}
	if assignment.Checkpoint != nil {
		t.Errorf("fresh assignment carries checkpoint %+v", assignment.Checkpoint)
	}

	send(t, conn, workerproto.TypeStart, workerproto.StartMessage{Seq: 1, SubtaskID: assignment.SubtaskID, Version: assignment.Version})
	ack := receive[workerproto.AckMessage](t, conn, workerproto.TypeAck)
	if ack.Seq != 1 || ack.Error != "" || ack.Version != assignment.Version+1 {
		t.Fatalf("start ack = %+v", ack)
	}

	send(t, conn, workerproto.TypeCheckpoint, workerproto.CheckpointMessage{Seq: 2, SubtaskID: assignment.SubtaskID, Step: 4, Data: []byte("half")})
	ack = receive[workerproto.AckMessage](t, conn, workerproto.TypeAck)
	if ack.Seq != 2 || ack.Error != "" {
		t.Fatalf("checkpoint ack = %+v", ack)
	}

	send(t, conn, workerproto.TypeOutcome, workerproto.OutcomeMessage{
		Seq: 3, SubtaskID: assignment.SubtaskID, Version: ack.Version, Status: "completed", Result: []byte("done"), Credits: 5,
	})
	ack = receive[workerproto.AckMessage](t, conn, workerproto.TypeAck)
	if ack.Seq != 3 || ack.Error != "" {
		t.Fatalf("outcome ack = %+v", ack)
	}

	sub, err := env.store.GetSubtask(ctx, assignment.SubtaskID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.State != domain.SubtaskCompleted || string(sub.Result) != "done" {
		t.Errorf("subtask = %s %q, want completed \"done\"", sub.State, sub.Result)
	}

	env.mu.Lock()
	outcomes := len(env.outcomes)
	env.mu.Unlock()
	if outcomes != 1 {
		t.Errorf("outcome hook ran %d times, want 1", outcomes)
	}

	// the dependent is ready now
	send(t, conn, workerproto.TypeReady, workerproto.ReadyMessage{Slots: 1})
	next := receive[workerproto.AssignmentMessage](t, conn, workerproto.TypeAssignment)
	if next.Index != 1 {
		t.Errorf("got next index %d, want 1", next.Index)
	}
}

func TestCoordinator_StaleOutcomeAcked(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "w1", 1)

	assignment := receive[workerproto.AssignmentMessage](t, conn, workerproto.TypeAssignment)
	send(t, conn, workerproto.TypeOutcome, workerproto.OutcomeMessage{
		Seq: 7, SubtaskID: assignment.SubtaskID, Version: assignment.Version + 5, Status: "completed",
	})
	ack := receive[workerproto.AckMessage](t, conn, workerproto.TypeAck)
	if !ack.Stale || ack.Error == "" {
		t.Errorf("got ack %+v, want stale with error", ack)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.outcomes) != 0 {
		t.Errorf("outcome hook ran for a rejected report")
	}
}

func TestCoordinator_HeartbeatForLostSubtaskCancels(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "w1", 1)

	receive[workerproto.AssignmentMessage](t, conn, workerproto.TypeAssignment)
	send(t, conn, workerproto.TypeHeartbeat, workerproto.HeartbeatMessage{SubtaskID: "not-mine"})

	cancel := receive[workerproto.CancelMessage](t, conn, workerproto.TypeCancel)
	if cancel.SubtaskID != "not-mine" {
		t.Errorf("got cancel for %s, want not-mine", cancel.SubtaskID)
	}
}

func TestCoordinator_HandleStatus(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "w1", 1)
	assignment := receive[workerproto.AssignmentMessage](t, conn, workerproto.TypeAssignment)

	resp, err := http.Get(env.server.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status struct {
		Workers   []Status `json:"workers"`
		FreeSlots int      `json:"free_slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if len(status.Workers) != 1 || status.Workers[0].ID != "w1" {
		t.Fatalf("got workers %+v, want [w1]", status.Workers)
	}
	if len(status.Workers[0].Subtasks) != 1 || status.Workers[0].Subtasks[0] != assignment.SubtaskID {
		t.Errorf("got subtasks %v, want [%s]", status.Workers[0].Subtasks, assignment.SubtaskID)
	}
	if status.FreeSlots != 0 {
		t.Errorf("got free_slots=%d, want 0", status.FreeSlots)
	}
}
