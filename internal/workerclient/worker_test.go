package workerclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/run-orchestrator/internal/workerpool"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{ServerURL: "ws://localhost:8090/ws", WorkerID: "w1", MaxJobs: 2}, false},
		{"missing server URL", Config{WorkerID: "w1", MaxJobs: 2}, true},
		{"missing worker ID", Config{ServerURL: "ws://localhost:8090/ws", MaxJobs: 2}, true},
		{"invalid max jobs", Config{ServerURL: "ws://localhost:8090/ws", WorkerID: "w1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMultiConfig_Validate(t *testing.T) {
	valid := MultiConfig{ServerURLs: []string{"ws://a/ws", "ws://b/ws"}, WorkerID: "w1", MaxJobs: 1}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
	empty := MultiConfig{ServerURLs: []string{"ws://a/ws", ""}, WorkerID: "w1", MaxJobs: 1}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty server URL")
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestWorker_JobTracking(t *testing.T) {
	w, err := NewWorker(Config{ServerURL: "ws://localhost:9999/ws", WorkerID: "test", MaxJobs: 2}, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.TrackJob("sub-1", cancel)
	if !w.HasJob("sub-1") {
		t.Error("HasJob(sub-1) = false, want true")
	}

	w.CancelJob("sub-1")
	select {
	case <-ctx.Done():
	default:
		t.Error("CancelJob did not cancel the context")
	}
	if w.HasJob("sub-1") {
		t.Error("HasJob(sub-1) after cancel = true")
	}
}

func TestWorker_SendWithoutConnection(t *testing.T) {
	w, _ := NewWorker(Config{ServerURL: "ws://localhost:9999/ws", WorkerID: "test", MaxJobs: 1}, nil)
	if err := w.sendReadyIfConnected(); err != nil {
		t.Errorf("sendReadyIfConnected without connection: %v", err)
	}
	if err := w.sendReady(); err == nil {
		t.Error("sendReady without connection should fail")
	}
}

// TestWorker_EndToEnd runs a worker against a real coordinator and store:
// the first subtask checkpoints then completes, which releases its dependent.
func TestWorker_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fence := fencing.NewManager(store, time.Hour)
	ctrl := controller.New(store, billing.NewMemory(100), "test")
	sched := scheduler.New(store, checkpoint.New(store), "test", 2)

	runID, err := ctrl.CreateRun(ctx, domain.RunSpec{TenantID: "acme", CreditEstimate: 20})
	if err != nil {
		t.Fatal(err)
	}
	lease, _, err := fence.Claim(ctx, runID)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v %v", lease, err)
	}
	if err := sched.Decompose(ctx, runID, lease, []domain.SubtaskSpec{
		{Index: 0, Payload: []byte("a")},
		{Index: 1, Payload: []byte("b"), DependsOn: []int{0}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(ctx, runID, lease); err != nil {
		t.Fatal(err)
	}

	coord := workerpool.NewCoordinator(workerpool.CoordinatorConfig{}, workerpool.NewRegistry(), sched)
	server := httptest.NewServer(coord.Handler())
	t.Cleanup(server.Close)

	var (
		mu   sync.Mutex
		seen []string
	)
	handler := HandlerFunc(func(ctx context.Context, job *Job) Result {
		mu.Lock()
		seen = append(seen, string(job.Payload))
		mu.Unlock()
		if job.Index == 0 {
			if err := job.SaveCheckpoint(ctx, 1, []byte("half")); err != nil {
				return Failed(err, 0)
			}
		}
		return Completed([]byte("ok-"+string(job.Payload)), 3)
	})

	w, err := NewWorker(Config{
		ServerURL:         "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		WorkerID:          "w1",
		MaxJobs:           1,
		HeartbeatInterval: 50 * time.Millisecond,
	}, handler)
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.RunWithReconnect(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		if run.CompletedSubtasks == 2 {
			if run.CreditsUsed != 6 {
				t.Errorf("got credits used=%d, want 6", run.CreditsUsed)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: completed=%d", run.CompletedSubtasks)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("handled %v, want [a b] in dependency order", seen)
	}

	cps, err := checkpoint.New(store).List(ctx, mustSubtaskID(t, store, runID, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].Step != 1 {
		t.Errorf("got checkpoints %+v, want one at step 1", cps)
	}
}

func mustSubtaskID(t *testing.T, store *runstore.Store, runID string, index int) string {
	t.Helper()
	subs, err := store.ListSubtasks(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range subs {
		if s.Index == index {
			return s.ID
		}
	}
	t.Fatalf("no subtask %d in %s", index, runID)
	return ""
}

func TestWorker_CallFailsWhenDisconnected(t *testing.T) {
	w, _ := NewWorker(Config{ServerURL: "ws://localhost:9999/ws", WorkerID: "test", MaxJobs: 1}, nil)
	job := &Job{SubtaskID: "s1", worker: w}

	err := job.SaveCheckpoint(context.Background(), 1, nil)
	if err == nil || errors.Is(err, ErrStale) {
		t.Errorf("got err=%v, want a send error", err)
	}
}
