package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/notify"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/scheduler"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type testEnv struct {
	clock    *clock
	store    *runstore.Store
	fence    *fencing.Manager
	ctrl     *controller.Controller
	sched    *scheduler.Scheduler
	notifier *recorder
	det      *Detector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clk.Now)

	fence := fencing.NewManager(store, 10*time.Minute)
	ctrl := controller.New(store, billing.NewMemory(1000), "test")
	rec := &recorder{}
	det, err := New(store, fence, ctrl, rec, Config{
		StallThreshold:   5 * time.Minute,
		HeartbeatTimeout: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		clock:    clk,
		store:    store,
		fence:    fence,
		ctrl:     ctrl,
		sched:    scheduler.New(store, checkpoint.New(store), "test", 3),
		notifier: rec,
		det:      det,
	}
}

// startRun creates a running run with one subtask and returns its lease
func (e *testEnv) startRun(t *testing.T, deadline *time.Time) (string, *fencing.Lease) {
	t.Helper()
	ctx := context.Background()
	runID, err := e.ctrl.CreateRun(ctx, domain.RunSpec{TenantID: "acme", CreditEstimate: 10, DeadlineAt: deadline})
	if err != nil {
		t.Fatal(err)
	}
	lease, _, err := e.fence.Claim(ctx, runID)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v %v", lease, err)
	}
	if err := e.sched.Decompose(ctx, runID, lease, []domain.SubtaskSpec{{Index: 0}}); err != nil {
		t.Fatal(err)
	}
	if err := e.ctrl.Start(ctx, runID, lease); err != nil {
		t.Fatal(err)
	}
	return runID, lease
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, Config{}); err == nil {
		t.Error("expected error for zero thresholds")
	}
	if _, err := New(nil, nil, nil, nil, Config{StallThreshold: time.Minute, HeartbeatTimeout: time.Minute, Schedule: "not a schedule"}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"* * *", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) err=%v, wantErr=%v", tt.expr, err, tt.wantErr)
			}
		})
	}

	sched, _ := ParseSchedule("@every 30s")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(from.Add(30 * time.Second)) {
		t.Errorf("Next = %v, want %v", got, from.Add(30*time.Second))
	}
}

func TestSweep_ReclaimsStaleSubtask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runID, _ := env.startRun(t, nil)

	res, err := env.sched.PollReady(ctx, runID, "w1")
	if err != nil || res == nil {
		t.Fatalf("PollReady: %v %v", res, err)
	}
	assigned := res.Subtask

	env.clock.Advance(2 * time.Minute)
	report, err := env.det.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Reclaimed) != 1 || report.Reclaimed[0] != assigned.ID {
		t.Fatalf("Reclaimed = %v, want [%s]", report.Reclaimed, assigned.ID)
	}

	sub, _ := env.store.GetSubtask(ctx, assigned.ID)
	if sub.State != domain.SubtaskPending || sub.AssignedWorkerID != "" {
		t.Errorf("subtask = %s/%q, want pending without worker", sub.State, sub.AssignedWorkerID)
	}
	if sub.AttemptCount != assigned.AttemptCount {
		t.Errorf("reclaim consumed an attempt: %d -> %d", assigned.AttemptCount, sub.AttemptCount)
	}

	// the old worker's late report is rejected
	_, err = env.sched.ReportOutcome(ctx, assigned.ID, "w1", domain.Outcome{Status: domain.OutcomeCompleted}, assigned.StateVersion)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("late report err=%v, want ErrConcurrencyConflict", err)
	}
}

func TestSweep_FreshHeartbeatNotReclaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runID, _ := env.startRun(t, nil)

	res, err := env.sched.PollReady(ctx, runID, "w1")
	if err != nil || res == nil {
		t.Fatalf("PollReady: %v %v", res, err)
	}

	env.clock.Advance(45 * time.Second)
	if _, err := env.sched.Heartbeat(ctx, res.Subtask.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(45 * time.Second)

	report, err := env.det.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Reclaimed) != 0 {
		t.Errorf("Reclaimed = %v, want none", report.Reclaimed)
	}
}

func TestSweep_StalledRunExpiresLeaseAndEscalatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runID, lease := env.startRun(t, nil)

	env.clock.Advance(6 * time.Minute)
	stalled, err := env.det.FindStalled(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0] != runID {
		t.Fatalf("FindStalled = %v, want [%s]", stalled, runID)
	}

	report, err := env.det.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ExpiredLeases) != 1 || report.ExpiredLeases[0] != runID {
		t.Errorf("ExpiredLeases = %v, want [%s]", report.ExpiredLeases, runID)
	}
	if env.notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", env.notifier.count())
	}

	// the former holder can no longer move the run
	run, _ := env.store.GetRun(ctx, runID)
	_, err = env.ctrl.Transition(ctx, runID, domain.RunRunning, domain.RunPaused, run.StateVersion, lease, "old-holder", "")
	if !errors.Is(err, domain.ErrLeaseExpired) {
		t.Errorf("stale holder err=%v, want ErrLeaseExpired", err)
	}

	// still stalled with the same progress: no second escalation
	if _, err := env.det.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if env.notifier.count() != 1 {
		t.Errorf("notifications after second sweep = %d, want 1", env.notifier.count())
	}
}

func TestSweep_DeadlineTimesOutRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deadline := env.clock.Now().Add(time.Minute)
	runID, _ := env.startRun(t, &deadline)

	env.clock.Advance(2 * time.Minute)
	report, err := env.det.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.TimedOut) != 1 || report.TimedOut[0] != runID {
		t.Fatalf("TimedOut = %v, want [%s]", report.TimedOut, runID)
	}

	run, _ := env.store.GetRun(ctx, runID)
	if run.State != domain.RunTimedOut {
		t.Errorf("state = %s, want timed_out", run.State)
	}
	if run.FencingToken != "" {
		t.Errorf("detector kept the lease %q", run.FencingToken)
	}
	subs, _ := env.store.ListSubtasks(ctx, runID)
	for _, sub := range subs {
		if sub.State != domain.SubtaskCancelled {
			t.Errorf("subtask %d = %s, want cancelled with its run", sub.Index, sub.State)
		}
	}

	// a second sweep leaves the timed out run alone
	report, err = env.det.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.TimedOut) != 0 {
		t.Errorf("second sweep TimedOut = %v", report.TimedOut)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.det.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
