// Package detector is the periodic self-healing sweep: it reclaims subtasks
// whose worker stopped heartbeating, expires leases of runs that stopped
// progressing, times out runs past their deadline and retries settlement.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/notify"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
)

// DefaultSchedule runs the sweep twice a minute
const DefaultSchedule = "@every 30s"

// Store is the durable store surface the detector needs
type Store interface {
	Now() time.Time
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, opts runstore.ListOptions) ([]*domain.Run, error)
	ListDeadlineBreached(ctx context.Context, now time.Time) ([]*domain.Run, error)
	ListStaleSubtasks(ctx context.Context, states []domain.SubtaskState, before time.Time) ([]*domain.Subtask, error)
	ChangeSubtask(ctx context.Context, c runstore.SubtaskChange) (*domain.Subtask, error)
}

// Config tunes the sweep
type Config struct {
	StallThreshold   time.Duration
	HeartbeatTimeout time.Duration
	Schedule         string // cron spec, descriptors such as @every allowed
}

// Report summarizes one sweep
type Report struct {
	Reclaimed     []string // subtask IDs returned to pending
	Stalled       []string // run IDs without recent progress
	ExpiredLeases []string // run IDs whose lease was ended early
	TimedOut      []string // run IDs moved to timed_out
	Settled       int
}

// Empty reports whether the sweep changed nothing
func (r Report) Empty() bool {
	return len(r.Reclaimed) == 0 && len(r.ExpiredLeases) == 0 && len(r.TimedOut) == 0 && r.Settled == 0
}

// Detector finds and recovers stalled work
type Detector struct {
	store    Store
	fence    *fencing.Manager
	ctrl     *controller.Controller
	notifier notify.Notifier
	cfg      Config
	schedule cron.Schedule

	mu        sync.Mutex
	running   bool
	escalated map[string]time.Time // run -> progress timestamp already escalated
}

// ParseSchedule parses a cron expression or descriptor
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// New creates a Detector
func New(store Store, fence *fencing.Manager, ctrl *controller.Controller, notifier notify.Notifier, cfg Config) (*Detector, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StallThreshold <= 0 || cfg.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("stall threshold and heartbeat timeout must be positive")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid detector schedule %q: %w", cfg.Schedule, err)
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Detector{
		store:     store,
		fence:     fence,
		ctrl:      ctrl,
		notifier:  notifier,
		cfg:       cfg,
		schedule:  sched,
		escalated: make(map[string]time.Time),
	}, nil
}

// NextSweep returns when the sweep after t is due
func (d *Detector) NextSweep(t time.Time) time.Time {
	return d.schedule.Next(t)
}

// FindStalled returns non-terminal runs whose last progress is older than threshold
func (d *Detector) FindStalled(ctx context.Context, threshold time.Duration) ([]string, error) {
	runs, err := d.stalledRuns(ctx, threshold)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return ids, nil
}

func (d *Detector) stalledRuns(ctx context.Context, threshold time.Duration) ([]*domain.Run, error) {
	return d.store.ListRuns(ctx, runstore.ListOptions{
		States:         domain.ActiveRunStates(),
		ProgressBefore: d.store.Now().Add(-threshold),
	})
}

// Sweep runs one detection and recovery pass
func (d *Detector) Sweep(ctx context.Context) (Report, error) {
	var report Report

	reclaimed, err := d.reclaimSubtasks(ctx)
	if err != nil {
		return report, fmt.Errorf("reclaiming subtasks: %w", err)
	}
	report.Reclaimed = reclaimed

	stalled, err := d.stalledRuns(ctx, d.cfg.StallThreshold)
	if err != nil {
		return report, fmt.Errorf("finding stalled runs: %w", err)
	}
	now := d.store.Now()
	for _, run := range stalled {
		report.Stalled = append(report.Stalled, run.ID)
		if run.HasLiveLease(now) {
			ok, err := d.fence.Expire(ctx, run.ID)
			if err != nil {
				return report, err
			}
			if ok {
				report.ExpiredLeases = append(report.ExpiredLeases, run.ID)
			}
		}
		d.escalate(run)
	}
	d.forget(stalled)

	timedOut, err := d.timeOutRuns(ctx)
	if err != nil {
		return report, fmt.Errorf("timing out runs: %w", err)
	}
	report.TimedOut = timedOut

	settled, err := d.ctrl.SettlePending(ctx)
	if err != nil {
		return report, fmt.Errorf("settling: %w", err)
	}
	report.Settled = settled

	return report, nil
}

// reclaimSubtasks returns live subtasks with a stale heartbeat to pending.
// The version bump makes any later report from the old worker stale.
func (d *Detector) reclaimSubtasks(ctx context.Context) ([]string, error) {
	live := []domain.SubtaskState{domain.SubtaskAssigned, domain.SubtaskRunning, domain.SubtaskCheckpointed}
	stale, err := d.store.ListStaleSubtasks(ctx, live, d.store.Now().Add(-d.cfg.HeartbeatTimeout))
	if err != nil {
		return nil, err
	}

	var reclaimed []string
	for _, sub := range stale {
		since := "never"
		if sub.HeartbeatAt != nil {
			since = sub.HeartbeatAt.Format(time.RFC3339)
		}
		_, err := d.store.ChangeSubtask(ctx, runstore.SubtaskChange{
			SubtaskID:       sub.ID,
			From:            sub.State,
			To:              domain.SubtaskPending,
			ExpectedVersion: sub.StateVersion,
			WorkerID:        sub.AssignedWorkerID,
			ClearWorker:     true,
			Actor:           "detector",
			Reason:          fmt.Sprintf("worker %s heartbeat stale since %s", sub.AssignedWorkerID, since),
		})
		if domain.IsExpected(err) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		log.Printf("detector: reclaimed subtask %s from worker %s", sub.ID, sub.AssignedWorkerID)
		reclaimed = append(reclaimed, sub.ID)
	}
	return reclaimed, nil
}

// timeOutRuns moves running runs past their deadline to timed_out, taking
// over the run's lease when its holder is still registered.
func (d *Detector) timeOutRuns(ctx context.Context) ([]string, error) {
	breached, err := d.store.ListDeadlineBreached(ctx, d.store.Now())
	if err != nil {
		return nil, err
	}

	var timedOut []string
	for _, run := range breached {
		if run.State != domain.RunRunning {
			continue
		}
		lease, err := d.takeOver(ctx, run.ID)
		if err != nil {
			return timedOut, err
		}
		if lease == nil {
			continue
		}
		err = controller.RetryOnConflict(ctx, 3, func() error {
			current, err := d.store.GetRun(ctx, run.ID)
			if err != nil {
				return err
			}
			if current.State != domain.RunRunning {
				return nil
			}
			_, err = d.ctrl.Transition(ctx, run.ID, domain.RunRunning, domain.RunTimedOut, current.StateVersion, lease, "detector",
				"deadline "+current.DeadlineAt.Format(time.RFC3339)+" passed")
			return err
		})
		if _, rerr := d.fence.Release(ctx, run.ID, lease.Token); rerr != nil {
			log.Printf("detector: releasing lease on %s: %v", run.ID, rerr)
		}
		if domain.IsExpected(err) {
			continue
		}
		if err != nil {
			return timedOut, err
		}
		current, err := d.store.GetRun(ctx, run.ID)
		if err != nil {
			return timedOut, err
		}
		if current.State == domain.RunTimedOut {
			timedOut = append(timedOut, run.ID)
			d.notify(notify.Notification{
				Title:   "Run timed out",
				Message: fmt.Sprintf("run %s passed its deadline with %d/%d subtasks completed", run.ID, current.CompletedSubtasks, current.TotalSubtasks),
				Type:    notify.NotifyError,
				RunID:   run.ID,
				Tenant:  run.TenantID,
			})
		}
	}
	return timedOut, nil
}

// takeOver acquires a lease on runID, expiring a live lease held by someone else
func (d *Detector) takeOver(ctx context.Context, runID string) (*fencing.Lease, error) {
	lease, _, err := d.fence.Claim(ctx, runID)
	if err != nil || lease != nil {
		return lease, err
	}
	if _, err := d.fence.Expire(ctx, runID); err != nil {
		return nil, err
	}
	lease, _, err = d.fence.Claim(ctx, runID)
	return lease, err
}

func (d *Detector) escalate(run *domain.Run) {
	d.mu.Lock()
	progress := run.ProgressAt()
	if last, ok := d.escalated[run.ID]; ok && last.Equal(progress) {
		d.mu.Unlock()
		return
	}
	d.escalated[run.ID] = progress
	d.mu.Unlock()

	d.notify(notify.Notification{
		Title:   "Run stalled",
		Message: fmt.Sprintf("run %s (%s) has not progressed since %s", run.ID, run.State, progress.Format(time.RFC3339)),
		Type:    notify.NotifyWarning,
		RunID:   run.ID,
		Tenant:  run.TenantID,
	})
}

// forget drops escalation memory for runs that are no longer stalled
func (d *Detector) forget(stalled []*domain.Run) {
	current := make(map[string]bool, len(stalled))
	for _, run := range stalled {
		current[run.ID] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.escalated {
		if !current[id] {
			delete(d.escalated, id)
		}
	}
}

func (d *Detector) notify(n notify.Notification) {
	if err := d.notifier.Send(n); err != nil {
		log.Printf("detector: notify %s: %v", n.RunID, err)
	}
}

// Start runs Sweep on the configured schedule until ctx is cancelled.
// A sweep still in progress when the next one is due is not overlapped.
func (d *Detector) Start(ctx context.Context) error {
	for {
		next := d.NextSweep(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !d.markRunning() {
			continue
		}
		report, err := d.Sweep(ctx)
		d.markComplete()

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("detector: sweep failed: %v", err)
			continue
		}
		if !report.Empty() {
			log.Printf("detector: reclaimed=%d expired_leases=%d timed_out=%d settled=%d",
				len(report.Reclaimed), len(report.ExpiredLeases), len(report.TimedOut), report.Settled)
		}
	}
}

func (d *Detector) markRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}
	d.running = true
	return true
}

func (d *Detector) markComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}
