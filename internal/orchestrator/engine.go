// Package orchestrator drives runs for one orchestrator instance: it claims
// runs through fencing leases, starts them, hands ready subtasks to workers
// and folds outcomes back into run state. Several instances can share a
// database; the leases keep each run with exactly one of them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/run-orchestrator/internal/billing"
	"github.com/hochfrequenz/run-orchestrator/internal/checkpoint"
	"github.com/hochfrequenz/run-orchestrator/internal/controller"
	"github.com/hochfrequenz/run-orchestrator/internal/detector"
	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/fencing"
	"github.com/hochfrequenz/run-orchestrator/internal/ledger"
	"github.com/hochfrequenz/run-orchestrator/internal/notify"
	"github.com/hochfrequenz/run-orchestrator/internal/runstore"
	"github.com/hochfrequenz/run-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/run-orchestrator/internal/workerpool"
)

// claimable are the states an instance picks up and drives forward
var claimable = []domain.RunState{
	domain.RunCreated, domain.RunPending, domain.RunRunning, domain.RunResuming, domain.RunRetrying,
}

// Options configures an Engine
type Options struct {
	InstanceID       string
	Store            *runstore.Store
	Billing          billing.Gateway
	Notifier         notify.Notifier
	LeaseTTL         time.Duration
	RenewInterval    time.Duration
	MaxAttempts      int
	DispatchInterval time.Duration
	Detector         detector.Config
	Workers          workerpool.CoordinatorConfig
	Debug            bool
}

// Engine wires the run orchestration components of one instance
type Engine struct {
	instanceID       string
	store            *runstore.Store
	fence            *fencing.Manager
	keeper           *fencing.Keeper
	ctrl             *controller.Controller
	sched            *scheduler.Scheduler
	detector         *detector.Detector
	ledger           *ledger.Ledger
	coord            *workerpool.Coordinator
	notifier         notify.Notifier
	dispatchInterval time.Duration
	serveWorkers     bool
	debug            bool
}

// New builds an Engine from opts
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Billing == nil {
		return nil, fmt.Errorf("store and billing gateway are required")
	}
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.RenewInterval <= 0 || opts.RenewInterval >= opts.LeaseTTL {
		opts.RenewInterval = opts.LeaseTTL / 3
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = 2 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}

	fence := fencing.NewManager(opts.Store, opts.LeaseTTL)
	ctrl := controller.New(opts.Store, opts.Billing, opts.InstanceID)
	ctrl.SetDebug(opts.Debug)
	sched := scheduler.New(opts.Store, checkpoint.New(opts.Store), opts.InstanceID, opts.MaxAttempts)

	det, err := detector.New(opts.Store, fence, ctrl, opts.Notifier, opts.Detector)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		instanceID:       opts.InstanceID,
		store:            opts.Store,
		fence:            fence,
		keeper:           fencing.NewKeeper(fence, opts.RenewInterval),
		ctrl:             ctrl,
		sched:            sched,
		detector:         det,
		ledger:           ledger.New(opts.Store),
		coord:            workerpool.NewCoordinator(opts.Workers, workerpool.NewRegistry(), sched),
		notifier:         opts.Notifier,
		dispatchInterval: opts.DispatchInterval,
		serveWorkers:     opts.Workers.WebSocketPort > 0,
		debug:            opts.Debug,
	}
	e.coord.SetOutcomeHook(e.onOutcome)
	return e, nil
}

// Controller returns the run controller
func (e *Engine) Controller() *controller.Controller { return e.ctrl }

// Scheduler returns the subtask scheduler
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Detector returns the stalled-run detector
func (e *Engine) Detector() *detector.Detector { return e.detector }

// Ledger returns the transition ledger
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Coordinator returns the worker coordinator
func (e *Engine) Coordinator() *workerpool.Coordinator { return e.coord }

// Held returns the runs this instance currently holds a lease on
func (e *Engine) Held() []string { return e.keeper.Held() }

// Submit validates spec and creates the run under a fresh ID together with
// its plan
func (e *Engine) Submit(ctx context.Context, spec domain.RunSpec) (string, error) {
	return e.SubmitWithID(ctx, "", spec)
}

// SubmitWithID is Submit with a caller-chosen run ID; an empty ID gets a
// fresh one. Submitting an ID that already exists returns it unchanged.
// The run and its subtasks are stored in one transaction after the whole
// plan validated, so no instance ever claims a run without its plan.
func (e *Engine) SubmitWithID(ctx context.Context, runID string, spec domain.RunSpec) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	} else if _, err := e.store.GetRun(ctx, runID); err == nil {
		return runID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	subs, err := e.sched.Plan(runID, spec.Subtasks)
	if err != nil {
		return "", err
	}
	return e.ctrl.CreateRunWithPlan(ctx, runID, spec, subs)
}

// Tick claims unowned runs, drives every held run one step and dispatches
// ready subtasks to connected workers
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.claimRuns(ctx); err != nil {
		return fmt.Errorf("claiming runs: %w", err)
	}

	for _, runID := range e.keeper.Held() {
		if err := e.drive(ctx, runID); err != nil {
			if domain.IsExpected(err) {
				e.debugf("run %s: %v", runID, err)
				continue
			}
			log.Printf("run %s: %v", runID, err)
		}
	}

	if _, err := e.coord.Dispatch(ctx); err != nil {
		return fmt.Errorf("dispatching: %w", err)
	}
	return nil
}

func (e *Engine) claimRuns(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, runstore.ListOptions{States: claimable})
	if err != nil {
		return err
	}
	now := e.store.Now()
	for _, run := range runs {
		if _, held := e.keeper.Get(run.ID); held || run.HasLiveLease(now) {
			continue
		}
		lease, _, err := e.fence.Claim(ctx, run.ID)
		if err != nil {
			return err
		}
		if lease == nil {
			continue
		}
		e.keeper.Add(lease)
		log.Printf("claimed run %s (%s)", run.ID, run.State)
	}
	return nil
}

// drive moves one held run forward. Runs that need nothing more from this
// instance give their lease back.
func (e *Engine) drive(ctx context.Context, runID string) error {
	lease, ok := e.keeper.Get(runID)
	if !ok {
		return nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	var driveErr error
	switch run.State {
	case domain.RunCreated, domain.RunPending:
		driveErr = e.ctrl.Start(ctx, runID, lease)
	case domain.RunResuming:
		driveErr = e.ctrl.Resume(ctx, runID, lease)
	case domain.RunRetrying:
		driveErr = e.ctrl.Retry(ctx, runID, lease)
	case domain.RunRunning:
		driveErr = e.advanceRunning(ctx, runID, lease)
	}
	if errors.Is(driveErr, domain.ErrInsufficientCredits) {
		e.notify(notify.Notification{
			Title:   "Insufficient credits",
			Message: fmt.Sprintf("run %s (%s): tenant %s has insufficient credits", runID, run.State, run.TenantID),
			Type:    notify.NotifyWarning,
			RunID:   runID,
			Tenant:  run.TenantID,
		})
		driveErr = nil
	}
	if errors.Is(driveErr, domain.ErrLeaseExpired) {
		e.keeper.Remove(runID)
		return driveErr
	}
	if driveErr != nil {
		return driveErr
	}

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() || run.State == domain.RunPaused {
		e.releaseRun(ctx, lease)
		if run.State == domain.RunFailed {
			e.notify(notify.Notification{
				Title:   "Run failed",
				Message: fmt.Sprintf("run %s failed with %d/%d subtasks completed", runID, run.CompletedSubtasks, run.TotalSubtasks),
				Type:    notify.NotifyError,
				RunID:   runID,
				Tenant:  run.TenantID,
			})
		}
	}
	return nil
}

func (e *Engine) advanceRunning(ctx context.Context, runID string, lease *fencing.Lease) error {
	if _, err := e.sched.NextReady(ctx, runID); err != nil {
		return err
	}
	state, err := e.ctrl.Reconcile(ctx, runID, lease)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		log.Printf("run %s %s", runID, state)
	}
	return nil
}

func (e *Engine) releaseRun(ctx context.Context, lease *fencing.Lease) {
	e.keeper.Remove(lease.RunID)
	if _, err := e.fence.Release(ctx, lease.RunID, lease.Token); err != nil {
		log.Printf("releasing lease on %s: %v", lease.RunID, err)
	}
}

// onOutcome folds a worker outcome into its run when this instance holds it
func (e *Engine) onOutcome(ctx context.Context, res *scheduler.OutcomeResult) {
	if res == nil || res.Subtask == nil {
		return
	}
	if res.Exhausted != nil {
		log.Printf("subtask %s: %v", res.Subtask.ID, res.Exhausted)
	}
	runID := res.Subtask.RunID
	if _, held := e.keeper.Get(runID); !held {
		return
	}
	if err := e.drive(ctx, runID); err != nil && !domain.IsExpected(err) {
		log.Printf("run %s after outcome: %v", runID, err)
	}
	if len(res.NewlyReady) > 0 {
		if _, err := e.coord.Dispatch(ctx); err != nil {
			log.Printf("dispatch after outcome: %v", err)
		}
	}
}

// Run drives the instance until ctx is cancelled: tick loop, lease
// renewal, detector schedule and, when configured, the worker endpoint
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.tickLoop(ctx) })
	g.Go(func() error { return e.keeper.Run(ctx) })
	g.Go(func() error { return e.detector.Start(ctx) })
	g.Go(func() error { return e.watchLost(ctx) })
	if e.serveWorkers {
		g.Go(func() error { return e.coord.Start(ctx) })
	}

	log.Printf("instance %s running", e.instanceID)
	err := g.Wait()
	e.releaseAll(context.Background())
	return err
}

func (e *Engine) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.dispatchInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Printf("tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) watchLost(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case runID := <-e.keeper.Lost():
			log.Printf("lost lease on run %s", runID)
		}
	}
}

// releaseAll gives every held lease back so another instance can take over at once
func (e *Engine) releaseAll(ctx context.Context) {
	for _, runID := range e.keeper.Held() {
		if lease, ok := e.keeper.Get(runID); ok {
			e.releaseRun(ctx, lease)
		}
	}
}

func (e *Engine) notify(n notify.Notification) {
	if err := e.notifier.Send(n); err != nil {
		log.Printf("notify %s: %v", n.RunID, err)
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.debug {
		log.Printf("debug: "+format, args...)
	}
}
