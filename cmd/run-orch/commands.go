package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/ledger"
	"github.com/hochfrequenz/run-orchestrator/internal/planspec"
	"github.com/hochfrequenz/run-orchestrator/tui"
)

var (
	submitID         string
	listStates       []string
	listLimit        int
	historyVerify    bool
	stalledThreshold time.Duration
	cancelReason     string
	pauseReason      string
)

func init() {
	submitCmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a YAML run spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitID, "id", "", "run ID (submitting an existing ID is a no-op)")
	rootCmd.AddCommand(submitCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status RUN",
		Short: "Show a run and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringSliceVar(&listStates, "state", nil, "filter by state: "+stateList())
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	historyCmd := &cobra.Command{
		Use:   "history RUN",
		Short: "Show the state transition history of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().BoolVar(&historyVerify, "verify", false, "check the version chain of every entity")
	rootCmd.AddCommand(historyCmd)

	stalledCmd := &cobra.Command{
		Use:   "stalled",
		Short: "List runs without progress",
		RunE:  runStalled,
	}
	stalledCmd.Flags().DurationVar(&stalledThreshold, "threshold", 0, "minimum time without progress (default: detector.stall_threshold)")
	rootCmd.AddCommand(stalledCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel a run, taking it over from whichever instance holds it",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded in the history")
	rootCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "retry RUN",
		Short: "Retry a failed or timed-out run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	})

	pauseCmd := &cobra.Command{
		Use:   "pause RUN",
		Short: "Pause a running run",
		Args:  cobra.ExactArgs(1),
		RunE:  runPause,
	}
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "reason recorded in the history")
	rootCmd.AddCommand(pauseCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "resume RUN",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	})
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec, err := planspec.ParseFile(args[0], time.Now())
	if err != nil {
		return err
	}

	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	ctx := cmd.Context()
	var runID string
	if submitID != "" {
		runID, err = inst.engine.SubmitWithID(ctx, submitID, spec)
	} else {
		runID, err = inst.engine.Submit(ctx, spec)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Submitted run %s (%d subtasks)\n", runID, len(spec.Subtasks))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	status, err := inst.engine.GetRunStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	run := status.Run
	now := time.Now()

	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Tenant:    %s\n", run.TenantID)
	fmt.Printf("State:     %s (version %d)\n", run.State, run.StateVersion)
	fmt.Printf("Progress:  %d/%d completed, %d failed, %d skipped\n",
		run.CompletedSubtasks, run.TotalSubtasks, run.FailedSubtasks, run.SkippedSubtasks)
	fmt.Printf("Credits:   %s used of %s estimated (settled: %v)\n",
		humanize.Comma(run.CreditsUsed), humanize.Comma(run.CreditEstimate), run.Settled)
	fmt.Printf("Activity:  %s\n", humanize.RelTime(run.ProgressAt(), now, "ago", "from now"))
	if run.DeadlineAt != nil {
		fmt.Printf("Deadline:  %s\n", humanize.RelTime(*run.DeadlineAt, now, "ago", "from now"))
	}
	if run.HasLiveLease(now) {
		fmt.Printf("Lease:     held, expires %s\n", humanize.RelTime(*run.FencingExpiresAt, now, "ago", "from now"))
	} else {
		fmt.Println("Lease:     free")
	}

	if len(status.Subtasks) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tKEY\tSTATE\tATTEMPT\tWORKER\tCHECKPOINT\tCREDITS\tERROR")
	for _, sub := range status.Subtasks {
		worker := sub.AssignedWorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%d\t%d\t%s\n",
			sub.Index, sub.IdempotencyKey, sub.State, sub.AttemptCount, sub.MaxAttempts,
			worker, sub.CheckpointStep, sub.CreditsUsed, sub.LastError)
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	var states []domain.RunState
	for _, s := range listStates {
		state := domain.RunState(s)
		if err := domain.ValidateRunState(state); err != nil {
			return err
		}
		states = append(states, state)
	}

	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	runs, err := inst.engine.ListRuns(cmd.Context(), states, listLimit)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tSTATE\tPROGRESS\tCREDITS\tLAST ACTIVITY")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			run.ID, run.TenantID, run.State,
			run.CompletedSubtasks, run.TotalSubtasks,
			humanize.Comma(run.CreditsUsed),
			humanize.RelTime(run.ProgressAt(), now, "ago", "from now"))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	ctx := cmd.Context()
	runID := args[0]
	history, err := inst.engine.RunHistory(ctx, runID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tENTITY\tFROM\tTO\tVERSION\tBY\tREASON")
	var runOnly []domain.StateTransition
	for _, st := range history {
		entity := string(st.EntityKind)
		if st.EntityKind == domain.EntitySubtask {
			entity += " " + st.EntityID
		} else {
			runOnly = append(runOnly, st)
		}
		from := st.FromState
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			st.At.Format(time.RFC3339), entity, from, st.ToState, st.StateVersion, st.TransitionedBy, st.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%s\n", ledger.Explain(runOnly))

	if historyVerify {
		if err := inst.engine.VerifyHistory(ctx, runID); err != nil {
			return fmt.Errorf("history verification failed: %w", err)
		}
		fmt.Println("History verified")
	}
	return nil
}

func runStalled(cmd *cobra.Command, args []string) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	threshold := stalledThreshold
	if threshold == 0 {
		d, err := inst.cfg.Durations()
		if err != nil {
			return err
		}
		threshold = d.StallThreshold
	}

	ids, err := inst.engine.GetStalledRuns(cmd.Context(), threshold)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Printf("No runs without progress for %s\n", threshold)
		return nil
	}
	fmt.Printf("%d runs without progress for %s:\n", len(ids), threshold)
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

// adminAction opens an instance and applies fn to the run named in args
func adminAction(cmd *cobra.Command, args []string, done string, fn func(inst *instance, ctx context.Context, runID string) error) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	runID := args[0]
	if err := fn(inst, cmd.Context(), runID); err != nil {
		return err
	}
	fmt.Printf("Run %s %s\n", runID, done)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	return adminAction(cmd, args, "cancelled", func(inst *instance, ctx context.Context, runID string) error {
		return inst.engine.ForceCancel(ctx, runID, cancelReason)
	})
}

func runRetry(cmd *cobra.Command, args []string) error {
	return adminAction(cmd, args, "queued for retry", func(inst *instance, ctx context.Context, runID string) error {
		return inst.engine.ForceRetry(ctx, runID)
	})
}

func runPause(cmd *cobra.Command, args []string) error {
	return adminAction(cmd, args, "paused", func(inst *instance, ctx context.Context, runID string) error {
		return inst.engine.Pause(ctx, runID, pauseReason)
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	return adminAction(cmd, args, "resumed", func(inst *instance, ctx context.Context, runID string) error {
		return inst.engine.Resume(ctx, runID)
	})
}

func runTUI(cmd *cobra.Command, args []string) error {
	inst, err := openInstance()
	if err != nil {
		return err
	}
	defer inst.Close()

	d, err := inst.cfg.Durations()
	if err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelConfig{
		Source:          inst.engine,
		StallThreshold:  d.StallThreshold,
		RefreshInterval: 2 * time.Second,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// stateList renders states for flag help and messages
func stateList() string {
	names := make([]string, len(domain.AllRunStates))
	for i, s := range domain.AllRunStates {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
