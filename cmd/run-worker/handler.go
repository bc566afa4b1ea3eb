package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hochfrequenz/run-orchestrator/internal/workerclient"
)

// checkpointPrefix marks a stdout line as a checkpoint: "::checkpoint <step> <data>"
const checkpointPrefix = "::checkpoint "

// commandPayload is the subtask payload the shell handler executes
type commandPayload struct {
	Command string `json:"command"`
	Credits int64  `json:"credits"`
}

type saveFunc func(ctx context.Context, step int64, data []byte) error

// shellHandler runs each subtask's command with sh -c.
// Payloads that are not a command object are echoed back as the result.
type shellHandler struct {
	workDir string
}

func (h *shellHandler) Handle(ctx context.Context, job *workerclient.Job) workerclient.Result {
	return h.execute(ctx, job, job.SaveCheckpoint)
}

func (h *shellHandler) execute(ctx context.Context, job *workerclient.Job, save saveFunc) workerclient.Result {
	var payload commandPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.Command == "" {
		return workerclient.Completed(job.Payload, 0)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", payload.Command)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return workerclient.Failed(err, 0)
	}
	if err := cmd.Start(); err != nil {
		return workerclient.Failed(fmt.Errorf("starting command: %w", err), 0)
	}

	output, scanErr := scanOutput(ctx, stdout, save)
	if err := cmd.Wait(); err != nil {
		return workerclient.Failed(fmt.Errorf("command failed: %w", err), payload.Credits)
	}
	if scanErr != nil {
		return workerclient.Failed(scanErr, payload.Credits)
	}
	return workerclient.Completed([]byte(output), payload.Credits)
}

// scanOutput collects stdout, saving checkpoint lines as they arrive.
// A failed save stops the scan; the rest of the output is drained.
func scanOutput(ctx context.Context, r io.Reader, save saveFunc) (string, error) {
	var out strings.Builder
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, checkpointPrefix) {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		step, data, err := parseCheckpoint(strings.TrimPrefix(line, checkpointPrefix))
		if err == nil {
			err = save(ctx, step, data)
		}
		if err != nil {
			io.Copy(io.Discard, r)
			return out.String(), fmt.Errorf("checkpoint: %w", err)
		}
	}
	return out.String(), scanner.Err()
}

func parseCheckpoint(s string) (int64, []byte, error) {
	stepStr, data, _ := strings.Cut(strings.TrimSpace(s), " ")
	step, err := strconv.ParseInt(stepStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid step %q", stepStr)
	}
	return step, []byte(data), nil
}

// jobEnv exposes the assignment to the command
func jobEnv(job *workerclient.Job) []string {
	env := []string{
		"RUN_ID=" + job.RunID,
		"SUBTASK_ID=" + job.SubtaskID,
		"IDEMPOTENCY_KEY=" + job.IdempotencyKey,
		"ATTEMPT=" + strconv.Itoa(job.Attempt),
	}
	if job.ResumeFrom != nil {
		env = append(env,
			"CHECKPOINT_STEP="+strconv.FormatInt(job.ResumeFrom.Step, 10),
			"CHECKPOINT_DATA="+string(job.ResumeFrom.Data))
	}
	return env
}
