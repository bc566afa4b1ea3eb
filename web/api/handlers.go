package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	State             string  `json:"state"`
	StateVersion      int64   `json:"state_version"`
	Mode              string  `json:"mode,omitempty"`
	Leased            bool    `json:"leased"`
	TotalSubtasks     int     `json:"total_subtasks"`
	CompletedSubtasks int     `json:"completed_subtasks"`
	FailedSubtasks    int     `json:"failed_subtasks"`
	SkippedSubtasks   int     `json:"skipped_subtasks"`
	CreditEstimate    int64   `json:"credit_estimate"`
	CreditsUsed       int64   `json:"credits_used"`
	Settled           bool    `json:"settled"`
	DeadlineAt        *string `json:"deadline_at,omitempty"`
	LastProgressAt    string  `json:"last_progress_at"`
	CreatedAt         string  `json:"created_at"`
}

// SubtaskResponse is the API response for a subtask
type SubtaskResponse struct {
	ID             string   `json:"id"`
	Index          int      `json:"index"`
	IdempotencyKey string   `json:"idempotency_key"`
	State          string   `json:"state"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Worker         string   `json:"worker,omitempty"`
	HeartbeatAt    *string  `json:"heartbeat_at,omitempty"`
	Attempt        int      `json:"attempt"`
	MaxAttempts    int      `json:"max_attempts"`
	Optional       bool     `json:"optional,omitempty"`
	CheckpointStep int64    `json:"checkpoint_step,omitempty"`
	CreditsUsed    int64    `json:"credits_used"`
	Error          string   `json:"error,omitempty"`
}

// RunDetailResponse is a run together with its subtasks
type RunDetailResponse struct {
	RunResponse
	Subtasks []SubtaskResponse `json:"subtasks"`
}

// TransitionResponse is one audit record
type TransitionResponse struct {
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Version    int64  `json:"version"`
	By         string `json:"by"`
	Reason     string `json:"reason,omitempty"`
	At         string `json:"at"`
}

// HistoryResponse is a run's audit trail
type HistoryResponse struct {
	RunID       string               `json:"run_id"`
	Transitions []TransitionResponse `json:"transitions"`
	Verified    *bool                `json:"verified,omitempty"`
	VerifyError string               `json:"verify_error,omitempty"`
}

// StatusResponse counts runs by state
type StatusResponse struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func runToResponse(r *domain.Run, now time.Time) RunResponse {
	return RunResponse{
		ID:                r.ID,
		TenantID:          r.TenantID,
		State:             string(r.State),
		StateVersion:      r.StateVersion,
		Mode:              r.OrchestratorMode,
		Leased:            r.HasLiveLease(now),
		TotalSubtasks:     r.TotalSubtasks,
		CompletedSubtasks: r.CompletedSubtasks,
		FailedSubtasks:    r.FailedSubtasks,
		SkippedSubtasks:   r.SkippedSubtasks,
		CreditEstimate:    r.CreditEstimate,
		CreditsUsed:       r.CreditsUsed,
		Settled:           r.Settled,
		DeadlineAt:        formatOptTime(r.DeadlineAt),
		LastProgressAt:    formatTime(r.ProgressAt()),
		CreatedAt:         formatTime(r.CreatedAt),
	}
}

func subtaskToResponse(s *domain.Subtask) SubtaskResponse {
	return SubtaskResponse{
		ID:             s.ID,
		Index:          s.Index,
		IdempotencyKey: s.IdempotencyKey,
		State:          string(s.State),
		DependsOn:      s.DependsOn,
		Worker:         s.AssignedWorkerID,
		HeartbeatAt:    formatOptTime(s.HeartbeatAt),
		Attempt:        s.AttemptCount,
		MaxAttempts:    s.MaxAttempts,
		Optional:       s.Optional,
		CheckpointStep: s.CheckpointStep,
		CreditsUsed:    s.CreditsUsed,
		Error:          s.LastError,
	}
}

func transitionToResponse(st domain.StateTransition) TransitionResponse {
	return TransitionResponse{
		EntityKind: string(st.EntityKind),
		EntityID:   st.EntityID,
		From:       st.FromState,
		To:         st.ToState,
		Version:    st.StateVersion,
		By:         st.TransitionedBy,
		Reason:     st.Reason,
		At:         formatTime(st.At),
	}
}

// parseStates reads a comma-separated state filter
func parseStates(raw string) ([]domain.RunState, error) {
	if raw == "" {
		return nil, nil
	}
	var states []domain.RunState
	for _, part := range strings.Split(raw, ",") {
		state := domain.RunState(strings.TrimSpace(part))
		if err := domain.ValidateRunState(state); err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.admin.ListRuns(r.Context(), nil, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		status := StatusResponse{Total: len(runs), ByState: make(map[string]int)}
		for _, run := range runs {
			status.ByState[string(run.State)]++
		}
		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		states, err := parseStates(r.URL.Query().Get("state"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}

		runs, err := s.admin.ListRuns(r.Context(), states, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		now := s.now()
		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run, now)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) stalledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		threshold, err := time.ParseDuration(r.URL.Query().Get("threshold"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "threshold must be a duration such as 5m")
			return
		}

		ids, err := s.admin.GetStalledRuns(r.Context(), threshold)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, map[string]interface{}{
			"threshold": threshold.String(),
			"runs":      ids,
		})
	}
}

// runHandler serves /api/runs/{id} and its actions
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		runID, action, _ := strings.Cut(path, "/")
		switch action {
		case "":
			s.getRun(w, r, runID)
		case "history":
			s.runHistory(w, r, runID)
		case "cancel", "retry", "pause", "resume":
			s.runAction(w, r, runID, action)
		default:
			writeError(w, http.StatusNotFound, "unknown action "+action)
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, err := s.admin.GetRunStatus(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := RunDetailResponse{
		RunResponse: runToResponse(status.Run, s.now()),
		Subtasks:    make([]SubtaskResponse, len(status.Subtasks)),
	}
	for i, sub := range status.Subtasks {
		resp.Subtasks[i] = subtaskToResponse(sub)
	}
	writeJSON(w, resp)
}

func (s *Server) runHistory(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	history, err := s.admin.RunHistory(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := HistoryResponse{RunID: runID, Transitions: make([]TransitionResponse, len(history))}
	for i, st := range history {
		resp.Transitions[i] = transitionToResponse(st)
	}

	if verify, _ := strconv.ParseBool(r.URL.Query().Get("verify")); verify {
		ok := true
		if err := s.admin.VerifyHistory(r.Context(), runID); err != nil {
			ok = false
			resp.VerifyError = err.Error()
		}
		resp.Verified = &ok
	}
	writeJSON(w, resp)
}

type actionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, runID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req actionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx := r.Context()
	var err error
	switch action {
	case "cancel":
		err = s.admin.ForceCancel(ctx, runID, req.Reason)
	case "retry":
		err = s.admin.ForceRetry(ctx, runID)
	case "pause":
		err = s.admin.Pause(ctx, runID, req.Reason)
	case "resume":
		err = s.admin.Resume(ctx, runID)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status, err := s.admin.GetRunStatus(ctx, runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	run := runToResponse(status.Run, s.now())
	s.Broadcast(SSEEvent{Type: "run_update", Data: run})
	writeJSON(w, run)
}
