package api

import (
	"net/http"
	"time"

	"github.com/x-mirror/internal/lease"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/ratelimit"
	"github.com/x-mirror/internal/types"
)

var statusTasks = []string{types.TaskFetch, types.TaskMediaBackfill, types.TaskMediaCleanup}

// TaskView is the status of one task key
type TaskView struct {
	Task        string           `json:"task"`
	Status      types.TaskStatus `json:"status"`
	Live        bool             `json:"live"`
	Attempt     int              `json:"attempt"`
	Summary     string           `json:"summary,omitempty"`
	LastError   *string          `json:"lastError,omitempty"`
	NextRetryAt *time.Time       `json:"nextRetryAt,omitempty"`
	HeartbeatAt *time.Time       `json:"heartbeatAt,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	FinishedAt  *time.Time       `json:"finishedAt,omitempty"`
	Progress    interface{}      `json:"progress,omitempty"`
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Tasks      []TaskView              `json:"tasks"`
	RateLimits []*models.UserRateLimit `json:"rateLimits"`
	Budget     *ratelimit.UsageStats   `json:"budget,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

func (s *Server) taskView(key string, run *models.TaskRun, now time.Time) TaskView {
	if run == nil {
		return TaskView{Task: key, Status: types.TaskIdle}
	}
	v := TaskView{
		Task:        key,
		Status:      run.Status,
		Live:        run.IsLive(now, s.leases.StaleAfter()),
		Attempt:     run.Attempt,
		LastError:   run.LastError,
		NextRetryAt: run.NextRetryAt,
		HeartbeatAt: run.HeartbeatAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
	if res, ok := lease.Decode[struct {
		Summary string `json:"summary"`
	}](run.Result); ok {
		v.Summary = res.Summary
	}
	if p, ok := lease.Decode[map[string]interface{}](run.Progress); ok {
		v.Progress = p
	}
	return v
}

// handleStatus reports the task runs and the active account cooldowns
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()

	runs, err := s.leases.List(ctx, statusTasks)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to load task runs", nil)
		return
	}
	byKey := make(map[string]*models.TaskRun, len(runs))
	for _, run := range runs {
		byKey[run.TaskKey] = run
	}

	limits, err := s.rateLimits.ListActive(ctx, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to load rate limits", nil)
		return
	}
	if limits == nil {
		limits = []*models.UserRateLimit{}
	}

	resp := StatusResponse{RateLimits: limits, Timestamp: now.UTC()}
	if s.budget != nil {
		usage, err := s.budget.GetUsage(ctx)
		if err != nil {
			logging.FromContext(ctx).Warnf("Request budget unavailable: %v", err)
		} else {
			resp.Budget = usage
		}
	}
	for _, key := range statusTasks {
		resp.Tasks = append(resp.Tasks, s.taskView(key, byKey[key], now))
	}
	respondJSON(w, http.StatusOK, resp)
}
