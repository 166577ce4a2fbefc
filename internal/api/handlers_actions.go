package api

import (
	"errors"
	"net/http"

	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/job"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/models"
	"github.com/x-mirror/internal/types"
)

// ActionResponse is the body of an accepted trigger
type ActionResponse struct {
	Accepted bool            `json:"accepted"`
	Task     string          `json:"task"`
	RunID    string          `json:"runId"`
	Attempt  int             `json:"attempt"`
	Run      *models.TaskRun `json:"run"`
}

// BackfillRequest is the optional body of POST /api/actions/media-backfill
type BackfillRequest struct {
	Usernames []string `json:"usernames,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

func (s *Server) handleActionFetch(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, job.Request{Task: types.TaskFetch, Manual: true})
}

func (s *Server) handleActionBackfill(w http.ResponseWriter, r *http.Request) {
	var body BackfillRequest
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.submit(w, r, job.Request{
		Task: types.TaskMediaBackfill,
		Backfill: media.BackfillParams{
			Usernames: body.Usernames,
			Limit:     body.Limit,
			Force:     body.Force,
		},
		Manual: true,
	})
}

func (s *Server) handleActionCleanup(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, job.Request{Task: types.TaskMediaCleanup, Manual: true})
}

// submit starts a task in the background and answers right away: 202 when
// the lease was granted, 409 when another run holds it or a retry window is
// pending.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req job.Request) {
	logger := logging.FromContext(r.Context()).WithField("task", req.Task)

	report, err := s.jobs.Submit(r.Context(), req)
	if errors.Is(err, job.ErrStopped) {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Service is shutting down", nil)
		return
	}
	if err != nil {
		logger.WithError(err).Warn("Task trigger failed")
		respondAppError(w, err)
		return
	}

	out := report.Outcome
	if !out.Granted() {
		logger.WithField("reason", string(out.Reason)).Info("Task trigger denied")
		conflict := apperrors.NewLeaseConflictError(req.Task, string(out.Reason))
		details := conflict.Details
		if out.Run != nil {
			details["run"] = out.Run
		}
		respondError(w, conflict.StatusCode, conflict.Code, conflict.Message, details)
		return
	}

	logger.WithField("runId", out.Lease.RunID()).Info("Task triggered")
	respondJSON(w, http.StatusAccepted, ActionResponse{
		Accepted: true,
		Task:     req.Task,
		RunID:    out.Lease.RunID(),
		Attempt:  out.Lease.Attempt(),
		Run:      out.Run,
	})
}
