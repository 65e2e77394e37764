package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/btli/remote-dev-sub002/internal/gateway"
	"github.com/btli/remote-dev-sub002/internal/scheduler"
	"github.com/go-chi/chi/v5"
)

// Control exposes the internal surface the web application drives:
// scheduler job management and agent-exit notifications for live
// sessions.
type Control struct {
	Orchestrator *scheduler.Orchestrator
	Gateway      *gateway.Gateway

	// Preview reads recent pane contents; nil disables the endpoint.
	Preview PanePreviewer
}

// PanePreviewer captures recent scrollback for a tmux session name.
type PanePreviewer interface {
	CapturePane(ctx context.Context, name string, lines int) (string, error)
}

type scheduleRequest struct {
	ScheduleID uint   `json:"scheduleId"`
	SessionID  string `json:"sessionId"`
}

func (c *Control) readScheduleID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID == 0 {
		writeError(w, http.StatusBadRequest, "scheduleId required")
		return 0, false
	}
	return req.ScheduleID, true
}

func (c *Control) AddJob(w http.ResponseWriter, r *http.Request) {
	id, ok := c.readScheduleID(w, r)
	if !ok {
		return
	}
	if err := c.Orchestrator.Add(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (c *Control) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := c.readScheduleID(w, r)
	if !ok {
		return
	}
	if err := c.Orchestrator.Update(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (c *Control) RemoveJob(w http.ResponseWriter, r *http.Request) {
	id, ok := c.readScheduleID(w, r)
	if !ok {
		return
	}
	c.Orchestrator.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (c *Control) PauseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := c.readScheduleID(w, r)
	if !ok {
		return
	}
	if err := c.Orchestrator.Pause(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (c *Control) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := c.readScheduleID(w, r)
	if !ok {
		return
	}
	if err := c.Orchestrator.Resume(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (c *Control) RemoveSessionJobs(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	removed := c.Orchestrator.RemoveSessionJobs(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "removed", "count": removed})
}

func (c *Control) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	jobs := c.Orchestrator.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":  c.Orchestrator.Running(),
		"jobCount": len(jobs),
		"jobs":     jobs,
	})
}

// AgentExit is the hook the web application calls when an agent process
// reports exit. It pushes agent_exited to the live channel if one is
// connected, and reports a no-op otherwise.
func (c *Control) AgentExit(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	exitCode, _ := strconv.Atoi(r.URL.Query().Get("exitCode"))

	notified := c.Gateway.NotifyAgentExit(sessionID, exitCode)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notified": notified,
	})
}

// SessionPreview returns the last lines of the session's tmux pane.
func (c *Control) SessionPreview(w http.ResponseWriter, r *http.Request) {
	if c.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, "preview unavailable")
		return
	}
	name := chi.URLParam(r, "tmuxName")
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	content, err := c.Preview.CapturePane(r.Context(), name, lines)
	if err != nil {
		writeError(w, http.StatusNotFound, "capture failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}
