package handlers

import (
	"net/http"

	"github.com/btli/remote-dev-sub002/internal/scheduler"
)

// Health reports process liveness and whether the scheduler is running.
func Health(orch *scheduler.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"scheduler": orch != nil && orch.Running(),
		})
	}
}
