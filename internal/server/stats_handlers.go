package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/playground/internal/store"
)

// activeExecution is a running execution with its age at request time.
type activeExecution struct {
	store.RunningExecution
	DurationSeconds float64 `json:"duration_seconds"`
}

type activeResp struct {
	ActiveExecutions []activeExecution `json:"activeExecutions"`
}

func (r *Router) handleUserStatistics(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	st, err := r.opts.Statistics.UserStatistics(c.Request.Context(), p.UserID)
	if err != nil {
		r.logger.Error("user statistics failed", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get user statistics")
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleActiveExecutions(c *gin.Context) {
	running, err := r.opts.Statistics.ListRunning(c.Request.Context())
	if err != nil {
		r.logger.Error("active executions failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get active executions")
		return
	}
	now := time.Now()
	out := make([]activeExecution, 0, len(running))
	for _, e := range running {
		d := now.Sub(e.StartedAt).Seconds()
		if d < 0 {
			d = 0
		}
		out = append(out, activeExecution{RunningExecution: e, DurationSeconds: d})
	}
	writeJSON(c, http.StatusOK, activeResp{ActiveExecutions: out})
}
