package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/execution"
	"github.com/loykin/playground/internal/scenario"
	"github.com/loykin/playground/internal/store"
)

type executeRequest struct {
	PlaygroundType string `json:"playgroundType"`
	ScenarioName   string `json:"scenarioName"`
	ScriptName     string `json:"scriptName"`
}

type executeResp struct {
	Message     string `json:"message"`
	ExecutionID string `json:"executionId"`
}

type historyResp struct {
	Executions []store.Execution `json:"executions"`
}

type scenariosResp struct {
	Scenarios []scenario.Descriptor `json:"scenarios"`
}

type prerequisiteRequest struct {
	PlaygroundType string `json:"playgroundType"`
}

func principal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.Current(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "Authentication required")
	}
	return p, ok
}

func (r *Router) handleExecute(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	if strings.TrimSpace(req.PlaygroundType) == "" || strings.TrimSpace(req.ScenarioName) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "Playground type and scenario name are required")
		return
	}
	id, err := r.opts.Executions.Trigger(c.Request.Context(), p.UserID, scenario.Request{
		Category: req.PlaygroundType,
		Scenario: req.ScenarioName,
		Script:   req.ScriptName,
	})
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, execution.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, "unavailable", "Server is shutting down")
		return
	case err != nil:
		r.logger.Error("trigger execution", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusInternalServerError, "execution_failed", "Failed to start execution")
		return
	}
	msg := "Scenario execution started"
	if s := strings.TrimSpace(req.ScriptName); s != "" {
		msg = fmt.Sprintf("Script '%s' execution started", s)
	}
	writeJSON(c, http.StatusOK, executeResp{Message: msg, ExecutionID: id})
}

func (r *Router) handleExecution(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	e, err := r.opts.Executions.Get(c.Request.Context(), p.UserID, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", "Execution not found")
		return
	}
	if err != nil {
		r.logger.Error("get execution", "execution_id", c.Param("id"), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to fetch execution")
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleCancel(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id := c.Param("id")
	err := r.opts.Executions.Cancel(c.Request.Context(), p.UserID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Execution not found")
		return
	case errors.Is(err, execution.ErrNotRunning):
		respondError(c, http.StatusConflict, "not_running", "Execution is not running")
		return
	case err != nil:
		r.logger.Error("cancel execution", "execution_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to cancel execution")
		return
	}
	writeJSON(c, http.StatusAccepted, executeResp{Message: "Cancellation requested", ExecutionID: id})
}

func (r *Router) handleHistory(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	page, err := parsePaginationParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list, err := r.opts.Executions.History(c.Request.Context(), p.UserID, page.Limit, page.Offset)
	if err != nil {
		r.logger.Error("list executions", "user_id", p.UserID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to fetch history")
		return
	}
	writeJSON(c, http.StatusOK, historyResp{Executions: list})
}

func (r *Router) handleScenarios(c *gin.Context) {
	category := c.Param("playgroundType")
	list, err := r.opts.Catalog.List(category)
	if errors.Is(err, scenario.ErrUnsupportedCategory) {
		respondError(c, http.StatusBadRequest, "invalid_request", "Unknown playground type: "+category)
		return
	}
	if err != nil {
		r.logger.Error("list scenarios", "category", category, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list scenarios")
		return
	}
	writeJSON(c, http.StatusOK, scenariosResp{Scenarios: list})
}

func (r *Router) handlePrerequisites(c *gin.Context) {
	var req prerequisiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	if strings.TrimSpace(req.PlaygroundType) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "Playground type is required")
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Catalog.CheckPrerequisites(c.Request.Context(), req.PlaygroundType))
}
