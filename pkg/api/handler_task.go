package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otomata/otomata/pkg/tasks"
)

// createTaskRequest is the POST /tasks body.
type createTaskRequest struct {
	Type       string          `json:"task_type"`
	ScriptPath string          `json:"script_path"`
	Params     json.RawMessage `json:"params"`
	Prompt     string          `json:"prompt"`
	Workspace  string          `json:"workspace"`
	SessionID  string          `json:"session_id"`
	ChatID     *int64          `json:"chat_id"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := tasks.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	list, err := s.tasks.List(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	taskType := tasks.Type(req.Type)
	switch taskType {
	case tasks.TypeScript:
		if req.ScriptPath == "" && len(req.Params) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "script tasks require script_path or params"})
			return
		}
	case tasks.TypeAgent:
		if req.Prompt == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent tasks require a prompt"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_type must be script or agent"})
		return
	}

	id, err := s.tasks.Create(c.Request.Context(), tasks.CreateParams{
		Type:       taskType,
		ScriptPath: req.ScriptPath,
		Params:     req.Params,
		Prompt:     req.Prompt,
		Workspace:  req.Workspace,
		SessionID:  req.SessionID,
		ChatID:     req.ChatID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	task, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRetryTask re-queues a failed task. Anything not failed is a 400.
func (s *Server) handleRetryTask(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	retried, err := s.tasks.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !retried {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is not in a retryable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleCancelTask deletes a pending task. Running and terminal tasks cannot
// be cancelled.
func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	cancelled, err := s.tasks.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is not in a cancellable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
