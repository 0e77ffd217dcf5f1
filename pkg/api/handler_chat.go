package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/tasks"
)

// createChatRequest is the POST /chats body.
type createChatRequest struct {
	Tenant       string         `json:"tenant"`
	SystemPrompt string         `json:"system_prompt"`
	Workspace    string         `json:"workspace"`
	AllowedTools []string       `json:"allowed_tools"`
	MaxTurns     int            `json:"max_turns"`
	Metadata     map[string]any `json:"metadata"`
}

// updateChatRequest is the PATCH /chats/:id body. Absent fields stay
// unchanged.
type updateChatRequest struct {
	SystemPrompt *string        `json:"system_prompt"`
	Workspace    *string        `json:"workspace"`
	AllowedTools []string       `json:"allowed_tools"`
	MaxTurns     *int           `json:"max_turns"`
	Metadata     map[string]any `json:"metadata"`
}

// submitMessageRequest is the POST /chats/:id/messages body.
type submitMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleListChats(c *gin.Context) {
	metadataFilter := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if name, ok := strings.CutPrefix(key, "metadata_"); ok && len(values) > 0 {
			metadataFilter[name] = values[0]
		}
	}

	chats, err := s.chats.ListChats(c.Request.Context(), c.Query("tenant"), metadataFilter)
	if err != nil {
		respondError(c, err)
		return
	}
	if chats == nil {
		chats = []*chat.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) handleCreateChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.MaxTurns < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_turns must be non-negative"})
		return
	}

	id, err := s.chats.CreateChat(c.Request.Context(), chat.CreateParams{
		Tenant:       req.Tenant,
		SystemPrompt: req.SystemPrompt,
		Workspace:    req.Workspace,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleGetChat(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	chatConfig, messages, err := s.chats.GetChatWithMessages(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"chat": chatConfig, "messages": messages})
}

func (s *Server) handleUpdateChat(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	var req updateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.MaxTurns != nil && *req.MaxTurns <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_turns must be positive"})
		return
	}

	err := s.chats.UpdateChat(c.Request.Context(), id, chat.UpdateParams{
		SystemPrompt: req.SystemPrompt,
		Workspace:    req.Workspace,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	// 404 for unknown chats rather than an empty list.
	if _, err := s.chats.GetChat(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	includeTools := c.Query("include_tools") == "true"
	timeline, err := s.chats.ListMessages(c.Request.Context(), id, includeTools)
	if err != nil {
		respondError(c, err)
		return
	}
	if timeline == nil {
		timeline = []chat.TimelineEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": timeline})
}

// handleSubmitMessage queues an agent turn for the chat. At most one task
// per chat may be in flight; a second submit is rejected with 409 and the
// blocking task's id.
func (s *Server) handleSubmitMessage(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	chatConfig, err := s.chats.GetChat(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	active, err := s.tasks.ActiveForChat(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if active != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "chat already has an active task",
			"task_id": active.ID,
		})
		return
	}

	taskID, err := s.tasks.Create(c.Request.Context(), tasks.CreateParams{
		Type:      tasks.TypeAgent,
		Prompt:    req.Content,
		Workspace: chatConfig.Workspace,
		ChatID:    &id,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// Claude Sonnet pricing per million tokens, used for the usage estimate.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

func (s *Server) handleUsage(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	until, ok := queryTime(c, "until")
	if !ok {
		return
	}

	usage, err := s.chats.GetUsage(c.Request.Context(), c.Query("tenant"), since, until)
	if err != nil {
		respondError(c, err)
		return
	}

	cost := float64(usage.TotalInputTokens)/1e6*inputCostPerMTok +
		float64(usage.TotalOutputTokens)/1e6*outputCostPerMTok
	c.JSON(http.StatusOK, gin.H{
		"total_input_tokens":  usage.TotalInputTokens,
		"total_output_tokens": usage.TotalOutputTokens,
		"message_count":       usage.MessageCount,
		"estimated_cost_usd":  cost,
	})
}

// paramID parses the :id path parameter, writing a 404 on malformed input so
// /chats/abc behaves like a missing resource.
func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return 0, false
	}
	return id, true
}

func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC 3339"})
		return nil, false
	}
	return &ts, true
}
