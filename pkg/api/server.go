// Package api exposes the HTTP surface: chat and task management, the live
// SSE event stream, and usage reporting.
package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otomata/otomata/pkg/chat"
	"github.com/otomata/otomata/pkg/events"
	"github.com/otomata/otomata/pkg/tasks"
)

// ChatStore is the chat persistence surface the handlers need.
type ChatStore interface {
	CreateChat(ctx context.Context, p chat.CreateParams) (int64, error)
	GetChat(ctx context.Context, id int64) (*chat.Chat, error)
	ListChats(ctx context.Context, tenant string, metadataFilter map[string]string) ([]*chat.Chat, error)
	UpdateChat(ctx context.Context, id int64, p chat.UpdateParams) error
	GetChatWithMessages(ctx context.Context, id int64) (*chat.Chat, []*chat.Message, error)
	ListMessages(ctx context.Context, chatID int64, includeTools bool) ([]chat.TimelineEntry, error)
	GetUsage(ctx context.Context, tenant string, since, until *time.Time) (*chat.Usage, error)
}

// TaskStore is the task persistence surface the handlers need.
type TaskStore interface {
	Create(ctx context.Context, p tasks.CreateParams) (int64, error)
	Get(ctx context.Context, id int64) (*tasks.Task, error)
	List(ctx context.Context, status tasks.Status, limit int) ([]*tasks.Task, error)
	Retry(ctx context.Context, id int64) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	ActiveForChat(ctx context.Context, chatID int64) (*tasks.Task, error)
}

// EventSource is the live event tail the SSE handler consumes.
type EventSource interface {
	Snapshot(taskID int64, afterIndex int) []events.Event
	Wait(ctx context.Context, taskID int64, timeout time.Duration) bool
}

// Config holds the server's HTTP-level settings.
type Config struct {
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey string
	// CORSOrigins lists allowed origins; empty means allow all.
	CORSOrigins []string
}

// Server wires the HTTP handlers to the stores.
type Server struct {
	cfg    Config
	db     *sql.DB
	chats  ChatStore
	tasks  TaskStore
	events EventSource
}

// NewServer creates a Server. db powers the health endpoint's pool stats and
// may be nil in tests.
func NewServer(cfg Config, db *sql.DB, chats ChatStore, taskStore TaskStore, eventSource EventSource) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		chats:  chats,
		tasks:  taskStore,
		events: eventSource,
	}
}

// Router builds the gin engine with all routes and middleware installed.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.CORSOrigins))

	router.GET("/health", s.handleHealth)

	authed := router.Group("/", apiKeyMiddleware(s.cfg.APIKey))
	{
		authed.GET("/chats", s.handleListChats)
		authed.POST("/chats", s.handleCreateChat)
		authed.GET("/chats/:id", s.handleGetChat)
		authed.PATCH("/chats/:id", s.handleUpdateChat)
		authed.GET("/chats/:id/messages", s.handleListMessages)
		authed.POST("/chats/:id/messages", s.handleSubmitMessage)
		authed.GET("/chats/:id/events", s.handleChatEvents)

		authed.GET("/usage", s.handleUsage)

		authed.GET("/tasks", s.handleListTasks)
		authed.POST("/tasks", s.handleCreateTask)
		authed.GET("/tasks/:id", s.handleGetTask)
		authed.POST("/tasks/:id/retry", s.handleRetryTask)
		authed.DELETE("/tasks/:id", s.handleCancelTask)
	}
	return router
}
