package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otomata/otomata/pkg/events"
)

// sseWaitTimeout is how long the stream blocks for new events before sending
// a keepalive comment and re-checking task status.
const sseWaitTimeout = 30 * time.Second

// handleChatEvents streams the chat's active task events as server-sent
// events. The stream alternates a non-blocking snapshot with a bounded wait;
// whenever a snapshot comes back empty the task's status is consulted, so a
// terminal state reached without a visible emit (the tail cleaned up before
// this subscriber connected, a worker crash) still ends the stream with a
// terminal frame instead of hanging the client.
func (s *Server) handleChatEvents(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if _, err := s.chats.GetChat(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	task, err := s.tasks.ActiveForChat(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat has no active task"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	index := 0
	for {
		batch := s.events.Snapshot(task.ID, index)
		index += len(batch)

		for _, event := range batch {
			writeEvent(c, flusher, event)
			if event.Terminal() {
				return
			}
		}

		if len(batch) == 0 {
			current, err := s.tasks.Get(ctx, task.ID)
			if err != nil || current.Status.Terminal() {
				writeEvent(c, flusher, syntheticComplete())
				return
			}
		}

		if s.events.Wait(ctx, task.ID, sseWaitTimeout) {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		c.Writer.WriteString(": keepalive\n\n")
		flusher.Flush()
	}
}

// writeEvent sends one SSE data frame.
func writeEvent(c *gin.Context, flusher http.Flusher, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.Writer.WriteString("data: ")
	c.Writer.Write(data)
	c.Writer.WriteString("\n\n")
	flusher.Flush()
}

// syntheticComplete is the terminal frame for streams that never saw the
// task's own complete emit.
func syntheticComplete() events.Event {
	return events.Event{
		Type:      events.TypeComplete,
		Timestamp: time.Now().UTC(),
	}
}
