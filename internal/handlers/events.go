package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
)

var heartbeatInterval = 25 * time.Second

// StreamEvents relays bus events to the client as server-sent events.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	ctx := c.Request.Context()
	ch, cancel, err := h.events.Subscribe(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", events.Event{Type: "heartbeat", Timestamp: time.Now().UTC()})
			return true
		}
	})
}
