package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamState pushes a state snapshot after every change as server-sent
// events, starting with the current one.
func (h *Handler) StreamState(c *gin.Context) {
	orch, _, found := h.resolve(c)
	if !found {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	updates, unsubscribe := orch.Subscribe(16)
	defer unsubscribe()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	writeJSON("state", orch.State())
	ctx := c.Request.Context()
	for {
		select {
		case st, open := <-updates:
			if !open {
				return
			}
			writeJSON("state", st)
		case <-ticker.C:
			writeJSON("ping", gin.H{"ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}
