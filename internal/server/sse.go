package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/ces/internal/common/errors"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// SSE event names.
const (
	sseEventOutput = "output"
	sseEventResult = "result"
	sseEventError  = "error"
	sseEventDone   = "done"
)

// streamExecution serves one execution's event stream as Server-Sent
// Events: full replay from sequence zero, then live events, then a result
// event and a done marker. The connection always ends with done.
func (h *Handler) streamExecution(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	hub, ok := s.Hub(c.Param("exec_id"))
	if !ok {
		h.respondError(c, apperrors.NotFound("execution", c.Param("exec_id")))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.respondError(c, apperrors.InternalError("streaming unsupported", nil))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	log := h.logger.WithSessionID(s.ID()).WithExecID(hub.ExecID())

	for _, ev := range sub.Replay() {
		if !writeSSEEvent(c, flusher, ev) {
			return
		}
		if ev.Terminal {
			writeSSE(c, flusher, sseEventDone, gin.H{})
			return
		}
	}

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				if sub.Lagged() {
					// The consumer fell behind and the hub dropped it; tell
					// it instead of silently ending the stream.
					log.Warn("stream subscriber lagged, closing")
					writeSSE(c, flusher, sseEventError, gin.H{
						"code":    "SUBSCRIBER_LAGGED",
						"message": "subscriber fell behind",
					})
				}
				writeSSE(c, flusher, sseEventDone, gin.H{})
				return
			}
			if !writeSSEEvent(c, flusher, ev) {
				return
			}
			if ev.Terminal {
				writeSSE(c, flusher, sseEventDone, gin.H{})
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeSSEEvent renders one hub event; terminal results go out under the
// result event name, everything else under output.
func writeSSEEvent(c *gin.Context, flusher http.Flusher, ev v1.OutputEvent) bool {
	name := sseEventOutput
	if ev.Terminal {
		name = sseEventResult
	}
	return writeSSE(c, flusher, name, ev)
}

// writeSSE writes one named SSE frame and flushes it.
func writeSSE(c *gin.Context, flusher http.Flusher, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("event: " + event + "\ndata: " + string(data) + "\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
