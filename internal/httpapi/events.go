package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	ev "github.com/openclaw/webchat-bff/internal/events"
	"github.com/openclaw/webchat-bff/internal/middleware"
)

// sseSubscriber adapts an http.ResponseWriter/http.Flusher pair to
// events.Writer. Write calls are serialized: Forwarder.broadcast may be
// invoked from the keepalive and event-dispatch goroutines concurrently,
// and gin's ResponseWriter is not safe for concurrent writes.
type sseSubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSubscriber) Write(pe ev.PushEvent) error {
	data, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Events handles GET /api/events: the persistent SSE push channel backed by
// the event forwarder. It stays open until the browser disconnects, at
// which point the subscriber is unregistered.
func (h *Handlers) Events(c *gin.Context) {
	token := middleware.Token(c)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	// Flush the headers now so the browser sees the stream open immediately
	// instead of waiting up to 30s for the first keepalive.
	flusher.Flush()

	sub := &sseSubscriber{w: c.Writer, flusher: flusher}
	unsubscribe := h.forwarder.Subscribe(token, sub)
	defer unsubscribe()

	<-c.Request.Context().Done()
}
