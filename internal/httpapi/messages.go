package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/webchat-bff/internal/gateway"
	"github.com/openclaw/webchat-bff/internal/middleware"
	"github.com/openclaw/webchat-bff/internal/pkg/response"
	"github.com/openclaw/webchat-bff/internal/session"
)

const (
	maxImagesPerMessage = 10
	maxImageBytes       = 10 << 20 // 10 MB
)

// SendMessage handles POST /api/sessions/:key/messages: blocks until
// chat.send resolves.
func (h *Handlers) SendMessage(c *gin.Context) {
	token := middleware.Token(c)
	key := c.Param("key")

	images, err := parseImages(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.sessions.Send(c.Request.Context(), token, key, c.PostForm("text"), images); err != nil {
		response.FromGatewayError(c, err)
		return
	}
	response.Created(c, gin.H{"accepted": true})
}

// StreamMessage handles POST /api/sessions/:key/messages/stream: the
// per-request SSE endpoint. It emits a status frame immediately, relays
// chunks and the done frame from SendStream, and closes.
func (h *Handlers) StreamMessage(c *gin.Context) {
	if !h.streamingEnabled {
		response.StreamingDisabled(c, "streaming is disabled")
		return
	}

	token := middleware.Token(c)
	key := c.Param("key")

	images, err := parseImages(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	text := c.PostForm("text")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	writeSSE(c.Writer, flusher, gin.H{"type": "status", "status": "sending"})

	events, err := h.sessions.SendStream(c.Request.Context(), token, key, text, images)
	if err != nil {
		writeStreamError(c.Writer, flusher, err)
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventChunk:
				writeSSE(c.Writer, flusher, gin.H{"type": "chunk", "text": ev.Text})
			case session.EventDone:
				if ev.Err != nil {
					writeStreamError(c.Writer, flusher, ev.Err)
					return
				}
				writeSSE(c.Writer, flusher, gin.H{"type": "done", "accepted": true})
				return
			}
		}
	}
}

// writeStreamError emits the {type:"error",...} frame that terminates a
// stream without a matching "done".
func writeStreamError(w http.ResponseWriter, flusher http.Flusher, err error) {
	code := string(gateway.CodeRPCError)
	if gerr, ok := err.(*gateway.Error); ok {
		code = string(gerr.Code)
	}
	writeSSE(w, flusher, gin.H{"type": "error", "code": code, "message": err.Error()})
}

// writeSSE formats and writes a single SSE event.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// parseImages extracts and base64-encodes the images[] multipart field,
// enforcing the upload limits: up to 10 images, each at most 10 MB.
func parseImages(c *gin.Context) ([]session.ImageAttachment, error) {
	form, err := c.MultipartForm()
	if err != nil {
		// A non-multipart body (e.g. no attachments at all) is fine; text
		// still arrives via c.PostForm for application/x-www-form-urlencoded.
		return nil, nil
	}

	files := form.File["images[]"]
	if len(files) == 0 {
		files = form.File["images"]
	}
	if len(files) > maxImagesPerMessage {
		return nil, fmt.Errorf("at most %d images are allowed per message", maxImagesPerMessage)
	}

	out := make([]session.ImageAttachment, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxImageBytes {
			return nil, fmt.Errorf("image %q exceeds the %d MB limit", fh.Filename, maxImageBytes>>20)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", fh.Filename, err)
		}
		out = append(out, session.ImageAttachment{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Bytes:    base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}
