package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/openclaw/webchat-bff/internal/middleware"
	"github.com/openclaw/webchat-bff/internal/pkg/response"
)

// ListSessions handles GET /api/sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	token := middleware.Token(c)
	sessions, err := h.sessions.List(c.Request.Context(), token)
	if err != nil {
		response.FromGatewayError(c, err)
		return
	}
	response.OK(c, sessions)
}

// CreateSession handles POST /api/sessions. title is optional.
func (h *Handlers) CreateSession(c *gin.Context) {
	token := middleware.Token(c)
	var req struct {
		Title string `json:"title"`
	}
	// An empty or absent body is valid; title simply stays "".
	_ = c.ShouldBindJSON(&req)

	sess, err := h.sessions.Create(c.Request.Context(), token, req.Title)
	if err != nil {
		response.FromGatewayError(c, err)
		return
	}
	response.Created(c, sess)
}

// History handles GET /api/sessions/:key/messages.
func (h *Handlers) History(c *gin.Context) {
	token := middleware.Token(c)
	key := c.Param("key")

	messages, err := h.sessions.History(c.Request.Context(), token, key)
	if err != nil {
		response.FromGatewayError(c, err)
		return
	}
	response.OK(c, messages)
}

// PatchSession handles PATCH /api/sessions/:key. Either field may be
// supplied alone or both together; archived is a local-only mutation while
// title round-trips through sessions.patch.
func (h *Handlers) PatchSession(c *gin.Context) {
	token := middleware.Token(c)
	key := c.Param("key")

	var req struct {
		Archived *bool   `json:"archived"`
		Title    *string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	if req.Archived == nil && req.Title == nil {
		response.BadRequest(c, "at least one of archived or title is required")
		return
	}

	result := gin.H{"sessionKey": key}

	if req.Title != nil {
		if err := h.sessions.Rename(c.Request.Context(), token, key, *req.Title); err != nil {
			response.FromGatewayError(c, err)
			return
		}
		result["title"] = *req.Title
	}

	if req.Archived != nil {
		if *req.Archived {
			h.sessions.Archive(token, key)
		} else {
			h.sessions.Unarchive(token, key)
		}
		result["archived"] = *req.Archived
	}

	response.OK(c, result)
}

// CloseSession handles DELETE /api/sessions/:key.
func (h *Handlers) CloseSession(c *gin.Context) {
	token := middleware.Token(c)
	key := c.Param("key")

	if err := h.sessions.Close(c.Request.Context(), token, key); err != nil {
		response.FromGatewayError(c, err)
		return
	}
	response.OK(c, gin.H{"closed": true, "sessionKey": key})
}
