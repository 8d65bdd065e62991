package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/openclaw/webchat-bff/internal/middleware"
	"github.com/openclaw/webchat-bff/internal/pkg/response"
)

// VerifyToken handles POST /api/auth/verify. Unlike every other endpoint,
// the token travels in the JSON body rather than the Authorization header:
// this is the one route a browser calls before it has anything to put in a
// header.
func (h *Handlers) VerifyToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "token is required")
		return
	}

	ok, err := h.pool.VerifyToken(c.Request.Context(), req.Token)
	if err != nil {
		response.FromGatewayError(c, err)
		return
	}
	if !ok {
		// Distinct from the generic UNAUTHORIZED code so the login UI can
		// tell "never valid" apart from "expired session".
		response.InvalidToken(c, "invalid or expired token")
		return
	}
	response.OK(c, gin.H{"verified": true})
}

// GatewayStatus handles GET /api/gateway/status: a read-only projection of
// this token's connection-pool entry.
func (h *Handlers) GatewayStatus(c *gin.Context) {
	token := middleware.Token(c)
	st := h.pool.StatusFor(token)
	response.OK(c, gin.H{
		"state":       st.State,
		"present":     st.Present,
		"isConnected": st.IsConnected,
		"lastPongAt":  st.LastPongAt,
	})
}
