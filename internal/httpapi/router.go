// Package httpapi is the public HTTP/SSE surface: auth middleware, JSON
// endpoints, and the two SSE endpoints (per-request message streaming and
// the persistent push channel), dispatching into the session manager, the
// connection pool, and the event forwarder.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openclaw/webchat-bff/internal/config"
	"github.com/openclaw/webchat-bff/internal/events"
	"github.com/openclaw/webchat-bff/internal/gateway"
	"github.com/openclaw/webchat-bff/internal/middleware"
	"github.com/openclaw/webchat-bff/internal/session"
)

// Handlers bundles the dependencies every route needs: the business layer,
// the pool (for verifyToken and status), and the forwarder (for /api/events).
type Handlers struct {
	sessions         *session.Manager
	pool             *gateway.Pool
	forwarder        *events.Forwarder
	streamingEnabled bool
	gatewayURL       string
	startedAt        time.Time
}

// NewHandlers constructs the Handlers bundle wired into NewRouter.
func NewHandlers(sessions *session.Manager, pool *gateway.Pool, forwarder *events.Forwarder, streamingEnabled bool, gatewayURL string) *Handlers {
	return &Handlers{
		sessions:         sessions,
		pool:             pool,
		forwarder:        forwarder,
		streamingEnabled: streamingEnabled,
		gatewayURL:       gatewayURL,
		startedAt:        time.Now(),
	}
}

// NewRouter builds the Gin engine exposing the public API.
func NewRouter(cfg *config.Config, logger *zap.Logger, h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/auth/verify", h.VerifyToken)

	protected := api.Group("")
	protected.Use(middleware.BearerAuth())
	{
		protected.GET("/sessions", h.ListSessions)
		protected.POST("/sessions", h.CreateSession)
		protected.GET("/sessions/:key/messages", h.History)
		protected.POST("/sessions/:key/messages", h.SendMessage)
		protected.POST("/sessions/:key/messages/stream", h.StreamMessage)
		protected.PATCH("/sessions/:key", h.PatchSession)
		protected.DELETE("/sessions/:key", h.CloseSession)
		protected.GET("/events", h.Events)
		protected.GET("/gateway/status", h.GatewayStatus)
	}

	return r
}

// Health handles GET /health, the unauthenticated liveness probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "webchat-bff",
		"gateway":   h.gatewayURL,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
