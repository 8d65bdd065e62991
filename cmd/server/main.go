package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/webchat-bff/internal/config"
	"github.com/openclaw/webchat-bff/internal/events"
	"github.com/openclaw/webchat-bff/internal/gateway"
	"github.com/openclaw/webchat-bff/internal/httpapi"
	"github.com/openclaw/webchat-bff/internal/logging"
	"github.com/openclaw/webchat-bff/internal/metrics"
	"github.com/openclaw/webchat-bff/internal/session"
)

// sessionIdleThreshold and sessionGCInterval control the periodic sweep
// that drops session-cache entries nobody has touched in a while.
const (
	sessionIdleThreshold = 30 * time.Minute
	sessionGCInterval    = 10 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logging.Set(logger)

	metrics.Register()

	pool := gateway.NewPool(gateway.Options{
		URL:                 cfg.Gateway.WSURL,
		Origin:              cfg.Gateway.WSOrigin,
		ConnectTimeout:      cfg.Gateway.ConnectTimeout,
		RequestTimeout:      cfg.Gateway.RequestTimeout,
		HeartbeatInterval:   cfg.Gateway.HeartbeatInterval,
		ReconnectMaxRetries: cfg.Gateway.ReconnectMaxRetries,
		ReconnectDelay:      cfg.Gateway.ReconnectDelay,
		TLSVerify:           cfg.Gateway.TLSVerify,
		ClientID:            cfg.Gateway.ClientID,
		ClientInstanceID:    cfg.Gateway.ClientInstanceID,
		ClientVersion:       cfg.Gateway.ClientVersion,
	})
	defer pool.CloseAll()

	sessions := session.NewManager(pool, sessionIdleThreshold)
	sessions.StartGC(sessionGCInterval)
	defer sessions.StopGC()

	forwarder := events.NewForwarder(pool)

	handlers := httpapi.NewHandlers(sessions, pool, forwarder, cfg.Server.StreamingEnabled, cfg.Gateway.WSURL)
	router := httpapi.NewRouter(cfg, logger, handlers)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting webchat bff",
			zap.String("addr", addr),
			zap.String("gateway", cfg.Gateway.WSURL),
			zap.Bool("streamingEnabled", cfg.Server.StreamingEnabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	pool.CloseAll()
}
