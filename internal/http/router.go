// Package http exposes the local status endpoint.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voicelink-io/voicelink/pkg/session"
)

// StatusProvider reports the live session state.
type StatusProvider interface {
	Status() session.Stats
}

// NewRouter builds the status router.
func NewRouter(provider StatusProvider, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/state", func(c *gin.Context) {
		stats := provider.Status()
		c.JSON(http.StatusOK, gin.H{
			"state":           string(stats.State),
			"session_id":      stats.SessionID,
			"frames_sent":     stats.FramesSent,
			"frames_received": stats.FramesReceived,
			"events_received": stats.EventsReceived,
		})
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}
